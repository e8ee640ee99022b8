package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter 按租户限制下单/撤单速率。每个租户对应独立的交易所凭证，额度互不影响。
type RateLimiter interface {
	Wait(ctx context.Context, tenantID string) error
}

// TenantLimiter 每个租户一个 rate.Limiter，首次使用时创建且满桶。
type TenantLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait 阻塞到拿到令牌；ctx 取消或截止时间内等不到时返回错误。
func (l *TenantLimiter) Wait(ctx context.Context, tenantID string) error {
	return l.limiter(tenantID).Wait(ctx)
}

func (l *TenantLimiter) limiter(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	return lim
}
