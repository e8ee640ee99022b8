// Package audit 风险事件总线：核心组件把事件投递到带缓冲的通道，
// 由单独的 goroutine 分发到各个 sink（日志、告警、指标、SQLite、websocket）。
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"risk-guard-go/internal/risk"
	"risk-guard-go/monitor/logschema"
)

var (
	ErrBusFull   = errors.New("audit bus full")
	ErrBusClosed = errors.New("audit bus closed")
)

// Sink 事件消费者。返回的错误只记录日志，不回传给生产者。
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev risk.RiskEvent) error
}

// SinkFunc 函数适配。
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev risk.RiskEvent) error
}

func (s SinkFunc) Name() string                                        { return s.SinkName }
func (s SinkFunc) Handle(ctx context.Context, ev risk.RiskEvent) error { return s.Fn(ctx, ev) }

// BusConfig 总线配置。
type BusConfig struct {
	Buffer int
	Logger *zap.Logger
	// OnDrop 事件因缓冲满被丢弃时调用。
	OnDrop func(ev risk.RiskEvent)
}

// Bus 实现 risk.Emitter。Emit 从不阻塞：缓冲满时返回 ErrBusFull，
// 生产者已生效的保护状态不受影响。
type Bus struct {
	ch     chan risk.RiskEvent
	logger *zap.Logger
	onDrop func(risk.RiskEvent)

	mu      sync.RWMutex
	sinks   []Sink
	closed  bool
	started bool
	done    chan struct{}
}

func NewBus(cfg BusConfig) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		ch:     make(chan risk.RiskEvent, cfg.Buffer),
		logger: cfg.Logger.Named("audit"),
		onDrop: cfg.OnDrop,
		done:   make(chan struct{}),
	}
}

// Subscribe 注册 sink；应在 Start 之前调用。
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit 实现 risk.Emitter。
func (b *Bus) Emit(_ context.Context, ev risk.RiskEvent) error {
	if err := logschema.Check(ev); err != nil {
		b.logger.Warn("risk event metadata incomplete", zap.String("event_id", ev.ID), zap.Error(err))
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- ev:
		return nil
	default:
		if b.onDrop != nil {
			b.onDrop(ev)
		}
		return fmt.Errorf("%w: dropped %s for tenant %s", ErrBusFull, ev.Type, ev.TenantID)
	}
}

// Start 启动分发 goroutine。
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("audit bus already started")
	}
	b.started = true
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for ev := range b.ch {
		b.dispatch(ctx, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev risk.RiskEvent) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := b.handle(ctx, s, ev); err != nil {
			b.logger.Warn("audit sink failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

func (b *Bus) handle(ctx context.Context, s Sink, ev risk.RiskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Handle(ctx, ev)
}

// Close 停止接收新事件并等待缓冲中的事件分发完毕（或 ctx 到期）。
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	close(b.ch)
	b.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit bus drain: %w", ctx.Err())
	}
}

// Pending 缓冲中尚未分发的事件数。
func (b *Bus) Pending() int { return len(b.ch) }
