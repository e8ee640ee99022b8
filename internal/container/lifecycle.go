package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-guard-go/config"
	"risk-guard-go/internal/audit"
	"risk-guard-go/posttrade"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 汇总所有不健康组件。
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, component := range m.components {
		if err := component.Health(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", component.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Names 已注册组件名，按启动顺序。
func (m *LifecycleManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.Name())
	}
	return out
}

// httpServerComponent 对外暴露 /metrics、/events、/healthz。
// Start 同步监听端口，端口占用时启动失败。
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *zap.Logger
	server  *http.Server
	mu      sync.Mutex
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{Handler: h.handler, ReadHeaderTimeout: 5 * time.Second}
	h.server = srv

	go func() {
		h.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	h.server = nil
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.logger.Info("http server stopped")
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return errors.New("not serving")
	}
	return nil
}

// busComponent 审计总线。停止时先排空缓冲，再断开 websocket 客户端。
type busComponent struct {
	bus     *audit.Bus
	feed    *audit.Feed
	timeout time.Duration
}

func (b *busComponent) Name() string  { return "audit_bus" }
func (b *busComponent) Health() error { return nil }

// Start 分发 goroutine 不随 ctx 取消退出，Stop 时排空缓冲。
func (b *busComponent) Start(ctx context.Context) error {
	return b.bus.Start(context.WithoutCancel(ctx))
}

func (b *busComponent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	err := b.bus.Close(ctx)
	b.feed.CloseAll()
	return err
}

type watcherComponent struct{ w *config.Watcher }

func (c watcherComponent) Name() string                    { return "config_watcher" }
func (c watcherComponent) Start(ctx context.Context) error { return c.w.Start(ctx) }
func (c watcherComponent) Stop() error                     { return c.w.Stop() }
func (c watcherComponent) Health() error                   { return nil }

// reconcilerComponent 定期对账；最近一轮失败时报告不健康。
type reconcilerComponent struct{ r *posttrade.Reconciler }

func (c reconcilerComponent) Name() string                    { return "reconciler" }
func (c reconcilerComponent) Start(ctx context.Context) error { return c.r.Start(ctx) }
func (c reconcilerComponent) Stop() error                     { return c.r.Stop() }

func (c reconcilerComponent) Health() error {
	if err := c.r.GetStatistics().LastError; err != nil {
		return fmt.Errorf("last reconciliation failed: %w", err)
	}
	return nil
}
