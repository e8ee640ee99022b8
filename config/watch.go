package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatcherConfig 热更新配置
type WatcherConfig struct {
	Cooldown time.Duration // 冷却时间，合并编辑器的连续写入
	Logger   *zap.Logger
}

// Watcher 监听配置文件，变更后重新加载并交给 Provider.Update。
// 监听的是所在目录：编辑器常用 rename 替换文件，直接监听文件会丢失后续事件。
type Watcher struct {
	path     string
	provider *Provider
	cooldown time.Duration
	logger   *zap.Logger
	load     func(string) (AppConfig, error)

	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	pending  *time.Timer
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewWatcher(path string, provider *Provider, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		provider: provider,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger.Named("config"),
		load:     LoadWithEnvOverrides,
		fsw:      fsw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动监听
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch(ctx)
	return nil
}

// Stop 停止监听并等待 goroutine 退出
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.mu.Lock()
	started := w.started
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	if started {
		select {
		case <-w.doneChan:
		case <-time.After(time.Second):
		}
	}
	return w.fsw.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// schedule 冷却期内的多次变更只触发一次重载
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.cooldown, func() { _ = w.Reload() })
}

// Reload 立即重新加载。加载或校验失败时保留当前配置。
func (w *Watcher) Reload() error {
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return err
	}
	if err := w.provider.Update(cfg); err != nil {
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.logger.Info("config reloaded", zap.String("path", w.path), zap.Int("tenants", len(cfg.Tenants)))
	return nil
}
