package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"risk-guard-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/riskd.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	flag.Parse()

	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
		os.Exit(1)
	}

	c, err := container.New(*cfgPath, container.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败: %v\n", err)
		os.Exit(1)
	}
	if err := c.Build(); err != nil {
		fmt.Fprintf(os.Stderr, "构建组件失败: %v\n", err)
		os.Exit(1)
	}
	log := c.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.LogError(err, map[string]interface{}{"action": "start"})
		_ = c.Stop()
		os.Exit(1)
	}
	notify(log.Logger, daemon.SdNotifyReady)
	go watchdog(ctx, c, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown requested", zap.String("signal", sig.String()))

	notify(log.Logger, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		os.Exit(1)
	}
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// notify 非 systemd 环境下 SdNotify 返回 false，不视为错误。
func notify(log *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

// watchdog 按 WatchdogSec 的一半频率上报心跳；组件不健康时停止上报，由 systemd 重启。
func watchdog(ctx context.Context, c *container.Container, log *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				log.Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
