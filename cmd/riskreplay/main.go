package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"risk-guard-go/config"
	"risk-guard-go/infrastructure/logger"
	"risk-guard-go/internal/container"
	"risk-guard-go/internal/risk"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空使用默认配置")
	input := flag.String("input", "", "回放文件（JSON 步骤数组）")
	start := flag.String("start", "2024-01-01T00:00:00Z", "回放起始时间 (RFC3339)")
	verbose := flag.Bool("v", false, "输出组件日志")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "必须指定 -input")
		os.Exit(2)
	}
	if err := run(*cfgPath, *input, *start, *verbose, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "回放失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, input, start string, verbose bool, out io.Writer) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
	}
	// 回放只用内存仓储，不对外监听
	cfg.Store = config.StoreConfig{Driver: "memory"}
	cfg.Metrics.ListenAddr = ""

	t0, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return fmt.Errorf("parse start: %w", err)
	}
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()
	steps, err := decodeSteps(f)
	if err != nil {
		return err
	}

	log := &logger.Logger{Logger: zap.NewNop()}
	if verbose {
		lc := logger.DefaultConfig()
		lc.Format = "console"
		if log, err = logger.New(lc); err != nil {
			return err
		}
	}
	clock := risk.NewManualClock(t0)
	c, err := container.NewFromConfig(cfg, container.Options{Clock: clock, Logger: log})
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}
	events := &eventCollector{}
	c.Bus().Subscribe(events.sink())
	if err := c.Start(context.Background()); err != nil {
		return err
	}

	rep, err := replay(context.Background(), c, clock, events, steps)
	if err != nil {
		return err
	}
	render(out, rep)
	return nil
}

func newTable(out io.Writer, title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

func render(out io.Writer, rep report) {
	t := newTable(out, "Orders", table.Row{"Order", "Tenant", "Strategy", "Asset", "Side", "Qty", "Price", "Status", "Reason"})
	for _, d := range rep.Decisions {
		reason := d.Reason
		if d.Err != nil {
			reason = d.Err.Error()
		}
		o := d.Order
		t.AppendRow(table.Row{short(o.ID), o.TenantID, o.StrategyID, o.AssetID, o.Side, o.Quantity, o.Price, o.Status, reason})
	}
	t.Render()

	t = newTable(out, "Executions", table.Row{"Tenant", "Strategy", "Asset", "Side", "Qty", "Price", "Realized", "Position", "Portfolio", "Paused", "Error"})
	for _, e := range rep.Executions {
		var errText string
		if e.Err != nil {
			errText = e.Err.Error()
		}
		portfolio := "-"
		if e.Result.ValueTracked {
			portfolio = fmt.Sprintf("%.2f", e.Result.PortfolioValue)
		}
		t.AppendRow(table.Row{
			e.Exec.TenantID, e.Exec.StrategyID, e.Exec.AssetID, e.Exec.Side, e.Exec.ExecutedQuantity, e.Exec.ExecutedPrice,
			fmt.Sprintf("%.4f", e.Result.RealizedPnL), e.Result.Position.Quantity, portfolio, len(e.Result.Paused) > 0, errText,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 7, Align: text.AlignRight}, {Number: 9, Align: text.AlignRight}})
	t.Render()

	t = newTable(out, "Positions", table.Row{"Tenant", "Asset", "Strategy", "Qty", "Avg Price", "Market Value", "Unrealized"})
	for _, p := range rep.Positions {
		t.AppendRow(table.Row{p.TenantID, p.AssetID, p.StrategyID, p.Quantity, fmt.Sprintf("%.4f", p.AveragePrice),
			fmt.Sprintf("%.2f", p.MarketValue), fmt.Sprintf("%.2f", p.UnrealizedPnL)})
	}
	t.Render()

	t = newTable(out, "Drawdown", table.Row{"Tenant", "Scope", "Strategy", "Peak", "Current", "DD %", "Status"})
	for _, d := range rep.Drawdowns {
		t.AppendRow(table.Row{d.TenantID, d.Scope, d.StrategyID, fmt.Sprintf("%.2f", d.PeakValue), fmt.Sprintf("%.2f", d.CurrentValue),
			fmt.Sprintf("%.2f", d.DrawdownPercent), colorStatus(string(d.Status))})
	}
	t.Render()

	t = newTable(out, "Kill Switch", table.Row{"Tenant", "Active", "Trigger", "Reason", "Cancelled"})
	for _, k := range rep.KillSwitch {
		t.AppendRow(table.Row{k.TenantID, k.Active, k.TriggerType, k.Reason, k.PendingOrdersCancelled})
	}
	t.Render()

	t = newTable(out, "Risk Events", table.Row{"Time", "Type", "Severity", "Tenant", "Strategy", "Trigger", "Action"})
	for _, ev := range rep.Events {
		t.AppendRow(table.Row{ev.Timestamp.Format(time.RFC3339), ev.Type, colorStatus(string(ev.Severity)), ev.TenantID, ev.StrategyID, ev.TriggerCondition, ev.ActionTaken})
	}
	t.Render()
}

func colorStatus(s string) string {
	switch s {
	case "CRITICAL", "PAUSED":
		return text.FgRed.Sprint(s)
	case "WARNING":
		return text.FgYellow.Sprint(s)
	}
	return s
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
