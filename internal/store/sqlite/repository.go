package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"risk-guard-go/internal/risk"
)

// Repository 持久化粘性保护状态（急停、回撤）与风险事件审计日志。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config SQLite 仓储配置
type Config struct {
	DBPath string
	Logger *zap.Logger
}

// NewRepository 打开（必要时创建）数据库并初始化表结构
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/risk_guard.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	cfg.Logger.Info("sqlite risk store ready", zap.String("path", dbPath))
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kill_switch (
		tenant_id TEXT PRIMARY KEY,
		active INTEGER NOT NULL,
		activated_at TEXT NOT NULL DEFAULT '',
		activated_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL,
		scope TEXT NOT NULL,
		pending_orders_cancelled INTEGER NOT NULL DEFAULT 0,
		deactivated_at TEXT NOT NULL DEFAULT '',
		deactivated_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drawdown_state (
		tenant_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		peak_value REAL NOT NULL,
		current_value REAL NOT NULL,
		drawdown_percent REAL NOT NULL,
		drawdown_absolute REAL NOT NULL,
		warning_threshold REAL NOT NULL,
		max_threshold REAL NOT NULL,
		status TEXT NOT NULL,
		pause_reason TEXT NOT NULL DEFAULT '',
		paused_at TEXT NOT NULL DEFAULT '',
		last_reset_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, strategy_id)
	);

	CREATE TABLE IF NOT EXISTS risk_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		scope TEXT NOT NULL,
		trigger_condition TEXT NOT NULL,
		action_taken TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_risk_events_tenant_ts ON risk_events (tenant_id, ts);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execute schema initialization: %w", err)
	}
	return nil
}

// Close 关闭连接
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// 定宽格式，保证按文本排序即按时间排序
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(tsLayout, s)
}

// GetKillSwitch 实现 risk.KillSwitchRepository
func (r *Repository) GetKillSwitch(ctx context.Context, tenantID string) (risk.KillSwitchState, bool, error) {
	const q = `SELECT active, activated_at, activated_by, reason, trigger_type, scope,
		pending_orders_cancelled, deactivated_at, deactivated_by, updated_at
		FROM kill_switch WHERE tenant_id = ?`
	s := risk.KillSwitchState{TenantID: tenantID}
	var active int
	var trigger, activatedAt, deactivatedAt, updated string
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&active, &activatedAt, &s.ActivatedBy, &s.Reason, &trigger, &s.Scope,
		&s.PendingOrdersCancelled, &deactivatedAt, &s.DeactivatedBy, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.KillSwitchState{}, false, nil
	}
	if err != nil {
		return risk.KillSwitchState{}, false, fmt.Errorf("query kill switch: %w", err)
	}
	s.Active = active == 1
	s.TriggerType = risk.TriggerType(trigger)
	if s.ActivatedAt, err = parseTime(activatedAt); err != nil {
		return risk.KillSwitchState{}, false, fmt.Errorf("parse activated_at: %w", err)
	}
	if s.DeactivatedAt, err = parseTime(deactivatedAt); err != nil {
		return risk.KillSwitchState{}, false, fmt.Errorf("parse deactivated_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return risk.KillSwitchState{}, false, fmt.Errorf("parse updated_at: %w", err)
	}
	return s, true, nil
}

// SaveKillSwitch upsert
func (r *Repository) SaveKillSwitch(ctx context.Context, s risk.KillSwitchState) error {
	const q = `INSERT INTO kill_switch (tenant_id, active, activated_at, activated_by, reason, trigger_type, scope,
		pending_orders_cancelled, deactivated_at, deactivated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
		active = excluded.active, activated_at = excluded.activated_at, activated_by = excluded.activated_by,
		reason = excluded.reason, trigger_type = excluded.trigger_type, scope = excluded.scope,
		pending_orders_cancelled = excluded.pending_orders_cancelled, deactivated_at = excluded.deactivated_at,
		deactivated_by = excluded.deactivated_by, updated_at = excluded.updated_at`
	active := 0
	if s.Active {
		active = 1
	}
	_, err := r.db.ExecContext(ctx, q, s.TenantID, active, formatTime(s.ActivatedAt), s.ActivatedBy, s.Reason,
		string(s.TriggerType), s.Scope, s.PendingOrdersCancelled, formatTime(s.DeactivatedAt), s.DeactivatedBy,
		formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save kill switch: %w", err)
	}
	return nil
}

const drawdownColumns = `tenant_id, strategy_id, scope, peak_value, current_value, drawdown_percent, drawdown_absolute,
	warning_threshold, max_threshold, status, pause_reason, paused_at, last_reset_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDrawdown(row rowScanner) (risk.DrawdownState, error) {
	var s risk.DrawdownState
	var scope, status, pausedAt, lastReset, updated string
	if err := row.Scan(&s.TenantID, &s.StrategyID, &scope, &s.PeakValue, &s.CurrentValue, &s.DrawdownPercent,
		&s.DrawdownAbsolute, &s.WarningThreshold, &s.MaxThreshold, &status, &s.PauseReason, &pausedAt, &lastReset, &updated); err != nil {
		return risk.DrawdownState{}, err
	}
	s.Scope = risk.DrawdownScope(scope)
	s.Status = risk.DrawdownStatus(status)
	var err error
	if s.PausedAt, err = parseTime(pausedAt); err != nil {
		return risk.DrawdownState{}, fmt.Errorf("parse paused_at: %w", err)
	}
	if s.LastResetAt, err = parseTime(lastReset); err != nil {
		return risk.DrawdownState{}, fmt.Errorf("parse last_reset_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return risk.DrawdownState{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return s, nil
}

// GetDrawdown 实现 risk.DrawdownRepository
func (r *Repository) GetDrawdown(ctx context.Context, tenantID, strategyID string) (risk.DrawdownState, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+drawdownColumns+` FROM drawdown_state WHERE tenant_id = ? AND strategy_id = ?`,
		tenantID, strategyID)
	s, err := scanDrawdown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.DrawdownState{}, false, nil
	}
	if err != nil {
		return risk.DrawdownState{}, false, fmt.Errorf("query drawdown: %w", err)
	}
	return s, true, nil
}

// SaveDrawdown upsert
func (r *Repository) SaveDrawdown(ctx context.Context, s risk.DrawdownState) error {
	q := `INSERT INTO drawdown_state (` + drawdownColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, strategy_id) DO UPDATE SET
		scope = excluded.scope, peak_value = excluded.peak_value, current_value = excluded.current_value,
		drawdown_percent = excluded.drawdown_percent, drawdown_absolute = excluded.drawdown_absolute,
		warning_threshold = excluded.warning_threshold, max_threshold = excluded.max_threshold,
		status = excluded.status, pause_reason = excluded.pause_reason, paused_at = excluded.paused_at,
		last_reset_at = excluded.last_reset_at, updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, q, s.TenantID, s.StrategyID, string(s.Scope), s.PeakValue, s.CurrentValue,
		s.DrawdownPercent, s.DrawdownAbsolute, s.WarningThreshold, s.MaxThreshold, string(s.Status), s.PauseReason,
		formatTime(s.PausedAt), formatTime(s.LastResetAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save drawdown: %w", err)
	}
	return nil
}

// ListDrawdowns 按策略排序，组合级（空策略）在前
func (r *Repository) ListDrawdowns(ctx context.Context, tenantID string) ([]risk.DrawdownState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+drawdownColumns+` FROM drawdown_state WHERE tenant_id = ? ORDER BY strategy_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query drawdowns: %w", err)
	}
	defer rows.Close()
	var out []risk.DrawdownState
	for rows.Next() {
		s, err := scanDrawdown(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drawdown: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendEvent 追加审计事件；重复 ID 忽略
func (r *Repository) AppendEvent(ctx context.Context, ev risk.RiskEvent) error {
	md, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	const q = `INSERT OR IGNORE INTO risk_events (id, tenant_id, strategy_id, type, severity, scope, trigger_condition,
		action_taken, metadata, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, ev.ID, ev.TenantID, ev.StrategyID, string(ev.Type), string(ev.Severity),
		ev.Scope, ev.TriggerCondition, ev.ActionTaken, string(md), formatTime(ev.Timestamp)); err != nil {
		return fmt.Errorf("append risk event: %w", err)
	}
	return nil
}

// ListEvents 按时间倒序返回最近 limit 条事件
func (r *Repository) ListEvents(ctx context.Context, tenantID string, limit int) ([]risk.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, tenant_id, strategy_id, type, severity, scope, trigger_condition, action_taken, metadata, ts
		FROM risk_events WHERE tenant_id = ? ORDER BY ts DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()
	var out []risk.RiskEvent
	for rows.Next() {
		var ev risk.RiskEvent
		var typ, sev, md, ts string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.StrategyID, &typ, &sev, &ev.Scope, &ev.TriggerCondition,
			&ev.ActionTaken, &md, &ts); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		ev.Type = risk.EventType(typ)
		ev.Severity = risk.Severity(sev)
		if err := json.Unmarshal([]byte(md), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
