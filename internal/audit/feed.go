package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"risk-guard-go/internal/risk"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPingPeriod = 30 * time.Second
	feedPongWait   = 2 * feedPingPeriod
)

// FeedConfig websocket 推送配置。
type FeedConfig struct {
	// ClientBuffer 单个连接的发送缓冲；写不过来的客户端会被断开。
	ClientBuffer int
	// Replay 新连接先收到最近 Replay 条事件（按租户过滤）。
	Replay int
	Logger *zap.Logger
}

type feedClient struct {
	tenant string
	send   chan []byte
	once   sync.Once
}

func (c *feedClient) close() { c.once.Do(func() { close(c.send) }) }

// Feed 通过 websocket 推送风险事件，URL 参数 tenant 过滤租户（为空则订阅全部）。
type Feed struct {
	cfg      FeedConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	recent  []risk.RiskEvent
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Feed{
		cfg:    cfg,
		logger: cfg.Logger.Named("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*feedClient]struct{}),
	}
}

func (f *Feed) Name() string { return "websocket" }

// Handle 实现 Sink：广播到匹配租户的连接。
func (f *Feed) Handle(_ context.Context, ev risk.RiskEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.cfg.Replay > 0 {
		f.recent = append(f.recent, ev)
		if len(f.recent) > f.cfg.Replay {
			f.recent = f.recent[len(f.recent)-f.cfg.Replay:]
		}
	}
	var slow []*feedClient
	for c := range f.clients {
		if c.tenant != "" && c.tenant != ev.TenantID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(f.clients, c)
		c.close()
	}
	f.mu.Unlock()

	for range slow {
		f.logger.Warn("dropping slow feed client", zap.String("tenant", ev.TenantID))
	}
	return nil
}

// Seed 装入重启前持久化的历史事件（按时间升序），只保留最近 Replay 条。
func (f *Feed) Seed(history []risk.RiskEvent) {
	if f.cfg.Replay <= 0 || len(history) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := append(append([]risk.RiskEvent(nil), history...), f.recent...)
	if len(merged) > f.cfg.Replay {
		merged = merged[len(merged)-f.cfg.Replay:]
	}
	f.recent = merged
}

// Recent 新连接将收到的回放事件；tenant 为空返回全部。
func (f *Feed) Recent(tenant string) []risk.RiskEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []risk.RiskEvent
	for _, ev := range f.recent {
		if tenant == "" || ev.TenantID == tenant {
			out = append(out, ev)
		}
	}
	return out
}

// ServeHTTP 升级连接并开始推送。
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &feedClient{
		tenant: r.URL.Query().Get("tenant"),
		send:   make(chan []byte, f.cfg.ClientBuffer+f.cfg.Replay),
	}

	f.mu.Lock()
	for _, ev := range f.recent {
		if c.tenant != "" && c.tenant != ev.TenantID {
			continue
		}
		if payload, err := json.Marshal(ev); err == nil {
			c.send <- payload
		}
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writePump(conn, c)
	f.readPump(conn, c)
}

// readPump 只处理 pong/close，连接断开时注销客户端。
func (f *Feed) readPump(conn *websocket.Conn, c *feedClient) {
	defer f.remove(c)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(conn *websocket.Conn, c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

// Clients 当前连接数。
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// CloseAll 断开所有连接（停机时调用）。
func (f *Feed) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		c.close()
	}
}
