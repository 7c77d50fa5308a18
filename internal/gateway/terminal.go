package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hedge-engine/internal/config"
	"hedge-engine/internal/hedge"
)

// 连接质量按 PONG 往返延迟划分档位。
const (
	qualityExcellent = "EXCELLENT"
	qualityGood      = "GOOD"
	qualityPoor      = "POOR"

	excellentLatency = 50 * time.Millisecond
	goodLatency      = 200 * time.Millisecond
)

// Terminal 通过 websocket 连接 MT 终端桥接，实现异步命令网关。
// 出站命令以 JSON 文本发送，入站 OPENED/CLOSED/ERROR 按命令 id
// 路由回等待中的调用方；PING/PONG 心跳维持会话并测量延迟。
type Terminal struct {
	cfg    config.GatewayConfig
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Result

	closeOnce sync.Once
	closed    chan struct{}

	statsMu      sync.Mutex
	latency      time.Duration
	lastPingAt   time.Time
	msgsSent     uint64
	msgsReceived uint64
}

type wireMessage struct {
	Type      string  `json:"type"`
	ID        string  `json:"id,omitempty"`
	CommandID string  `json:"commandId,omitempty"`
	Token     string  `json:"token,omitempty"`
	Ticket    string  `json:"ticket,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`

	AccountID   string  `json:"account_id,omitempty"`
	Symbol      string  `json:"symbol,omitempty"`
	Direction   string  `json:"direction,omitempty"`
	LotSize     float64 `json:"lot_size,omitempty"`
	OrderType   string  `json:"order_type,omitempty"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	MaxSlippage float64 `json:"max_slippage,omitempty"`
}

// Health 为连接健康快照。
type Health struct {
	Connected        bool    `json:"connected"`
	LatencyMS        float64 `json:"latency_ms"`
	Quality          string  `json:"quality"`
	MessagesSent     uint64  `json:"messages_sent"`
	MessagesReceived uint64  `json:"messages_received"`
}

// NewTerminal 建立 websocket 连接并完成令牌认证。
func NewTerminal(cfg config.GatewayConfig, logger *zap.Logger) (*Terminal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(cfg.Terminal.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: 连接终端桥接失败: %w", err)
	}

	t := &Terminal{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan Result),
		closed:  make(chan struct{}),
	}

	if err := t.write(wireMessage{
		Type:      "AUTH",
		Token:     cfg.Terminal.AuthToken,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway: 发送认证消息失败: %w", err)
	}

	go t.readPump()
	go t.heartbeat()

	logger.Info("终端网关已连接", zap.String("url", cfg.Terminal.URL))
	return t, nil
}

// Send 派发命令并等待关联结果，ctx 到期即按超时处理，
// 之后到达的结果会被丢弃。
func (t *Terminal) Send(ctx context.Context, cmd Command) (Result, error) {
	ch := make(chan Result, 1)

	t.pendingMu.Lock()
	if _, exists := t.pending[cmd.ID]; exists {
		t.pendingMu.Unlock()
		return Result{}, fmt.Errorf("gateway: 命令 id 重复: %s", cmd.ID)
	}
	t.pending[cmd.ID] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, cmd.ID)
		t.pendingMu.Unlock()
	}()

	msg := wireMessage{
		Type:        string(cmd.Action),
		ID:          cmd.ID,
		AccountID:   cmd.AccountID,
		Symbol:      cmd.Symbol,
		Direction:   string(cmd.Direction),
		LotSize:     cmd.LotSize,
		OrderType:   string(cmd.OrderType),
		StopLoss:    cmd.StopLoss,
		TakeProfit:  cmd.TakeProfit,
		MaxSlippage: cmd.MaxSlippage,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := t.write(msg); err != nil {
		return Result{}, fmt.Errorf("gateway: 发送命令失败: %w", err)
	}

	select {
	case result := <-ch:
		return result, nil
	case <-t.closed:
		return Result{}, errors.New("gateway: 连接已关闭")
	case <-ctx.Done():
		return Result{}, &hedge.TimeoutError{CommandID: cmd.ID, Deadline: t.cfg.CommandTimeout}
	}
}

// Health 返回连接健康快照。
func (t *Terminal) Health() Health {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	connected := true
	select {
	case <-t.closed:
		connected = false
	default:
	}

	quality := qualityPoor
	switch {
	case t.latency <= excellentLatency:
		quality = qualityExcellent
	case t.latency <= goodLatency:
		quality = qualityGood
	}

	return Health{
		Connected:        connected,
		LatencyMS:        float64(t.latency) / float64(time.Millisecond),
		Quality:          quality,
		MessagesSent:     t.msgsSent,
		MessagesReceived: t.msgsReceived,
	}
}

// Close 关闭连接，唤醒所有等待中的调用方。
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *Terminal) write(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	t.statsMu.Lock()
	t.msgsSent++
	t.statsMu.Unlock()
	return nil
}

func (t *Terminal) readPump() {
	defer func() { _ = t.Close() }()

	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.ConnectionTimeout)); err != nil {
			return
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("终端网关读取失败", zap.Error(err))
			}
			return
		}

		t.statsMu.Lock()
		t.msgsReceived++
		t.statsMu.Unlock()

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("终端消息解析失败", zap.Error(err))
			continue
		}

		t.dispatch(msg)
	}
}

func (t *Terminal) dispatch(msg wireMessage) {
	switch msg.Type {
	case "OPENED", "CLOSED":
		t.deliver(Result{
			CommandID:     t.correlationID(msg),
			AccountID:     msg.AccountID,
			Success:       true,
			Ticket:        msg.Ticket,
			ExecutedPrice: msg.Price,
			CompletedAt:   time.Now().UTC(),
		})
	case "ERROR":
		t.deliver(Result{
			CommandID:   t.correlationID(msg),
			AccountID:   msg.AccountID,
			Success:     false,
			Error:       msg.Message,
			CompletedAt: time.Now().UTC(),
		})
	case "PONG":
		t.statsMu.Lock()
		if !t.lastPingAt.IsZero() {
			t.latency = time.Since(t.lastPingAt)
		}
		t.statsMu.Unlock()
	case "AUTH_SUCCESS":
		t.logger.Info("终端网关认证成功")
	case "INFO", "PRICE":
		t.logger.Debug("终端消息", zap.String("type", msg.Type), zap.String("message", msg.Message))
	default:
		t.logger.Warn("未知终端消息类型", zap.String("type", msg.Type))
	}
}

func (t *Terminal) correlationID(msg wireMessage) string {
	if msg.CommandID != "" {
		return msg.CommandID
	}
	return msg.ID
}

func (t *Terminal) deliver(result Result) {
	t.pendingMu.Lock()
	ch, ok := t.pending[result.CommandID]
	if ok {
		delete(t.pending, result.CommandID)
	}
	t.pendingMu.Unlock()

	if !ok {
		// 等待方已超时离开，结果按约定丢弃。
		t.logger.Debug("丢弃无人等待的命令结果", zap.String("command_id", result.CommandID))
		return
	}
	ch <- result
}

func (t *Terminal) heartbeat() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.statsMu.Lock()
			t.lastPingAt = time.Now()
			t.statsMu.Unlock()

			if err := t.write(wireMessage{
				Type:      "PING",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				t.logger.Warn("发送心跳失败", zap.Error(err))
				_ = t.Close()
				return
			}
		}
	}
}

var _ Gateway = (*Terminal)(nil)
