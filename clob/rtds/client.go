package rtds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/pkg/logger"
)

// ClientConfig RTDS 客户端配置
type ClientConfig struct {
	URL            string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration // 重连初始延迟
	ReconnectMax   time.Duration // 重连延迟上限（指数退避，次数不限）
}

// DefaultClientConfig 默认配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:            WebSocketURL,
		PingInterval:   5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		ReconnectDelay: 5 * time.Second,
		ReconnectMax:   60 * time.Second,
	}
}

// Client RTDS WebSocket 客户端。
// 断线后自动重连并恢复订阅；重连成功后触发 OnReconnect 回调，
// 供上层从活动历史补齐断线期间漏掉的交易。
type Client struct {
	cfg *ClientConfig
	log *logrus.Entry

	conn      *websocket.Conn
	connMutex sync.Mutex

	handlers      map[string]MessageHandler
	handlersMutex sync.RWMutex

	subscriptions []Subscription
	subsMutex     sync.RWMutex

	onReconnect func()

	connected      bool
	connectedMutex sync.RWMutex
	isReconnecting bool
	reconnectMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 创建 RTDS 客户端
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.URL == "" {
		cfg.URL = WebSocketURL
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		log:      logger.WithField("component", "rtds"),
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnReconnect 设置重连成功后的回调
func (c *Client) OnReconnect(fn func()) {
	c.onReconnect = fn
}

// Connect 建立 WebSocket 连接
func (c *Client) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("连接 RTDS 失败: %w", err)
	}

	c.connMutex.Lock()
	c.conn = conn
	c.connMutex.Unlock()
	c.setConnected(true)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.resubscribe()
	return nil
}

// Disconnect 主动断开连接（不再重连）
func (c *Client) Disconnect() error {
	c.setConnected(false)
	c.cancel()

	c.connMutex.Lock()
	conn := c.conn
	c.conn = nil
	c.connMutex.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.log.Warn("等待读写 goroutine 退出超时")
	}
	return err
}

// IsConnected 返回连接状态
func (c *Client) IsConnected() bool {
	c.connectedMutex.RLock()
	defer c.connectedMutex.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connectedMutex.Lock()
	c.connected = v
	c.connectedMutex.Unlock()
}

// RegisterHandler 注册主题处理函数
func (c *Client) RegisterHandler(topic string, handler MessageHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	c.handlers[topic] = handler
}

// Subscribe 订阅主题并记录（重连后自动恢复）
func (c *Client) Subscribe(subs []Subscription) error {
	if err := c.send(SubscriptionRequest{Action: ActionSubscribe, Subscriptions: subs}); err != nil {
		return err
	}

	c.subsMutex.Lock()
	for _, sub := range subs {
		exists := false
		for i, existing := range c.subscriptions {
			if existing.Topic == sub.Topic && existing.Type == sub.Type && existing.Filters == sub.Filters {
				c.subscriptions[i] = sub
				exists = true
				break
			}
		}
		if !exists {
			c.subscriptions = append(c.subscriptions, sub)
		}
	}
	c.subsMutex.Unlock()
	return nil
}

// SubscribeToTrades 订阅 activity 主题的交易流
func (c *Client) SubscribeToTrades() error {
	return c.Subscribe([]Subscription{{Topic: "activity", Type: "trades"}})
}

func (c *Client) send(message interface{}) error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if !c.IsConnected() || conn == nil {
		return fmt.Errorf("客户端未连接")
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(message); err != nil {
		c.setConnected(false)
		return fmt.Errorf("发送消息失败: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		// "repeated read on failed websocket connection" 会 panic
		if r := recover(); r != nil {
			c.log.Warnf("读循环 panic 恢复: %v", r)
			c.setConnected(false)
			go c.handleDisconnect()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// 读超时用于定期检查 context，不视为连接故障
		readTimeout := 30 * time.Second
		if c.cfg.ReadTimeout > 0 && c.cfg.ReadTimeout < readTimeout {
			readTimeout = c.cfg.ReadTimeout
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				select {
				case <-c.ctx.Done():
					return
				default:
				}
				if !c.IsConnected() {
					return
				}
				continue
			}

			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.setConnected(false)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnf("WebSocket 读取错误: %v", err)
			}
			c.handleDisconnect()
			return
		}

		// 代理/网关链路上会出现空消息和文本心跳
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" || trimmed == "PONG" {
			continue
		}
		if trimmed == "PING" {
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			c.log.Debugf("消息解析失败: %v (len=%d)", err, len(trimmed))
			continue
		}

		// 订阅确认消息无需业务处理
		if msg.Type == "subscribe" || msg.Type == "unsubscribe" {
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	c.handlersMutex.RLock()
	handler := c.handlers[msg.Topic]
	c.handlersMutex.RUnlock()

	if handler == nil {
		return
	}
	if err := handler(msg); err != nil {
		c.log.Warnf("处理 %s 消息失败: %v", msg.Topic, err)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.setConnected(false)
				c.handleDisconnect()
				return
			}
		}
	}
}

// handleDisconnect 指数退避重连，直到成功或客户端被关闭
func (c *Client) handleDisconnect() {
	c.setConnected(false)

	c.reconnectMutex.Lock()
	if c.isReconnecting {
		c.reconnectMutex.Unlock()
		return
	}
	c.isReconnecting = true
	c.reconnectMutex.Unlock()

	defer func() {
		c.reconnectMutex.Lock()
		c.isReconnecting = false
		c.reconnectMutex.Unlock()
	}()

	delay := c.cfg.ReconnectDelay
	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		attempt++
		c.log.Infof("尝试重连 RTDS（第 %d 次，延迟 %s）", attempt, delay)

		c.connMutex.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMutex.Unlock()

		if err := c.Connect(); err != nil {
			c.log.Warnf("重连失败: %v", err)
			delay *= 2
			if delay > c.cfg.ReconnectMax {
				delay = c.cfg.ReconnectMax
			}
			continue
		}

		c.log.Infof("重连成功，已恢复 %d 条订阅", len(c.subscriptions))
		if c.onReconnect != nil {
			go c.onReconnect()
		}
		return
	}
}

func (c *Client) resubscribe() {
	c.subsMutex.RLock()
	subs := make([]Subscription, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.subsMutex.RUnlock()

	if len(subs) == 0 {
		return
	}

	// 等连接稳定后再发订阅
	time.Sleep(100 * time.Millisecond)

	if err := c.send(SubscriptionRequest{Action: ActionSubscribe, Subscriptions: subs}); err != nil {
		c.log.Warnf("重连后恢复订阅失败: %v", err)
	}
}
