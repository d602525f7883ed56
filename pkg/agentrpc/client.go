// Package agentrpc implements the transport client for the remote
// agent registry: one persistent duplex connection per worker,
// multiplexing concurrent invocations by correlation id.
package agentrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrConnectionClosed resolves every waiter outstanding when the
// registry connection drops, so no invocation hangs waiting for a
// response that can never arrive.
var ErrConnectionClosed = eris.New("agentrpc: connection closed")

// ErrClientClosed is returned by Invoke after Close.
var ErrClientClosed = eris.New("agentrpc: client closed")

// UsageFunc receives the usage report for every completed invocation,
// successful or not. Cost is nil when the remote side reported none.
type UsageFunc func(tool, correlationID string, cost *CostInfo)

// Config holds transport client settings.
type Config struct {
	// URL is the websocket endpoint of the agent registry.
	URL string

	// DialTimeout bounds each connection attempt. Default: 10s.
	DialTimeout time.Duration

	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	// Defaults: 500ms and 30s.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// OnUsage, if set, is invoked once per invocation with the
	// reported usage counts.
	OnUsage UsageFunc
}

// Client invokes remote agents by name.
type Client interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (*ToolResult, error)
	Connected() bool
	Close() error
}

type waiter struct {
	ch chan waiterResult
}

type waiterResult struct {
	env *ResponseEnvelope
	err error
}

type wsClient struct {
	cfg Config

	// connMu guards conn and serializes frame writes.
	connMu sync.Mutex
	conn   *websocket.Conn

	// waitersMu guards the correlation-id waiter table, the one
	// structure mutated by every in-flight invocation.
	waitersMu sync.Mutex
	waiters   map[string]waiter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a transport client and starts its connection
// manager. The client dials lazily and reconnects with backoff; Invoke
// fails fast with a connection error while disconnected, leaving the
// retry policy to pace new attempts.
func NewClient(cfg Config) Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	c := &wsClient{
		cfg:     cfg,
		waiters: make(map[string]waiter),
		closed:  make(chan struct{}),
	}
	go c.manage()
	return c
}

// manage owns the connection lifecycle: dial, read until failure,
// flush waiters, back off, redial.
func (c *wsClient) manage() {
	backoff := c.cfg.ReconnectInitial

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			zap.L().Warn("agentrpc: dial failed",
				zap.String("url", c.cfg.URL),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-c.closed:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.ReconnectMax)
			continue
		}

		backoff = c.cfg.ReconnectInitial
		c.setConn(conn)
		zap.L().Info("agentrpc: connected", zap.String("url", c.cfg.URL))

		c.readLoop(conn)

		c.setConn(nil)
		c.flushWaiters(ErrConnectionClosed)
	}
}

func (c *wsClient) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "agentrpc: dial registry")
	}
	return conn, nil
}

func (c *wsClient) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil && conn == nil {
		_ = c.conn.Close()
	}
	c.conn = conn
}

// readLoop dispatches response frames to their waiters until the
// connection fails or the client closes.
func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				zap.L().Warn("agentrpc: read failed", zap.Error(err))
			}
			return
		}

		var env ResponseEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			zap.L().Warn("agentrpc: malformed response frame dropped", zap.Error(err))
			continue
		}

		c.waitersMu.Lock()
		w, ok := c.waiters[env.ID]
		if ok {
			delete(c.waiters, env.ID)
		}
		c.waitersMu.Unlock()

		if !ok {
			// Late response for a timed-out invocation, or an id we
			// never issued. Either way there is no one to resolve.
			zap.L().Debug("agentrpc: unmatched response dropped",
				zap.String("correlation_id", env.ID),
			)
			continue
		}

		w.ch <- waiterResult{env: &env}
	}
}

// flushWaiters resolves every outstanding waiter with err.
func (c *wsClient) flushWaiters(err error) {
	c.waitersMu.Lock()
	pending := c.waiters
	c.waiters = make(map[string]waiter)
	c.waitersMu.Unlock()

	if len(pending) > 0 {
		zap.L().Warn("agentrpc: resolving outstanding waiters",
			zap.Int("count", len(pending)),
			zap.Error(err),
		)
	}
	for _, w := range pending {
		w.ch <- waiterResult{err: err}
	}
}

// Invoke sends one request envelope and waits for the matching
// response, the caller's deadline, or connection loss, whichever comes
// first. Usage is reported through OnUsage on every path.
func (c *wsClient) Invoke(ctx context.Context, tool string, params map[string]any) (*ToolResult, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	id := uuid.New().String()
	w := waiter{ch: make(chan waiterResult, 1)}

	c.waitersMu.Lock()
	c.waiters[id] = w
	c.waitersMu.Unlock()

	if err := c.send(RequestEnvelope{ID: id, Tool: tool, Params: params}); err != nil {
		c.removeWaiter(id)
		c.reportUsage(tool, id, nil)
		return nil, err
	}

	select {
	case <-ctx.Done():
		// Local deadline expiry is independent of any transport-level
		// timeout; the late frame, if it ever arrives, is dropped by
		// the read loop.
		c.removeWaiter(id)
		c.reportUsage(tool, id, nil)
		return nil, ctx.Err()

	case <-c.closed:
		c.removeWaiter(id)
		c.reportUsage(tool, id, nil)
		return nil, ErrClientClosed

	case res := <-w.ch:
		if res.err != nil {
			c.reportUsage(tool, id, nil)
			return nil, res.err
		}
		return c.resolve(tool, id, res.env)
	}
}

func (c *wsClient) resolve(tool, id string, env *ResponseEnvelope) (*ToolResult, error) {
	if env.Error != nil {
		c.reportUsage(tool, id, nil)
		return nil, env.Error
	}

	result, err := DecodeResult(env.Result)
	if err != nil {
		c.reportUsage(tool, id, nil)
		return nil, err
	}

	c.reportUsage(tool, id, result.Cost)
	return result, nil
}

func (c *wsClient) send(env RequestEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "agentrpc: marshal request")
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrConnectionClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return eris.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

func (c *wsClient) removeWaiter(id string) {
	c.waitersMu.Lock()
	delete(c.waiters, id)
	c.waitersMu.Unlock()
}

func (c *wsClient) reportUsage(tool, id string, cost *CostInfo) {
	if c.cfg.OnUsage != nil {
		c.cfg.OnUsage(tool, id, cost)
	}
}

// Connected reports whether the client currently holds a live
// connection.
func (c *wsClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Close stops the connection manager and resolves outstanding waiters.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setConn(nil)
		c.flushWaiters(ErrConnectionClosed)
	})
	return nil
}
