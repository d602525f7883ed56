package agentrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is a websocket server that hands each request frame to a
// handler and writes whatever frames the handler returns.
type fakeRegistry struct {
	t       *testing.T
	server  *httptest.Server
	handler func(req RequestEnvelope) []ResponseEnvelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRegistry(t *testing.T, handler func(req RequestEnvelope) []ResponseEnvelope) *fakeRegistry {
	fr := &fakeRegistry{t: t, handler: handler}
	upgrader := websocket.Upgrader{}

	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conns = append(fr.conns, conn)
		fr.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req RequestEnvelope
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			for _, resp := range fr.handler(req) {
				out, _ := json.Marshal(resp)
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRegistry) url() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http")
}

// dropConnections severs every accepted connection.
func (fr *fakeRegistry) dropConnections() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, c := range fr.conns {
		_ = c.Close()
	}
	fr.conns = nil
}

func newTestClient(t *testing.T, fr *fakeRegistry, onUsage UsageFunc) Client {
	c := NewClient(Config{
		URL:              fr.url(),
		DialTimeout:      2 * time.Second,
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		OnUsage:          onUsage,
	})
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond, "client never connected")
	return c
}

func okResponse(id string, data string) ResponseEnvelope {
	body, _ := json.Marshal(map[string]any{
		"success": true,
		"result":  json.RawMessage(data),
		"cost":    map[string]any{"amount": 0.002},
	})
	return ResponseEnvelope{ID: id, Result: body}
}

func TestInvokeRoundTrip(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		return []ResponseEnvelope{okResponse(req.ID, `{"title":"Parish Register"}`)}
	})
	c := newTestClient(t, fr, nil)

	res, err := c.Invoke(context.Background(), "metadata_extract", map[string]any{"text": "..."})
	require.NoError(t, err)
	assert.Equal(t, "Parish Register", res.Data["title"])
	require.NotNil(t, res.Cost)
	assert.InDelta(t, 0.002, res.Cost.AmountUSD, 1e-9)
}

func TestInvokeConcurrentCorrelation(t *testing.T) {
	// Each response must reach the invocation that issued its id, even
	// when many are in flight on one connection.
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		tool, _ := req.Params["n"].(string)
		return []ResponseEnvelope{okResponse(req.ID, `{"n":"`+tool+`"}`)}
	})
	c := newTestClient(t, fr, nil)

	var wg sync.WaitGroup
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Invoke(context.Background(), "classify", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n, res.Data["n"])
		}()
	}
	wg.Wait()
}

func TestInvokeAgentError(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		return []ResponseEnvelope{{
			ID:    req.ID,
			Error: &AgentError{StatusCode: 429, Message: "rate limited"},
		}}
	})
	c := newTestClient(t, fr, nil)

	_, err := c.Invoke(context.Background(), "summarize", nil)
	var ae *AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 429, ae.StatusCode)
}

func TestInvokeDeadline(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		return nil // never answer
	})
	c := newTestClient(t, fr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Invoke(ctx, "structure_parse", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionDropFlushesWaiters(t *testing.T) {
	started := make(chan struct{}, 8)
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		started <- struct{}{}
		return nil // hold the response until the drop
	})
	c := newTestClient(t, fr, nil)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Invoke(context.Background(), "entity_extract", nil)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("invocations never reached the registry")
		}
	}

	fr.dropConnections()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not flushed on connection drop")
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		return []ResponseEnvelope{okResponse(req.ID, `{}`)}
	})
	c := newTestClient(t, fr, nil)

	fr.dropConnections()

	// The manager redials; a subsequent invoke succeeds.
	require.Eventually(t, func() bool {
		_, err := c.Invoke(context.Background(), "classify", nil)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInvokeAfterClose(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope { return nil })
	c := newTestClient(t, fr, nil)
	require.NoError(t, c.Close())

	_, err := c.Invoke(context.Background(), "classify", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestOnUsageReportedOnSuccessAndFailure(t *testing.T) {
	fr := newFakeRegistry(t, func(req RequestEnvelope) []ResponseEnvelope {
		if req.Tool == "summarize" {
			return []ResponseEnvelope{{ID: req.ID, Error: &AgentError{StatusCode: 500, Message: "crash"}}}
		}
		return []ResponseEnvelope{okResponse(req.ID, `{}`)}
	})

	var mu sync.Mutex
	usage := map[string]*CostInfo{}
	c := newTestClient(t, fr, func(tool, id string, cost *CostInfo) {
		mu.Lock()
		usage[tool] = cost
		mu.Unlock()
	})

	_, err := c.Invoke(context.Background(), "classify", nil)
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), "summarize", nil)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, usage, "classify")
	require.NotNil(t, usage["classify"])
	assert.InDelta(t, 0.002, usage["classify"].AmountUSD, 1e-9)
	require.Contains(t, usage, "summarize")
	assert.Nil(t, usage["summarize"])
}
