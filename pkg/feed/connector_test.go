package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-streamer/pkg/shared"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []subscribeRequest
	deadlines int

	frames chan string
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan string, 8), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("remote closed")
		}
		return websocket.TextMessage, []byte(f), nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v.(subscribeRequest))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines++
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) requests() []subscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subscribeRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) deadlineCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines
}

// fakeDialer hands out a scripted sequence of connections; nil entries
// simulate dial failures.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) Dial(string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls >= len(d.conns) {
		d.calls++
		return nil, errors.New("no more connections scripted")
	}
	c := d.conns[d.calls]
	d.calls++
	if c == nil {
		return nil, errors.New("dial refused")
	}
	return c, nil
}

func testConnector(t *testing.T, dialer Dialer, onTick func(shared.Tick)) *Connector {
	t.Helper()
	cfg := shared.FeedConfig{
		URL:            "ws://test",
		ApprovalKey:    "key",
		CustType:       "P",
		TrID:           "H0STCNT0",
		BookTrID:       "H0STASP0",
		ReconnectDelay: time.Millisecond,
		WriteTimeout:   time.Second,
	}
	if onTick == nil {
		onTick = func(shared.Tick) {}
	}
	c := NewConnector(cfg, dialer, fixedParser(t), onTick, shared.NopLogger{}, nil)
	c.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return c
}

func TestSubscribeBeforeConnect(t *testing.T) {
	c := testConnector(t, &fakeDialer{}, nil)

	c.Subscribe("005930")
	c.Subscribe("005930")
	assert.Equal(t, []string{"005930"}, c.ActiveSymbols())

	c.Unsubscribe("000660") // never subscribed, no-op
	assert.Equal(t, []string{"005930"}, c.ActiveSymbols())

	c.Unsubscribe("005930")
	assert.Empty(t, c.ActiveSymbols())
}

func TestRunDeliversParsedTicks(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	ticks := make(chan shared.Tick, 1)
	c := testConnector(t, dialer, func(tk shared.Tick) { ticks <- tk })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.frames <- `{"header":{"tr_id":"PINGPONG"}}` // control frame, skipped
	conn.frames <- "0|H0STCNT0|001|" + sampleRecord

	select {
	case tk := <-ticks:
		assert.Equal(t, "005930", tk.Symbol)
		assert.Equal(t, 71000.0, tk.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}
}

func TestReconnectResubscribesActiveSet(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}

	c := testConnector(t, dialer, nil)
	c.Subscribe("005930")
	c.Subscribe("000660")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// One trade and one depth request per symbol.
	require.Eventually(t, func() bool {
		return len(first.requests()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	close(first.frames) // drop the connection

	require.Eventually(t, func() bool {
		return len(second.requests()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	got := map[string]bool{}
	for _, req := range second.requests() {
		assert.Equal(t, trTypeSubscribe, req.Header.TrType)
		got[req.Body.Input.TrID+"/"+req.Body.Input.TrKey] = true
	}
	assert.True(t, got["H0STCNT0/005930"])
	assert.True(t, got["H0STASP0/005930"])
	assert.True(t, got["H0STCNT0/000660"])
	assert.True(t, got["H0STASP0/000660"])
}

func TestDialFailureBacksOffThenConnects(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{nil, nil, conn}}

	c := testConnector(t, dialer, nil)
	c.Subscribe("005930")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	reqs := conn.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "H0STCNT0", reqs[0].Body.Input.TrID)
	assert.Equal(t, "H0STASP0", reqs[1].Body.Input.TrID)
	assert.Equal(t, "005930", reqs[0].Body.Input.TrKey)
	assert.Equal(t, "005930", reqs[1].Body.Input.TrKey)
}

func TestSubscribeWhileConnectedSendsRequest(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	c := testConnector(t, dialer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	c.Subscribe("035720")
	c.Unsubscribe("035720")

	reqs := conn.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, trTypeSubscribe, reqs[0].Header.TrType)
	assert.Equal(t, trTypeSubscribe, reqs[1].Header.TrType)
	assert.Equal(t, trTypeUnsubscribe, reqs[2].Header.TrType)
	assert.Equal(t, trTypeUnsubscribe, reqs[3].Header.TrType)
	assert.Equal(t, "utf-8", reqs[0].Header.ContentType)
	assert.Equal(t, "key", reqs[0].Header.ApprovalKey)
	// Each write arms the configured deadline first.
	assert.Equal(t, len(reqs), conn.deadlineCalls())
}

func TestRunRoutesDepthFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	c := testConnector(t, dialer, nil)
	books := make(chan shared.OrderBook, 1)
	c.OnBook(func(b shared.OrderBook) { books <- b })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.frames <- "0|H0STASP0|001|" + strings.Join(sampleBookFields(), "^")

	select {
	case b := <-books:
		assert.Equal(t, "005930", b.Symbol)
		assert.False(t, b.Synthetic)
		require.Len(t, b.Asks, 10)
		require.Len(t, b.Bids, 10)
	case <-time.After(2 * time.Second):
		t.Fatal("book not delivered")
	}
}
