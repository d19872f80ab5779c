package feed

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"market-streamer/pkg/shared"
)

// ConnState is the connector's lifecycle phase.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
)

// Conn is the transport surface the connector needs; *websocket.Conn
// satisfies it, tests plug in a double.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// WSDialer dials with gorilla's default websocket dialer.
type WSDialer struct{}

func (WSDialer) Dial(url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type requestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type requestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type requestBody struct {
	Input requestInput `json:"input"`
}

type subscribeRequest struct {
	Header requestHeader `json:"header"`
	Body   requestBody   `json:"body"`
}

// Metrics is the connector's metric bundle; nil disables instrumentation.
type Metrics struct {
	Events      *prometheus.CounterVec
	Ticks       prometheus.Counter
	Books       prometheus.Counter
	ParseErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Events:      shared.NewCounterVec(prometheus.CounterOpts{Name: "feed_events_total", Help: "Upstream connection lifecycle events"}, []string{"event"}),
		Ticks:       shared.NewCounter(prometheus.CounterOpts{Name: "feed_ticks_total", Help: "Ticks decoded from the upstream feed"}),
		Books:       shared.NewCounter(prometheus.CounterOpts{Name: "feed_books_total", Help: "Depth snapshots decoded from the upstream feed"}),
		ParseErrors: shared.NewCounter(prometheus.CounterOpts{Name: "feed_parse_errors_total", Help: "Frames dropped as malformed"}),
	}
}

// Connector maintains exactly one logical connection to the upstream feed.
// Subscribe/Unsubscribe are idempotent; the wanted symbol set survives
// reconnects and is re-issued after every successful dial. Reconnects use a
// fixed backoff and never terminate the process.
type Connector struct {
	cfg     shared.FeedConfig
	dialer  Dialer
	parser  *Parser
	onTick  func(shared.Tick)
	onBook  func(shared.OrderBook)
	log     shared.Logger
	metrics *Metrics

	state atomic.Int32

	// mu serializes sends on the connection handle and guards the
	// wanted-symbol set.
	mu   sync.Mutex
	conn Conn
	subs map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewConnector(cfg shared.FeedConfig, dialer Dialer, parser *Parser, onTick func(shared.Tick), log shared.Logger, m *Metrics) *Connector {
	if dialer == nil {
		dialer = WSDialer{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	return &Connector{
		cfg:     cfg,
		dialer:  dialer,
		parser:  parser,
		onTick:  onTick,
		log:     log,
		metrics: m,
		subs:    make(map[string]struct{}),
		sleep:   ctxSleep,
	}
}

// OnBook registers the depth snapshot callback. Must be set before Run.
func (c *Connector) OnBook(fn func(shared.OrderBook)) {
	c.onBook = fn
}

func (c *Connector) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connector) setState(s ConnState) { c.state.Store(int32(s)) }

// Run drives the connection state machine until ctx is cancelled. Dial or
// read failures move it to Backoff and back to Connecting; nothing here is
// fatal.
func (c *Connector) Run(ctx context.Context) {
	defer c.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(c.cfg.URL)
		if err != nil {
			c.log.Printf("[feed] dial %s failed: %v", c.cfg.URL, err)
			c.event("dial_error")
			c.setState(StateBackoff)
			if !c.sleep(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		c.event("connect")
		c.resubscribeAll()

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.event("close")
		c.setState(StateBackoff)
		if !c.sleep(ctx, c.cfg.ReconnectDelay) {
			return
		}
	}
}

func (c *Connector) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Printf("[feed] connection lost: %v", err)
			return
		}
		raw := string(data)
		// JSON frames are subscription acks and keepalives, not ticks.
		if strings.HasPrefix(strings.TrimSpace(raw), "{") {
			continue
		}
		if c.isBookFrame(raw) {
			book, perr := c.parser.ParseBook(raw)
			if perr != nil {
				c.log.Printf("[feed] dropped depth frame: %v", perr)
				if c.metrics != nil {
					c.metrics.ParseErrors.Inc()
				}
				continue
			}
			if c.metrics != nil {
				c.metrics.Books.Inc()
			}
			if c.onBook != nil {
				c.onBook(book)
			}
			continue
		}
		tick, perr := c.parser.Parse(raw)
		if perr != nil {
			c.log.Printf("[feed] dropped frame: %v", perr)
			if c.metrics != nil {
				c.metrics.ParseErrors.Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.Ticks.Inc()
		}
		c.onTick(tick)
	}
}

// Subscribe registers interest in a symbol and transmits upstream when the
// symbol is new. Safe to call whether or not a connection is up.
func (c *Connector) Subscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; ok {
		return
	}
	c.subs[symbol] = struct{}{}
	c.sendLocked(trTypeSubscribe, symbol)
}

// Unsubscribe is the inverse; a no-op for symbols never subscribed.
func (c *Connector) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; !ok {
		return
	}
	delete(c.subs, symbol)
	c.sendLocked(trTypeUnsubscribe, symbol)
}

// ActiveSymbols returns the wanted symbol set.
func (c *Connector) ActiveSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Connector) resubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		c.log.Printf("[feed] connected; resubscribing %d symbols", len(c.subs))
	}
	for sym := range c.subs {
		c.sendLocked(trTypeSubscribe, sym)
	}
}

// isBookFrame inspects the envelope's tr_id segment.
func (c *Connector) isBookFrame(raw string) bool {
	if c.cfg.BookTrID == "" {
		return false
	}
	segs := strings.Split(raw, "|")
	return len(segs) >= 2 && segs[1] == c.cfg.BookTrID
}

// sendLocked issues one request per registered transaction: the trade
// stream and, when configured, the depth stream.
func (c *Connector) sendLocked(trType, symbol string) {
	if c.conn == nil {
		return
	}
	trIDs := []string{c.cfg.TrID}
	if c.cfg.BookTrID != "" {
		trIDs = append(trIDs, c.cfg.BookTrID)
	}
	for _, trID := range trIDs {
		req := subscribeRequest{
			Header: requestHeader{
				ApprovalKey: c.cfg.ApprovalKey,
				CustType:    c.cfg.CustType,
				TrType:      trType,
				ContentType: "utf-8",
			},
			Body: requestBody{Input: requestInput{TrID: trID, TrKey: symbol}},
		}
		if c.cfg.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		}
		if err := c.conn.WriteJSON(req); err != nil {
			// The read loop will observe the broken connection and reconnect.
			c.log.Printf("[feed] send tr_type=%s tr_id=%s symbol=%s failed: %v", trType, trID, symbol, err)
			return
		}
	}
}

func (c *Connector) event(name string) {
	if c.metrics != nil {
		c.metrics.Events.WithLabelValues(name).Inc()
	}
}

func ctxSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
