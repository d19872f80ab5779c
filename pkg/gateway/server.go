package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"market-streamer/pkg/book"
	"market-streamer/pkg/refdata"
	"market-streamer/pkg/shared"
)

// SnapshotReader serves cached state to newly subscribed clients.
type SnapshotReader interface {
	GetTick(symbol string) (shared.Tick, bool)
	GetBook(symbol string) (shared.OrderBook, bool)
}

// Server accepts client websocket connections and processes the
// subscribe/unsubscribe/keepalive protocol.
type Server struct {
	cfg       shared.GatewayConfig
	log       shared.Logger
	registry  *Registry
	snapshots SnapshotReader
	books     *book.Synthesizer
	names     refdata.Lookup

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func NewServer(
	cfg shared.GatewayConfig,
	registry *Registry,
	snapshots SnapshotReader,
	books *book.Synthesizer,
	names refdata.Lookup,
	log shared.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		snapshots: snapshots,
		books:     books,
		names:     names,
		engine:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/api/health", s.handleHealth)
	return s
}

// Start blocks serving the client listener.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Printf("[gateway] listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_symbols": len(s.registry.ActiveSymbols()),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Printf("[gateway] upgrade failed: %v", err)
		return
	}
	client := newClient(s, conn, s.cfg.SendQueue)
	go client.writePump()
	go client.readPump()
	s.sendJSON(client, AckMessage{Type: MsgConnectionEstablished})
}

func (s *Server) handleMessage(client *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendJSON(client, ErrorMessage{Type: MsgError, Message: "malformed message"})
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		s.registry.Subscribe(client, msg.Symbols)
		s.sendJSON(client, AckMessage{Type: MsgSubscribed, Symbols: msg.Symbols})
		for _, sym := range msg.Symbols {
			s.serveSnapshot(client, sym)
		}
	case MsgUnsubscribe:
		s.registry.Unsubscribe(client, msg.Symbols)
		s.sendJSON(client, AckMessage{Type: MsgUnsubscribed, Symbols: msg.Symbols})
	case MsgPing:
		s.sendJSON(client, AckMessage{Type: MsgPong})
	default:
		s.sendJSON(client, ErrorMessage{Type: MsgError, Message: "unknown message type"})
	}
}

// serveSnapshot answers a fresh subscription immediately from the cache so
// the client does not wait for the next live tick.
func (s *Server) serveSnapshot(client *Client, symbol string) {
	tick, ok := s.snapshots.GetTick(symbol)
	if !ok {
		return
	}
	var real *shared.OrderBook
	if rb, ok := s.snapshots.GetBook(symbol); ok {
		real = &rb
	}
	s.sendJSON(client, StockUpdateMessage{
		Type:      MsgStockUpdate,
		Name:      s.names.DisplayName(symbol),
		Tick:      tick,
		OrderBook: s.books.Resolve(real, symbol, tick.Price),
	})
}

func (s *Server) sendJSON(client *Client, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	client.Deliver(raw)
}
