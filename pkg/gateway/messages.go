package gateway

import "market-streamer/pkg/shared"

// Inbound message types.
const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgPing        = "PING"
)

// Outbound message types.
const (
	MsgConnectionEstablished = "CONNECTION_ESTABLISHED"
	MsgSubscribed            = "SUBSCRIBED"
	MsgUnsubscribed          = "UNSUBSCRIBED"
	MsgStockUpdate           = "STOCK_UPDATE"
	MsgPong                  = "PONG"
	MsgError                 = "ERROR"
)

// ClientMessage is the inbound frame shape.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// AckMessage answers lifecycle requests: CONNECTION_ESTABLISHED,
// SUBSCRIBED, UNSUBSCRIBED and PONG.
type AckMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// StockUpdateMessage carries one processed tick plus its depth ladder.
type StockUpdateMessage struct {
	Type      string           `json:"type"`
	Name      string           `json:"name,omitempty"`
	Tick      shared.Tick      `json:"tick"`
	OrderBook shared.OrderBook `json:"order_book"`
}

// ErrorMessage reports a rejected client request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
