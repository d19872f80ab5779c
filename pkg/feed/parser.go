// Package feed owns the upstream provider connection and frame decoding.
package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"market-streamer/pkg/shared"
)

// Provider frames arrive as a pipe-delimited envelope whose last segment is
// a caret-delimited positional record:
//
//	0|H0STCNT0|001|005930^093012^71000^2^500^0.71^...^1000
//
// Positions within the record:
const (
	fieldSymbol      = 0  // short code, e.g. 005930
	fieldTradeTime   = 1  // HHMMSS local
	fieldPrice       = 2  // last traded price
	fieldSign        = 3  // provider sign code
	fieldChangePrice = 4  // absolute change vs previous close
	fieldChangeRate  = 5  // percent change
	fieldWeightedAvg = 6  // unused
	fieldOpen        = 7
	fieldHigh        = 8
	fieldLow         = 9
	fieldAskPrice    = 10 // unused
	fieldBidPrice    = 11 // unused
	fieldTradeVolume = 12 // unused; per-trade quantity
	fieldCumVolume   = 13 // cumulative session volume

	minFields = 14
)

// Depth frames carry the quote time and hour class code, then ten ask
// prices, ten bid prices, the matching quantities and the two side totals.
const (
	bookFieldSymbol   = 0
	bookAskPriceBase  = 3  // ask prices, best first, ranks 1..10
	bookBidPriceBase  = 13 // bid prices, best first, ranks 1..10
	bookAskQtyBase    = 23
	bookBidQtyBase    = 33
	bookFieldTotalAsk = 43
	bookFieldTotalBid = 44

	bookDepth     = 10
	minBookFields = 45
)

// signTable maps provider sign codes onto the three-valued Sign.
// Unmapped codes fall back to FLAT, never a parse failure.
var signTable = map[string]shared.Sign{
	"1": shared.SignUp,   // limit up
	"2": shared.SignUp,   // up
	"3": shared.SignFlat, // unchanged
	"4": shared.SignDown, // limit down
	"5": shared.SignDown, // down
}

// ParseError is the typed rejection for malformed frames.
type ParseError struct {
	Reason string
	Frame  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame: %s", e.Reason)
}

// Parser decodes provider frames into Ticks. The trade date is taken from
// the injected clock since frames carry time-of-day only.
type Parser struct {
	loc *time.Location
	now func() time.Time
}

func NewParser(loc *time.Location) *Parser {
	return &Parser{loc: loc, now: time.Now}
}

// recordFields strips the pipe envelope and splits the positional record.
func recordFields(raw string) []string {
	record := raw
	if strings.Contains(raw, "|") {
		segs := strings.Split(raw, "|")
		record = segs[len(segs)-1]
	}
	return strings.Split(record, "^")
}

// Parse decodes one raw trade frame. It is total: it returns either a
// fully populated Tick or a *ParseError, never panics.
func (p *Parser) Parse(raw string) (shared.Tick, error) {
	fields := recordFields(raw)
	if len(fields) < minFields {
		return shared.Tick{}, &ParseError{
			Reason: fmt.Sprintf("short record: %d fields, need %d", len(fields), minFields),
			Frame:  raw,
		}
	}

	symbol := strings.TrimSpace(fields[fieldSymbol])
	if symbol == "" {
		return shared.Tick{}, &ParseError{Reason: "empty symbol", Frame: raw}
	}

	price, err := parseFloat(fields, fieldPrice)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	changePrice, err := parseFloat(fields, fieldChangePrice)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	changeRate, err := parseFloat(fields, fieldChangeRate)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	open, err := parseFloat(fields, fieldOpen)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	high, err := parseFloat(fields, fieldHigh)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	low, err := parseFloat(fields, fieldLow)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	cumVol, err := parseInt(fields, fieldCumVolume)
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}

	eventTS, err := p.eventMillis(fields[fieldTradeTime])
	if err != nil {
		return shared.Tick{}, &ParseError{Reason: err.Error(), Frame: raw}
	}

	sign, ok := signTable[strings.TrimSpace(fields[fieldSign])]
	if !ok {
		sign = shared.SignFlat
	}

	return shared.Tick{
		Symbol:      symbol,
		Price:       price,
		ChangePrice: changePrice,
		Sign:        sign,
		ChangeRate:  changeRate,
		Open:        open,
		High:        high,
		Low:         low,
		PrevClose:   price - changePrice,
		CumVolume:   cumVol,
		EventTS:     eventTS,
	}, nil
}

// ParseBook decodes one raw depth frame into a real 10-level order book.
// Like Parse it is total.
func (p *Parser) ParseBook(raw string) (shared.OrderBook, error) {
	fields := recordFields(raw)
	if len(fields) < minBookFields {
		return shared.OrderBook{}, &ParseError{
			Reason: fmt.Sprintf("short depth record: %d fields, need %d", len(fields), minBookFields),
			Frame:  raw,
		}
	}

	symbol := strings.TrimSpace(fields[bookFieldSymbol])
	if symbol == "" {
		return shared.OrderBook{}, &ParseError{Reason: "empty symbol", Frame: raw}
	}

	book := shared.OrderBook{
		Symbol: symbol,
		Bids:   make([]shared.OrderBookLevel, 0, bookDepth),
		Asks:   make([]shared.OrderBookLevel, 0, bookDepth),
	}
	for i := 0; i < bookDepth; i++ {
		askPrice, err := parseFloat(fields, bookAskPriceBase+i)
		if err != nil {
			return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
		}
		bidPrice, err := parseFloat(fields, bookBidPriceBase+i)
		if err != nil {
			return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
		}
		askQty, err := parseInt(fields, bookAskQtyBase+i)
		if err != nil {
			return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
		}
		bidQty, err := parseInt(fields, bookBidQtyBase+i)
		if err != nil {
			return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
		}
		book.Asks = append(book.Asks, shared.OrderBookLevel{
			Price:    askPrice,
			Quantity: askQty,
			Rank:     i + 1,
			Side:     shared.SideAsk,
		})
		book.Bids = append(book.Bids, shared.OrderBookLevel{
			Price:    bidPrice,
			Quantity: bidQty,
			Rank:     i + 1,
			Side:     shared.SideBid,
		})
	}

	totalAsk, err := parseInt(fields, bookFieldTotalAsk)
	if err != nil {
		return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	totalBid, err := parseInt(fields, bookFieldTotalBid)
	if err != nil {
		return shared.OrderBook{}, &ParseError{Reason: err.Error(), Frame: raw}
	}
	book.TotalAskQty = totalAsk
	book.TotalBidQty = totalBid
	return book, nil
}

// eventMillis combines today's date in the session timezone with the
// frame's HHMMSS trade time.
func (p *Parser) eventMillis(hhmmss string) (int64, error) {
	s := strings.TrimSpace(hhmmss)
	if len(s) != 6 {
		return 0, fmt.Errorf("bad trade time %q", hhmmss)
	}
	hh, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[2:4])
	ss, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil ||
		hh > 23 || mm > 59 || ss > 59 {
		return 0, fmt.Errorf("bad trade time %q", hhmmss)
	}
	now := p.now().In(p.loc)
	et := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, p.loc)
	return et.UnixMilli(), nil
}

func parseFloat(fields []string, idx int) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
	if err != nil {
		return 0, fmt.Errorf("bad numeric field %d: %q", idx, fields[idx])
	}
	return v, nil
}

func parseInt(fields []string, idx int) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(fields[idx]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer field %d: %q", idx, fields[idx])
	}
	return v, nil
}
