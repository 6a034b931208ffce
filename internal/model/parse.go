package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// wireTrade mirrors the upstream <pair>@trade event shape: price and quantity
// arrive as decimal strings, not JSON numbers.
type wireTrade struct {
	Symbol         string `json:"s"`
	Price          string `json:"p"`
	Quantity       string `json:"q"`
	TimestampMs    uint64 `json:"T"`
	BuyerInitiated bool   `json:"m"`
}

// envelope unwraps the optional `{"data": {...}}` wrapper some upstream
// frames use around the trade object.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// ParseTrade decodes one inbound WebSocket text frame into a Trade. The
// frame may be a bare trade object or a `{"data": <trade object>}` envelope.
// The decoded trade is checked with Valid(); an invalid trade is returned
// as an error, like a frame that fails to decode.
func ParseTrade(raw []byte) (Trade, error) {
	body := raw
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		body = env.Data
	}

	var wt wireTrade
	if err := json.Unmarshal(body, &wt); err != nil {
		return Trade{}, fmt.Errorf("decode trade frame: %w", err)
	}

	price, err := strconv.ParseFloat(wt.Price, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("parse price %q: %w", wt.Price, err)
	}
	qty, err := strconv.ParseFloat(wt.Quantity, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("parse quantity %q: %w", wt.Quantity, err)
	}

	t := Trade{
		Symbol:         wt.Symbol,
		Price:          price,
		Quantity:       qty,
		TimestampMs:    wt.TimestampMs,
		BuyerInitiated: wt.BuyerInitiated,
	}
	if !t.Valid() {
		return Trade{}, fmt.Errorf("invalid trade: %+v", t)
	}
	return t, nil
}
