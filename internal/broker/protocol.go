// Package broker implements the session-oriented broker dialect: a framed
// websocket protocol with asynchronous responses correlated by a
// session-scoped monotonic id. Multi-part responses end with an explicit
// terminator frame.
package broker

import (
	"encoding/json"
	"time"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// ProtocolVersion is the dialect version this binary speaks. The handshake
// refuses servers with a different major or minor version.
const ProtocolVersion = "1.2.0"

// FrameType discriminates protocol frames.
type FrameType string

const (
	FrameAuth    FrameType = "auth"
	FrameAuthAck FrameType = "auth_ack"
	FrameRequest FrameType = "request"
	FrameData    FrameType = "data"
	FrameEnd     FrameType = "end"
	FrameError   FrameType = "error"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
)

// Verb names the broker operations the core depends on.
type Verb string

const (
	VerbHistoricalBars Verb = "historical_bars"
	VerbMarketData     Verb = "subscribe_market_data"
	VerbAccountInfo    Verb = "request_account_info"
	VerbCancel         Verb = "cancel"
)

// Frame is one protocol message. Every request/response frame carries the
// correlation id of the request it belongs to.
type Frame struct {
	Type          FrameType       `json:"type"`
	CorrelationID uint64          `json:"correlation_id,omitempty"`
	Verb          Verb            `json:"verb,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// AuthPayload opens the handshake.
type AuthPayload struct {
	ClientID        string `json:"client_id"`
	ProtocolVersion string `json:"protocol_version"`
}

// AuthAckPayload closes the handshake.
type AuthAckPayload struct {
	ServerVersion string `json:"server_version"`
	SessionID     string `json:"session_id"`
}

// HistoricalBarsRequest is the wire form of a historical-bars request.
type HistoricalBarsRequest struct {
	Symbol     string `json:"symbol"`
	BarSize    string `json:"bar_size"`
	Start      string `json:"start"`
	End        string `json:"end"`
	WhatToShow string `json:"what_to_show"`
}

// MarketDataRequest subscribes to streaming data for one symbol.
type MarketDataRequest struct {
	Symbol string `json:"symbol"`
}

// CancelRequest aborts an in-flight request by correlation id.
type CancelRequest struct {
	CorrelationID uint64 `json:"correlation_id"`
}

// BarMessage is one bar on the wire.
type BarMessage struct {
	Symbol    string  `json:"symbol"`
	BarSize   string  `json:"bar_size"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ToBar converts a wire bar into the internal representation. ingestedAt
// stamps arrival; source names the broker dialect.
func (m BarMessage) ToBar(source string, ingestedAt time.Time) types.Bar {
	return types.Bar{
		Symbol:     m.Symbol,
		Timeframe:  types.Timeframe(m.BarSize),
		Timestamp:  time.Unix(m.Timestamp, 0).UTC(),
		Open:       m.Open,
		High:       m.High,
		Low:        m.Low,
		Close:      m.Close,
		Volume:     m.Volume,
		Source:     source,
		IngestedAt: ingestedAt.UTC(),
	}
}

// AccountInfo is the account probe response.
type AccountInfo struct {
	AccountID   string  `json:"account_id"`
	NetValue    float64 `json:"net_value"`
	BuyingPower float64 `json:"buying_power"`
}
