package types

import "time"

// RequestKind partitions broker requests; each kind carries its own rate
// bucket, attempt cap and deadline.
type RequestKind string

const (
	RequestKindHistorical RequestKind = "HISTORICAL"
	RequestKindMarket     RequestKind = "MARKET"
	RequestKindAccount    RequestKind = "ACCOUNT"
	RequestKindOrder      RequestKind = "ORDER"
)

// AllRequestKinds lists every request kind.
func AllRequestKinds() []RequestKind {
	return []RequestKind{RequestKindHistorical, RequestKindMarket, RequestKindAccount, RequestKindOrder}
}

// RequestPriority orders requests within the governor queue. Higher wins.
type RequestPriority int

const (
	PriorityLowest   RequestPriority = 0
	PriorityLow      RequestPriority = 1
	PriorityNormal   RequestPriority = 2
	PriorityHigh     RequestPriority = 3
	PriorityCritical RequestPriority = 4
)

// RequestStatus is the governor-owned lifecycle of a request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusQueued    RequestStatus = "QUEUED"
	RequestStatusInFlight  RequestStatus = "IN_FLIGHT"
	RequestStatusCompleted RequestStatus = "COMPLETED"
	RequestStatusFailed    RequestStatus = "FAILED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// HistoricalBarsPayload asks the broker for bars of one (symbol, timeframe)
// subrange. WhatToShow selects the broker-side series (trades, midpoint...).
type HistoricalBarsPayload struct {
	Symbol     string    `yaml:"symbol" json:"symbol" validate:"required"`
	Timeframe  Timeframe `yaml:"timeframe" json:"timeframe" validate:"required"`
	Range      TimeRange `yaml:"range" json:"range" validate:"required"`
	WhatToShow string    `yaml:"what_to_show" json:"what_to_show"`
}

// MarketDataPayload subscribes to streaming market data for a symbol.
type MarketDataPayload struct {
	Symbol string `yaml:"symbol" json:"symbol" validate:"required"`
}

// AccountInfoPayload requests account state; used as the post-connect probe.
type AccountInfoPayload struct{}

// Request is the governor's unit of work. The governor owns it from enqueue
// until a terminal status.
type Request struct {
	ID           string          `yaml:"id" json:"id"`
	Kind         RequestKind     `yaml:"kind" json:"kind" validate:"required"`
	Priority     RequestPriority `yaml:"priority" json:"priority" validate:"gte=0,lte=4"`
	Payload      any             `yaml:"payload" json:"payload"`
	AttemptCount int             `yaml:"attempt_count" json:"attempt_count"`
	FirstSeenAt  time.Time       `yaml:"first_seen_at" json:"first_seen_at"`
	Status       RequestStatus   `yaml:"status" json:"status"`
}
