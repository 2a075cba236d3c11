package types

// TradingSession partitions the exchange day.
type TradingSession string

const (
	SessionPreMarket  TradingSession = "PRE_MARKET"
	SessionRegular    TradingSession = "REGULAR"
	SessionAfterHours TradingSession = "AFTER_HOURS"
	SessionClosed     TradingSession = "CLOSED"
)

// AllSessions lists every session in day order.
func AllSessions() []TradingSession {
	return []TradingSession{SessionPreMarket, SessionRegular, SessionAfterHours, SessionClosed}
}
