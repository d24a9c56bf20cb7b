package models

// SymbolClass is the canonical grouping ticks are routed into, regardless of
// which provider alias they arrived under.
type SymbolClass string

const (
	ClassSPX SymbolClass = "SPX"
	ClassSPY SymbolClass = "SPY"
	ClassVIX SymbolClass = "VIX"
)

// NoConditions marks a record whose trade carried no condition codes.
// Stored records never contain an empty conditions string.
const NoConditions = "none"

// RawTick is a single trade event as delivered on the wire. It only lives
// for the duration of one message-handling pass.
type RawTick struct {
	Symbol     string   `json:"s"`
	Price      float64  `json:"p"`
	Volume     int64    `json:"v"`
	Timestamp  int64    `json:"t"` // epoch milliseconds, UTC
	Conditions []string `json:"c"`
}

// TradeMessage is an inbound websocket frame carrying zero or more ticks.
// The Type discriminant is "trade", "ping" or something unknown.
type TradeMessage struct {
	Type string    `json:"type"`
	Data []RawTick `json:"data"`
}

// SubscribeMessage is the outbound directive sent once per symbol after the
// connection opens.
type SubscribeMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// NormalizedRecord is the canonical form a tick takes before persistence.
// Timestamp is a civil time string in the fixed reference timezone.
type NormalizedRecord struct {
	Timestamp    string      `json:"timestamp"`
	CurrentPrice float64     `json:"current_price"`
	Volume       int64       `json:"volume"`
	Conditions   string      `json:"conditions"`
	Class        SymbolClass `json:"-"`
}
