// Package model defines the core domain types shared across the options engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts are 18-decimal fixed point: every division result is truncated to
// 18 places so values behave like integers scaled by 10^18.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FixedPlaces is the number of decimal places carried by every amount.
const FixedPlaces int32 = 18

// PayoffType selects the settlement curve for an option. Resolved once at
// creation time; never dispatched by string comparison at settlement.
type PayoffType uint8

const (
	PayoffLinear PayoffType = iota
	PayoffQuadratic
	PayoffLogarithmic
)

var payoffNames = map[PayoffType]string{
	PayoffLinear:      "linear",
	PayoffQuadratic:   "quadratic",
	PayoffLogarithmic: "logarithmic",
}

func (p PayoffType) String() string {
	if name, ok := payoffNames[p]; ok {
		return name
	}
	return fmt.Sprintf("payoff(%d)", uint8(p))
}

// ParsePayoffType converts the wire representation back to a PayoffType.
func ParsePayoffType(s string) (PayoffType, error) {
	for typ, name := range payoffNames {
		if name == s {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("model: unknown payoff type %q", s)
}

func (p PayoffType) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PayoffType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	typ, err := ParsePayoffType(s)
	if err != nil {
		return err
	}
	*p = typ
	return nil
}

// Settlement kinds. The terminal state is reached by exactly one of the two.
const (
	SettlementExercised = "exercised"
	SettlementReclaimed = "reclaimed"
)

// OptionMeta mirrors one option instance's state for O(1) reads. The book
// owns the canonical copy; the off-chain mirror stores snapshots of it.
type OptionMeta struct {
	ID               string          `json:"id" db:"id"`
	IsCall           bool            `json:"is_call" db:"is_call"`
	PayoffType       PayoffType      `json:"payoff_type" db:"payoff_type"`
	UnderlyingAsset  string          `json:"underlying_asset" db:"underlying_asset"`
	StrikeAsset      string          `json:"strike_asset" db:"strike_asset"`
	UnderlyingSymbol string          `json:"underlying_symbol" db:"underlying_symbol"`
	StrikeSymbol     string          `json:"strike_symbol" db:"strike_symbol"`
	StrikePrice      decimal.Decimal `json:"strike_price" db:"strike_price"`
	Size             decimal.Decimal `json:"size" db:"size"`
	Premium          decimal.Decimal `json:"premium" db:"premium"`
	Short            string          `json:"short" db:"short"`
	Long             string          `json:"long,omitempty" db:"long"` // "" until entered
	Funded           bool            `json:"funded" db:"funded"`
	Expiry           time.Time       `json:"expiry" db:"expiry"` // zero until entered
	Resolved         bool            `json:"resolved" db:"resolved"`
	PriceAtExpiry    decimal.Decimal `json:"price_at_expiry" db:"price_at_expiry"` // zero until resolved
	Settled          bool            `json:"settled" db:"settled"`
	Settlement       string          `json:"settlement,omitempty" db:"settlement"`   // "", "exercised", "reclaimed"
	ExercisedAmount  decimal.Decimal `json:"exercised_amount" db:"exercised_amount"` // quote-side volume moved
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Active reports whether a long has entered the option.
func (m *OptionMeta) Active() bool { return m.Long != "" }

// SettlementRecord is an immutable record of a terminal settlement, kept by
// the off-chain mirror. Once inserted these are never modified or deleted.
type SettlementRecord struct {
	ID            string          `json:"id" db:"id"`
	OptionID      string          `json:"option_id" db:"option_id"`
	Kind          string          `json:"kind" db:"kind"` // exercised | reclaimed
	QuoteAmount   decimal.Decimal `json:"quote_amount" db:"quote_amount"`
	BaseAmount    decimal.Decimal `json:"base_amount" db:"base_amount"`
	PriceAtExpiry decimal.Decimal `json:"price_at_expiry" db:"price_at_expiry"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// EventType identifies a lifecycle event emitted by the book.
type EventType string

const (
	EventInstanceCreated EventType = "instance_created"
	EventEntered         EventType = "entered"
	EventResolved        EventType = "resolved"
	EventExercised       EventType = "exercised"
	EventReclaimed       EventType = "reclaimed"
)

// Event is a lifecycle notification for external observers (mirror store,
// WebSocket hub, metrics). Meta is a snapshot taken after the mutation so
// consumers never need to call back into the book.
type Event struct {
	Type        EventType       `json:"type"`
	Meta        OptionMeta      `json:"meta"`
	QuoteAmount decimal.Decimal `json:"quote_amount"` // settlement events only
	BaseAmount  decimal.Decimal `json:"base_amount"`  // settlement events only
}

// EventSink receives lifecycle events. Implementations must not block and
// must not call back into the book (events fire inside its critical section).
type EventSink func(Event)
