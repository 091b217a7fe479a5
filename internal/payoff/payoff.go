// Package payoff implements the settlement curves for the options engine:
// linear, quadratic (profit amplified by the squared price deviation) and
// logarithmic (profit amplified by the natural log of the scaled deviation).
//
// Curves are pure and stateless — contract terms and the resolved price are
// passed as arguments, never stored. The lifecycle state machine picks a
// curve once at creation time and invokes it only after resolution.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The natural log goes through float64 and is immediately converted back to
// decimal; everything else multiplies before dividing and truncates to 18
// decimal places, preserving integer fixed-point semantics.
package payoff

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/model"
)

var (
	// ErrNotProfitable is returned when the resolved price is at or beyond
	// the strike in the losing direction. A business outcome, not a bug.
	ErrNotProfitable = errors.New("payoff: option is out of the money")

	// ErrBelowLogDomain is returned when intensity*priceDiff <= 1, where
	// the logarithmic payout would be zero or negative.
	ErrBelowLogDomain = errors.New("payoff: price deviation below logarithmic domain")

	// ErrAmplifierOverflow is returned when the amplification term exceeds
	// the representable range.
	ErrAmplifierOverflow = errors.New("payoff: amplification term overflows")

	// ErrInvalidPrice is returned for a non-positive settlement price.
	ErrInvalidPrice = errors.New("payoff: price at expiry must be positive")

	// ErrInvalidAmount is returned for a non-positive requested amount.
	ErrInvalidAmount = errors.New("payoff: requested amount must be positive")

	// ErrInvalidScale is returned for a non-positive quadratic scale.
	ErrInvalidScale = errors.New("payoff: quadratic scale must be positive")

	// ErrInvalidIntensity is returned for a non-positive log intensity.
	ErrInvalidIntensity = errors.New("payoff: log intensity must be positive")
)

// Terms are the immutable contract parameters a curve settles against.
type Terms struct {
	Strike decimal.Decimal
	Size   decimal.Decimal
	IsCall bool
}

// Result holds both settlement legs. For a call the long pays QuoteAmount of
// the strike asset and receives BaseAmount of the underlying; for a put the
// long delivers BaseAmount of the underlying and receives QuoteAmount.
type Result struct {
	QuoteAmount decimal.Decimal
	BaseAmount  decimal.Decimal
}

// Curve computes settlement amounts from the resolved price. Implementations
// must be safe for concurrent use.
type Curve interface {
	Type() model.PayoffType

	// Settle computes both legs for a requested spend. For calls requested
	// is the quote-asset amount the long offers; for puts it is the
	// base-asset amount the long delivers. Requests beyond the contract's
	// capacity are clamped, never rejected.
	Settle(t Terms, priceAtExpiry, requested decimal.Decimal) (Result, error)
}

// NewCurve returns the curve for a payoff type with default parameters
// (quadratic scale 1, log intensity 1).
func NewCurve(typ model.PayoffType) (Curve, error) {
	switch typ {
	case model.PayoffLinear:
		return NewLinear(), nil
	case model.PayoffQuadratic:
		return NewQuadratic(decimal.NewFromInt(1))
	case model.PayoffLogarithmic:
		return NewLogarithmic(decimal.NewFromInt(1))
	default:
		return nil, errors.New("payoff: unknown payoff type")
	}
}

// Collateral returns what a short must deposit at creation: the full size of
// the underlying for calls, or its strike-asset value for puts.
func Collateral(isCall bool, strike, size decimal.Decimal) decimal.Decimal {
	if isCall {
		return size
	}
	return fix(size.Mul(strike))
}

// fix truncates to 18 decimal places. Applied after every division (and
// after transcendental results) so amounts behave like 10^18-scaled integers.
func fix(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(model.FixedPlaces)
}

// intrinsicDiff returns the in-the-money price deviation, or ErrNotProfitable
// when the price is at or beyond the strike in the losing direction.
func intrinsicDiff(t Terms, priceAtExpiry decimal.Decimal) (decimal.Decimal, error) {
	if priceAtExpiry.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidPrice
	}
	var diff decimal.Decimal
	if t.IsCall {
		diff = priceAtExpiry.Sub(t.Strike)
	} else {
		diff = t.Strike.Sub(priceAtExpiry)
	}
	if diff.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNotProfitable
	}
	return diff, nil
}

// settle applies an amplification factor to the linear exchange and clamps
// the collateral-side leg to what the instance holds, recomputing the long's
// leg proportionally when clamped. amp == 1 is exactly the linear payoff.
func settle(t Terms, amp, requested decimal.Decimal) (Result, error) {
	if requested.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrInvalidAmount
	}

	if t.IsCall {
		// Long spends quote, receives base out of the collateral.
		maxQuote := fix(t.Size.Mul(t.Strike))
		quote := decimal.Min(requested, maxQuote)
		linearBase := fix(quote.Div(t.Strike))
		base := fix(linearBase.Mul(amp))
		if base.GreaterThan(t.Size) {
			// Payout clamps at size; the required quote shrinks in
			// proportion. Multiply before dividing.
			quote = fix(quote.Mul(t.Size).Div(base))
			base = t.Size
		}
		return Result{QuoteAmount: quote, BaseAmount: base}, nil
	}

	// Put: long delivers base, receives quote out of the collateral.
	maxQuote := fix(t.Size.Mul(t.Strike)) // collateral deposited at funding
	base := decimal.Min(requested, t.Size)
	linearQuote := fix(base.Mul(t.Strike))
	quote := fix(linearQuote.Mul(amp))
	if quote.GreaterThan(maxQuote) {
		base = fix(base.Mul(maxQuote).Div(quote))
		quote = maxQuote
	}
	return Result{QuoteAmount: quote, BaseAmount: base}, nil
}

// --- Linear ---

type linearCurve struct{}

// NewLinear returns the baseline curve: payout moves in lockstep with the
// linear exchange at the strike price.
func NewLinear() Curve { return linearCurve{} }

func (linearCurve) Type() model.PayoffType { return model.PayoffLinear }

func (linearCurve) Settle(t Terms, priceAtExpiry, requested decimal.Decimal) (Result, error) {
	if _, err := intrinsicDiff(t, priceAtExpiry); err != nil {
		return Result{}, err
	}
	return settle(t, decimal.NewFromInt(1), requested)
}

// --- Quadratic ---

type quadraticCurve struct {
	scale decimal.Decimal
}

// NewQuadratic returns a curve that amplifies the linear payout by
// priceDiff²/scale. With scale 1 and a unit deviation it degenerates to the
// linear payoff.
func NewQuadratic(scale decimal.Decimal) (Curve, error) {
	if scale.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidScale
	}
	return quadraticCurve{scale: scale}, nil
}

func (c quadraticCurve) Type() model.PayoffType { return model.PayoffQuadratic }

func (c quadraticCurve) Settle(t Terms, priceAtExpiry, requested decimal.Decimal) (Result, error) {
	diff, err := intrinsicDiff(t, priceAtExpiry)
	if err != nil {
		return Result{}, err
	}
	// Square first, divide by scale last to preserve precision.
	amp := fix(diff.Mul(diff).Div(c.scale))
	return settle(t, amp, requested)
}

// --- Logarithmic ---

type logCurve struct {
	intensity decimal.Decimal
}

// NewLogarithmic returns a curve that amplifies the linear payout by
// ln(intensity*priceDiff). The domain requires intensity*priceDiff > 1;
// below that the payout would be non-positive and settlement fails with
// ErrBelowLogDomain.
func NewLogarithmic(intensity decimal.Decimal) (Curve, error) {
	if intensity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidIntensity
	}
	return logCurve{intensity: intensity}, nil
}

func (c logCurve) Type() model.PayoffType { return model.PayoffLogarithmic }

func (c logCurve) Settle(t Terms, priceAtExpiry, requested decimal.Decimal) (Result, error) {
	diff, err := intrinsicDiff(t, priceAtExpiry)
	if err != nil {
		return Result{}, err
	}
	x := c.intensity.Mul(diff)
	if x.LessThanOrEqual(decimal.NewFromInt(1)) {
		return Result{}, ErrBelowLogDomain
	}
	// Transcendental math goes through float64 and straight back to decimal.
	// A deviation beyond float64 range would turn into +Inf, which decimal
	// cannot represent.
	f := x.InexactFloat64()
	if math.IsInf(f, 0) {
		return Result{}, ErrAmplifierOverflow
	}
	amp := fix(decimal.NewFromFloat(math.Log(f)))
	return settle(t, amp, requested)
}
