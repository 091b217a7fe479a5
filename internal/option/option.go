// Package option implements the per-contract lifecycle state machine:
//
//	Created → Funded → Active → Resolved → {Exercised | Reclaimed}
//
// Transitions are one-way and serialized by a per-instance mutex held across
// the full precondition check, token transfer and flag mutation, so two
// concurrent callers can never both pass the same precondition. Instances do
// not authenticate end users: every mutation requires the Capability minted
// by the owning book, which authenticates callers before asserting their
// identity here.
//
// All monetary values use shopspring/decimal — never float64 for money.
package option

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/asset"
	"github.com/optbook/options-engine/internal/model"
	"github.com/optbook/options-engine/internal/oracle"
	"github.com/optbook/options-engine/internal/payoff"
)

var (
	// ErrUnauthorized is returned when the capability or asserted caller
	// identity does not match.
	ErrUnauthorized = errors.New("option: unauthorized caller")

	// ErrNotFunded is returned when an operation requires collateral that
	// was never deposited.
	ErrNotFunded = errors.New("option: not funded")

	// ErrAlreadyFunded is returned when Fund is called twice.
	ErrAlreadyFunded = errors.New("option: already funded")

	// ErrAlreadyEntered is returned when a long already holds the option.
	ErrAlreadyEntered = errors.New("option: long already entered")

	// ErrNotEntered is returned when no long has entered yet.
	ErrNotEntered = errors.New("option: no long has entered")

	// ErrInvalidLong is returned for an empty long identity.
	ErrInvalidLong = errors.New("option: long identity must not be empty")

	// ErrTooEarly is returned when resolution is attempted before expiry.
	ErrTooEarly = errors.New("option: not expired yet")

	// ErrAlreadyResolved is returned when the price was already fixed.
	// The first price is never overwritten.
	ErrAlreadyResolved = errors.New("option: already resolved")

	// ErrNotResolved is returned when settlement is attempted before the
	// oracle price was fixed.
	ErrNotResolved = errors.New("option: not resolved")

	// ErrAlreadySettled is returned after a terminal settlement. At most
	// one of exercise and reclaim ever succeeds.
	ErrAlreadySettled = errors.New("option: already settled")
)

// Capability authorizes state mutations. The owning book mints exactly one
// and never shares it; possession is the authorization.
type Capability struct {
	key *struct{}
}

// NewCapability mints a fresh, unforgeable capability.
func NewCapability() Capability {
	return Capability{key: new(struct{})}
}

// NotifyFunc reports the quote-side settlement volume back to the book when
// a long exercises. The book enforces its own double-notify guard.
type NotifyFunc func(optionID string, quoteVolume decimal.Decimal) error

// Config carries the immutable contract terms and collaborators.
type Config struct {
	ID               string
	IsCall           bool
	Curve            payoff.Curve
	UnderlyingAsset  string
	StrikeAsset      string
	UnderlyingSymbol string
	StrikeSymbol     string
	Strike           decimal.Decimal
	Size             decimal.Decimal
	Premium          decimal.Decimal
	Short            string
	Ledger           asset.Ledger
	Oracle           oracle.Oracle
	ExpiryDuration   time.Duration
	Now              func() time.Time
	Capability       Capability
	Notify           NotifyFunc
}

// Instance is one traded contract. Its ledger account (keyed by ID) holds
// the collateral; its state only ever moves forward.
type Instance struct {
	cfg Config

	mu            sync.Mutex
	funded        bool
	long          string
	expiry        time.Time
	resolved      bool
	priceAtExpiry decimal.Decimal
	settled       bool
	settlement    string
}

// New constructs an instance in the Created state.
func New(cfg Config) (*Instance, error) {
	if cfg.ID == "" {
		return nil, errors.New("option: id is required")
	}
	if cfg.Curve == nil || cfg.Ledger == nil || cfg.Oracle == nil {
		return nil, errors.New("option: curve, ledger and oracle are required")
	}
	if cfg.Capability.key == nil {
		return nil, errors.New("option: capability is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Instance{cfg: cfg}, nil
}

func (o *Instance) authorize(c Capability) error {
	if c.key == nil || c.key != o.cfg.Capability.key {
		return ErrUnauthorized
	}
	return nil
}

// collateralAsset is the asset the short deposited: the underlying for
// calls, the strike asset for puts.
func (o *Instance) collateralAsset() string {
	if o.cfg.IsCall {
		return o.cfg.UnderlyingAsset
	}
	return o.cfg.StrikeAsset
}

func (o *Instance) terms() payoff.Terms {
	return payoff.Terms{Strike: o.cfg.Strike, Size: o.cfg.Size, IsCall: o.cfg.IsCall}
}

// compensate reverses a settlement leg after a later step failed. The
// original error is what the caller returns; a failure here leaves the
// ledger inconsistent and can only be reported for manual reconciliation.
func (o *Instance) compensate(ctx context.Context, asset, from, to string, amount decimal.Decimal) {
	if err := o.cfg.Ledger.Transfer(ctx, asset, from, to, amount); err != nil {
		slog.Error("settlement compensation failed",
			"id", o.cfg.ID,
			"asset", asset,
			"from", from,
			"to", to,
			"amount", amount.String(),
			"err", err,
		)
	}
}

// Fund marks the collateral as deposited. The book transfers the collateral
// into this instance's account immediately before calling Fund; a failed
// transfer never reaches this method.
func (o *Instance) Fund(c Capability) error {
	if err := o.authorize(c); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.funded {
		return ErrAlreadyFunded
	}
	o.funded = true
	return nil
}

// EnterAsLong records the long and starts the expiry clock. Returns the
// expiry timestamp.
func (o *Instance) EnterAsLong(c Capability, long string) (time.Time, error) {
	if err := o.authorize(c); err != nil {
		return time.Time{}, err
	}
	if long == "" {
		return time.Time{}, ErrInvalidLong
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.funded {
		return time.Time{}, ErrNotFunded
	}
	if o.long != "" {
		return time.Time{}, ErrAlreadyEntered
	}
	o.long = long
	o.expiry = o.cfg.Now().Add(o.cfg.ExpiryDuration)
	return o.expiry, nil
}

// Resolve fetches and permanently records the oracle price. The first
// successful call wins; a second call fails without touching the price.
func (o *Instance) Resolve(ctx context.Context, c Capability) (decimal.Decimal, error) {
	if err := o.authorize(c); err != nil {
		return decimal.Zero, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.long == "" {
		return decimal.Zero, ErrNotEntered
	}
	if o.resolved {
		return decimal.Zero, ErrAlreadyResolved
	}
	if o.cfg.Now().Before(o.expiry) {
		return decimal.Zero, ErrTooEarly
	}

	price, err := o.cfg.Oracle.GetPrice(ctx, o.cfg.UnderlyingSymbol, o.cfg.StrikeSymbol)
	if err != nil {
		return decimal.Zero, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s/%s",
			oracle.ErrUnavailable, o.cfg.UnderlyingSymbol, o.cfg.StrikeSymbol)
	}

	o.priceAtExpiry = price
	o.resolved = true
	return price, nil
}

// Exercise settles in the long's favor. For calls the long pays the quote
// leg to the short and receives the base leg out of the collateral; for puts
// the long delivers the base leg to the short and receives the quote leg out
// of the collateral. Either both legs move or neither does.
func (o *Instance) Exercise(ctx context.Context, c Capability, caller string, requested decimal.Decimal) (payoff.Result, error) {
	if err := o.authorize(c); err != nil {
		return payoff.Result{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.settled {
		return payoff.Result{}, ErrAlreadySettled
	}
	if !o.resolved {
		return payoff.Result{}, ErrNotResolved
	}
	if caller == "" || caller != o.long {
		return payoff.Result{}, ErrUnauthorized
	}

	res, err := o.cfg.Curve.Settle(o.terms(), o.priceAtExpiry, requested)
	if err != nil {
		return payoff.Result{}, err
	}

	// The collateral-side leg can never exceed what the account holds.
	held, err := o.cfg.Ledger.BalanceOf(ctx, o.collateralAsset(), o.cfg.ID)
	if err != nil {
		return payoff.Result{}, fmt.Errorf("option: collateral check: %w", err)
	}
	if o.cfg.IsCall && res.BaseAmount.GreaterThan(held) {
		res.BaseAmount = held
	}
	if !o.cfg.IsCall && res.QuoteAmount.GreaterThan(held) {
		res.QuoteAmount = held
	}

	var inAsset, outAsset string
	var inAmount, outAmount decimal.Decimal
	if o.cfg.IsCall {
		inAsset, inAmount = o.cfg.StrikeAsset, res.QuoteAmount     // long → short
		outAsset, outAmount = o.cfg.UnderlyingAsset, res.BaseAmount // collateral → long
	} else {
		inAsset, inAmount = o.cfg.UnderlyingAsset, res.BaseAmount // long → short
		outAsset, outAmount = o.cfg.StrikeAsset, res.QuoteAmount  // collateral → long
	}

	if err := o.cfg.Ledger.Transfer(ctx, inAsset, o.long, o.cfg.Short, inAmount); err != nil {
		return payoff.Result{}, fmt.Errorf("option: settlement transfer: %w", err)
	}
	if err := o.cfg.Ledger.Transfer(ctx, outAsset, o.cfg.ID, o.long, outAmount); err != nil {
		// Undo the first leg so the failed settlement has no effect.
		o.compensate(ctx, inAsset, o.cfg.Short, o.long, inAmount)
		return payoff.Result{}, fmt.Errorf("option: settlement transfer: %w", err)
	}

	if o.cfg.Notify != nil {
		if err := o.cfg.Notify(o.cfg.ID, res.QuoteAmount); err != nil {
			o.compensate(ctx, outAsset, o.long, o.cfg.ID, outAmount)
			o.compensate(ctx, inAsset, o.cfg.Short, o.long, inAmount)
			return payoff.Result{}, err
		}
	}

	o.settled = true
	o.settlement = model.SettlementExercised
	return res, nil
}

// Reclaim returns the entire remaining collateral to the short. Requires
// resolution first, exactly like exercise, and shares its terminal flag:
// whichever settlement happens first excludes the other.
func (o *Instance) Reclaim(ctx context.Context, c Capability, caller string) (decimal.Decimal, error) {
	if err := o.authorize(c); err != nil {
		return decimal.Zero, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.settled {
		return decimal.Zero, ErrAlreadySettled
	}
	if !o.funded {
		return decimal.Zero, ErrNotFunded
	}
	if !o.resolved {
		return decimal.Zero, ErrNotResolved
	}
	if caller == "" || caller != o.cfg.Short {
		return decimal.Zero, ErrUnauthorized
	}

	held, err := o.cfg.Ledger.BalanceOf(ctx, o.collateralAsset(), o.cfg.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("option: collateral check: %w", err)
	}
	if held.IsPositive() {
		if err := o.cfg.Ledger.Transfer(ctx, o.collateralAsset(), o.cfg.ID, o.cfg.Short, held); err != nil {
			return decimal.Zero, fmt.Errorf("option: reclaim transfer: %w", err)
		}
	}

	o.settled = true
	o.settlement = model.SettlementReclaimed
	return held, nil
}

// --- Read accessors (idempotent, safe for any caller) ---

func (o *Instance) ID() string { return o.cfg.ID }

func (o *Instance) Funded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.funded
}

func (o *Instance) Long() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.long
}

func (o *Instance) Expiry() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expiry
}

func (o *Instance) Resolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolved
}

func (o *Instance) PriceAtExpiry() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priceAtExpiry
}

func (o *Instance) Settled() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settled, o.settlement
}
