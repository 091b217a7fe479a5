// Package book implements the OptionsBook: the registry and factory that
// creates option instances, custodies the two-step funding flow, and is the
// sole holder of the capability that authorizes instance state transitions.
//
// The book authenticates end users (short for creation and reclaim, long for
// entry and exercise) and then asserts their identity to instances, which
// trust only the capability. All mutations are serialized by one mutex, the
// same single-writer discipline a sequential ledger gives the source domain.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/asset"
	"github.com/optbook/options-engine/internal/model"
	"github.com/optbook/options-engine/internal/option"
	"github.com/optbook/options-engine/internal/oracle"
	"github.com/optbook/options-engine/internal/payoff"
)

// DefaultExpiryDuration is how long an option runs after a long enters.
const DefaultExpiryDuration = 5 * time.Minute

var (
	// ErrInvalidStrike is returned for a non-positive strike price.
	ErrInvalidStrike = errors.New("book: strike price must be positive")

	// ErrInvalidSize is returned for a non-positive size.
	ErrInvalidSize = errors.New("book: size must be positive")

	// ErrInvalidPremium is returned for a negative premium.
	ErrInvalidPremium = errors.New("book: premium must not be negative")

	// ErrInvalidOracle is returned when no oracle is available for an option.
	ErrInvalidOracle = errors.New("book: oracle reference is required")

	// ErrInvalidParams is returned for missing identities, assets or symbols.
	ErrInvalidParams = errors.New("book: missing required parameter")

	// ErrUnknownInstance is returned for an id the registry never created.
	ErrUnknownInstance = errors.New("book: unknown option instance")

	// ErrAlreadyEntered is returned when the option already has a long.
	ErrAlreadyEntered = errors.New("book: option already has a long")

	// ErrUnauthorized is returned when the caller is not the required party.
	ErrUnauthorized = errors.New("book: caller is not authorized for this option")

	// ErrAlreadySettled is the registry-side double-notify guard, distinct
	// from the instance's own terminal flag.
	ErrAlreadySettled = errors.New("book: option already settled")
)

// Config carries the book's collaborators.
type Config struct {
	Ledger asset.Ledger
	Oracle oracle.Oracle // default oracle; CreateParams may override per option

	// ExpiryDuration defaults to DefaultExpiryDuration.
	ExpiryDuration time.Duration

	// Now defaults to time.Now. Injected for tests.
	Now func() time.Time
}

// Book is the registry/factory. It owns the capability all of its instances
// trust, the call/put index sets, and the aggregate exercised volume.
type Book struct {
	ledger         asset.Ledger
	oracle         oracle.Oracle
	expiryDuration time.Duration
	now            func() time.Time
	cap            option.Capability
	account        string // custody account for the pull-then-forward flows

	mu          sync.Mutex
	instances   map[string]*option.Instance
	metas       map[string]*model.OptionMeta
	order       []string // creation order for batch reads
	callIDs     []string
	putIDs      []string
	totalVolume decimal.Decimal
	sink        model.EventSink
}

// New creates an empty book.
func New(cfg Config) (*Book, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("book: ledger is required")
	}
	if cfg.ExpiryDuration <= 0 {
		cfg.ExpiryDuration = DefaultExpiryDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Book{
		ledger:         cfg.Ledger,
		oracle:         cfg.Oracle,
		expiryDuration: cfg.ExpiryDuration,
		now:            cfg.Now,
		cap:            option.NewCapability(),
		account:        "book:" + uuid.New().String(),
		instances:      make(map[string]*option.Instance),
		metas:          make(map[string]*model.OptionMeta),
	}, nil
}

// SetEventSink installs the lifecycle-event consumer. Sinks run inside the
// book's critical section and must not call back into it.
func (b *Book) SetEventSink(sink model.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// emit assumes b.mu is held.
func (b *Book) emit(ev model.Event) {
	if b.sink != nil {
		b.sink(ev)
	}
}

// refund reverses a custody transfer after a later step failed. A failure
// here leaves the ledger inconsistent and can only be reported for manual
// reconciliation.
func (b *Book) refund(ctx context.Context, asset, from, to string, amount decimal.Decimal) {
	if err := b.ledger.Transfer(ctx, asset, from, to, amount); err != nil {
		slog.Error("compensating transfer failed",
			"asset", asset,
			"from", from,
			"to", to,
			"amount", amount.String(),
			"err", err,
		)
	}
}

// CreateParams are the terms for a new option.
type CreateParams struct {
	Short            string
	IsCall           bool
	PayoffType       model.PayoffType
	UnderlyingAsset  string
	StrikeAsset      string
	UnderlyingSymbol string
	StrikeSymbol     string
	StrikePrice      decimal.Decimal
	Size             decimal.Decimal
	Premium          decimal.Decimal
	Oracle           oracle.Oracle // optional override of the book default
}

func (p CreateParams) validate() error {
	if p.Short == "" || p.UnderlyingAsset == "" || p.StrikeAsset == "" ||
		p.UnderlyingSymbol == "" || p.StrikeSymbol == "" {
		return ErrInvalidParams
	}
	if p.StrikePrice.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidStrike
	}
	if p.Size.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidSize
	}
	if p.Premium.IsNegative() {
		return ErrInvalidPremium
	}
	return nil
}

// CreateAndFundOption creates a new instance, pulls the collateral from the
// short (size of underlying for calls, size*strike of strike asset for
// puts), forwards it to the instance and registers it. All-or-nothing: a
// failed pull or forward leaves no instance registered.
func (b *Book) CreateAndFundOption(ctx context.Context, p CreateParams) (model.OptionMeta, error) {
	if err := p.validate(); err != nil {
		return model.OptionMeta{}, err
	}
	orc := p.Oracle
	if orc == nil {
		orc = b.oracle
	}
	if orc == nil {
		return model.OptionMeta{}, ErrInvalidOracle
	}
	curve, err := payoff.NewCurve(p.PayoffType)
	if err != nil {
		return model.OptionMeta{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	collateral := payoff.Collateral(p.IsCall, p.StrikePrice, p.Size)
	collateralAsset := p.UnderlyingAsset
	if !p.IsCall {
		collateralAsset = p.StrikeAsset
	}

	// Two-step funding: pull from the short, then forward to the instance.
	if err := b.ledger.Transfer(ctx, collateralAsset, p.Short, b.account, collateral); err != nil {
		return model.OptionMeta{}, fmt.Errorf("book: collateral pull: %w", err)
	}
	if err := b.ledger.Transfer(ctx, collateralAsset, b.account, id, collateral); err != nil {
		b.refund(ctx, collateralAsset, b.account, p.Short, collateral)
		return model.OptionMeta{}, fmt.Errorf("book: collateral forward: %w", err)
	}

	inst, err := option.New(option.Config{
		ID:               id,
		IsCall:           p.IsCall,
		Curve:            curve,
		UnderlyingAsset:  p.UnderlyingAsset,
		StrikeAsset:      p.StrikeAsset,
		UnderlyingSymbol: p.UnderlyingSymbol,
		StrikeSymbol:     p.StrikeSymbol,
		Strike:           p.StrikePrice,
		Size:             p.Size,
		Premium:          p.Premium,
		Short:            p.Short,
		Ledger:           b.ledger,
		Oracle:           orc,
		ExpiryDuration:   b.expiryDuration,
		Now:              b.now,
		Capability:       b.cap,
		Notify:           b.notifyExercised,
	})
	if err != nil {
		b.refund(ctx, collateralAsset, id, p.Short, collateral)
		return model.OptionMeta{}, err
	}
	if err := inst.Fund(b.cap); err != nil {
		b.refund(ctx, collateralAsset, id, p.Short, collateral)
		return model.OptionMeta{}, err
	}

	meta := &model.OptionMeta{
		ID:               id,
		IsCall:           p.IsCall,
		PayoffType:       p.PayoffType,
		UnderlyingAsset:  p.UnderlyingAsset,
		StrikeAsset:      p.StrikeAsset,
		UnderlyingSymbol: p.UnderlyingSymbol,
		StrikeSymbol:     p.StrikeSymbol,
		StrikePrice:      p.StrikePrice,
		Size:             p.Size,
		Premium:          p.Premium,
		Short:            p.Short,
		Funded:           true,
		CreatedAt:        b.now().UTC(),
	}

	// Registration happens only after funding succeeded: no ghost
	// registered-but-unfunded instance is ever observable.
	b.instances[id] = inst
	b.metas[id] = meta
	b.order = append(b.order, id)
	if p.IsCall {
		b.callIDs = append(b.callIDs, id)
	} else {
		b.putIDs = append(b.putIDs, id)
	}

	slog.Info("option created",
		"id", id,
		"short", p.Short,
		"is_call", p.IsCall,
		"payoff", p.PayoffType.String(),
		"strike", p.StrikePrice.String(),
		"size", p.Size.String(),
		"collateral", collateral.String(),
	)

	b.emit(model.Event{Type: model.EventInstanceCreated, Meta: *meta})
	return *meta, nil
}

// EnterAndPayPremium admits the caller as the option's long, pulls the
// premium (in the strike asset) and forwards it entirely to the short. A
// zero premium skips the transfers but updates metadata identically.
func (b *Book) EnterAndPayPremium(ctx context.Context, optionID, caller string) (model.OptionMeta, error) {
	if caller == "" {
		return model.OptionMeta{}, ErrInvalidParams
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inst, meta, err := b.lookup(optionID)
	if err != nil {
		return model.OptionMeta{}, err
	}
	if meta.Long != "" {
		return model.OptionMeta{}, ErrAlreadyEntered
	}

	if meta.Premium.IsPositive() {
		if err := b.ledger.Transfer(ctx, meta.StrikeAsset, caller, b.account, meta.Premium); err != nil {
			return model.OptionMeta{}, fmt.Errorf("book: premium pull: %w", err)
		}
		if err := b.ledger.Transfer(ctx, meta.StrikeAsset, b.account, meta.Short, meta.Premium); err != nil {
			b.refund(ctx, meta.StrikeAsset, b.account, caller, meta.Premium)
			return model.OptionMeta{}, fmt.Errorf("book: premium forward: %w", err)
		}
	}

	expiry, err := inst.EnterAsLong(b.cap, caller)
	if err != nil {
		if meta.Premium.IsPositive() {
			b.refund(ctx, meta.StrikeAsset, meta.Short, caller, meta.Premium)
		}
		return model.OptionMeta{}, err
	}

	meta.Long = caller
	meta.Expiry = expiry

	slog.Info("option entered",
		"id", optionID,
		"long", caller,
		"premium", meta.Premium.String(),
		"expiry", expiry,
	)

	b.emit(model.Event{Type: model.EventEntered, Meta: *meta})
	return *meta, nil
}

// Resolve fixes the oracle price after expiry. Resolution is permissionless:
// anyone (including the auto-resolver) may trigger it; the price itself
// comes from the oracle either way.
func (b *Book) Resolve(ctx context.Context, optionID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, meta, err := b.lookup(optionID)
	if err != nil {
		return decimal.Zero, err
	}
	if meta.Resolved {
		return decimal.Zero, option.ErrAlreadyResolved
	}
	return b.resolveLocked(ctx, inst, meta)
}

// resolveLocked assumes b.mu is held and meta.Resolved is false.
func (b *Book) resolveLocked(ctx context.Context, inst *option.Instance, meta *model.OptionMeta) (decimal.Decimal, error) {
	price, err := inst.Resolve(ctx, b.cap)
	if err != nil {
		return decimal.Zero, err
	}
	meta.Resolved = true
	meta.PriceAtExpiry = price

	slog.Info("option resolved", "id", meta.ID, "price_at_expiry", price.String())
	b.emit(model.Event{Type: model.EventResolved, Meta: *meta})
	return price, nil
}

// ResolveAndExercise resolves if needed and settles in the long's favor.
// requested is the quote-asset spend for calls and the base-asset delivery
// for puts; requests beyond the contract's capacity are clamped.
func (b *Book) ResolveAndExercise(ctx context.Context, optionID, caller string, requested decimal.Decimal) (payoff.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, meta, err := b.lookup(optionID)
	if err != nil {
		return payoff.Result{}, err
	}
	if meta.Long == "" || caller != meta.Long {
		return payoff.Result{}, ErrUnauthorized
	}
	if !meta.Resolved {
		if _, err := b.resolveLocked(ctx, inst, meta); err != nil {
			return payoff.Result{}, err
		}
	}

	res, err := inst.Exercise(ctx, b.cap, caller, requested)
	if err != nil {
		return payoff.Result{}, err
	}

	slog.Info("option exercised",
		"id", optionID,
		"long", caller,
		"quote", res.QuoteAmount.String(),
		"base", res.BaseAmount.String(),
	)

	b.emit(model.Event{
		Type:        model.EventExercised,
		Meta:        *meta,
		QuoteAmount: res.QuoteAmount,
		BaseAmount:  res.BaseAmount,
	})
	return res, nil
}

// ResolveAndReclaim resolves if needed and returns the remaining collateral
// to the short. Shares the terminal flag with exercise: only one succeeds.
func (b *Book) ResolveAndReclaim(ctx context.Context, optionID, caller string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, meta, err := b.lookup(optionID)
	if err != nil {
		return decimal.Zero, err
	}
	if caller != meta.Short {
		return decimal.Zero, ErrUnauthorized
	}
	if !meta.Resolved {
		if _, err := b.resolveLocked(ctx, inst, meta); err != nil {
			return decimal.Zero, err
		}
	}

	returned, err := inst.Reclaim(ctx, b.cap, caller)
	if err != nil {
		return decimal.Zero, err
	}

	meta.Settled = true
	meta.Settlement = model.SettlementReclaimed

	slog.Info("option reclaimed",
		"id", optionID,
		"short", caller,
		"returned", returned.String(),
	)

	ev := model.Event{Type: model.EventReclaimed, Meta: *meta}
	if meta.IsCall {
		ev.BaseAmount = returned
	} else {
		ev.QuoteAmount = returned
	}
	b.emit(ev)
	return returned, nil
}

// notifyExercised is the instance→book report of the quote-side settlement
// volume. Only instances this book created hold a reference to it, and it
// runs inside the book's critical section (the book invokes Exercise with
// b.mu held), so it must not lock.
func (b *Book) notifyExercised(optionID string, quoteVolume decimal.Decimal) error {
	meta, ok := b.metas[optionID]
	if !ok {
		return ErrUnknownInstance
	}
	if meta.Settled {
		return ErrAlreadySettled
	}
	meta.Settled = true
	meta.Settlement = model.SettlementExercised
	meta.ExercisedAmount = quoteVolume
	b.totalVolume = b.totalVolume.Add(quoteVolume)
	return nil
}

// lookup assumes b.mu is held.
func (b *Book) lookup(optionID string) (*option.Instance, *model.OptionMeta, error) {
	inst, ok := b.instances[optionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownInstance, optionID)
	}
	return inst, b.metas[optionID], nil
}

// --- Read operations ---

// IsKnownInstance reports whether the registry created this instance. This
// predicate is the sole authorization gate external collaborators rely on.
func (b *Book) IsKnownInstance(optionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.instances[optionID]
	return ok
}

// GetOptionMeta returns a snapshot of one option's metadata.
func (b *Book) GetOptionMeta(optionID string) (model.OptionMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.metas[optionID]
	if !ok {
		return model.OptionMeta{}, fmt.Errorf("%w: %s", ErrUnknownInstance, optionID)
	}
	return *meta, nil
}

// GetAllOptionMetadata returns one snapshot of every option in creation
// order. A single call serves external indexers; they never need N round
// trips.
func (b *Book) GetAllOptionMetadata() []model.OptionMeta {
	b.mu.Lock()
	defer b.mu.Unlock()

	metas := make([]model.OptionMeta, 0, len(b.order))
	for _, id := range b.order {
		metas = append(metas, *b.metas[id])
	}
	return metas
}

// GetAllCallInstances returns the ids of every call option.
func (b *Book) GetAllCallInstances() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.callIDs))
	copy(out, b.callIDs)
	return out
}

// GetAllPutInstances returns the ids of every put option.
func (b *Book) GetAllPutInstances() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.putIDs))
	copy(out, b.putIDs)
	return out
}

// TotalExercisedVolume returns the aggregate quote-side volume across all
// exercised options.
func (b *Book) TotalExercisedVolume() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalVolume
}
