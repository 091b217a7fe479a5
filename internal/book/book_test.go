package book_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/asset"
	"github.com/optbook/options-engine/internal/book"
	"github.com/optbook/options-engine/internal/model"
	"github.com/optbook/options-engine/internal/option"
	"github.com/optbook/options-engine/internal/oracle"
	"github.com/optbook/options-engine/internal/payoff"
)

const (
	alice = "alice" // short
	bob   = "bob"   // long
	weth  = "WETH"
	usdc  = "USDC"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

type env struct {
	ledger *asset.MemoryLedger
	orc    *oracle.StaticOracle
	clk    *fakeClock
	book   *book.Book
	events []model.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		ledger: asset.NewMemoryLedger(),
		orc:    oracle.NewStaticOracle(),
		clk:    &fakeClock{now: time.Unix(1700000000, 0)},
	}
	b, err := book.New(book.Config{
		Ledger:         e.ledger,
		Oracle:         e.orc,
		ExpiryDuration: 5 * time.Minute,
		Now:            e.clk.Now,
	})
	if err != nil {
		t.Fatalf("book.New: %v", err)
	}
	b.SetEventSink(func(ev model.Event) { e.events = append(e.events, ev) })
	e.book = b
	return e
}

func (e *env) params(isCall bool, strike, size, premium float64) book.CreateParams {
	return book.CreateParams{
		Short:            alice,
		IsCall:           isCall,
		PayoffType:       model.PayoffLinear,
		UnderlyingAsset:  weth,
		StrikeAsset:      usdc,
		UnderlyingSymbol: "ETH",
		StrikeSymbol:     "USD",
		StrikePrice:      d(strike),
		Size:             d(size),
		Premium:          d(premium),
	}
}

// create mints exactly the needed collateral to the short, then creates.
func (e *env) create(t *testing.T, p book.CreateParams) model.OptionMeta {
	t.Helper()
	collateralAsset := p.UnderlyingAsset
	if !p.IsCall {
		collateralAsset = p.StrikeAsset
	}
	e.ledger.Mint(collateralAsset, p.Short, payoff.Collateral(p.IsCall, p.StrikePrice, p.Size))
	meta, err := e.book.CreateAndFundOption(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateAndFundOption: %v", err)
	}
	return meta
}

func (e *env) enter(t *testing.T, optionID string, premium float64) {
	t.Helper()
	if premium > 0 {
		e.ledger.Mint(usdc, bob, d(premium))
	}
	if _, err := e.book.EnterAndPayPremium(context.Background(), optionID, bob); err != nil {
		t.Fatalf("EnterAndPayPremium: %v", err)
	}
}

func (e *env) expire(price float64) {
	e.clk.Advance(6 * time.Minute)
	e.orc.SetPrice("ETH", "USD", d(price))
}

func (e *env) balance(t *testing.T, asset_, holder string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.BalanceOf(context.Background(), asset_, holder)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b
}

func (e *env) eventTypes() []model.EventType {
	types := make([]model.EventType, len(e.events))
	for i, ev := range e.events {
		types[i] = ev.Type
	}
	return types
}

func TestCreate_PullsCallCollateral(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 10))

	if got := e.balance(t, weth, alice); !got.IsZero() {
		t.Errorf("short balance after create: expected 0, got %s", got)
	}
	if got := e.balance(t, weth, meta.ID); !got.Equal(d(100)) {
		t.Errorf("instance collateral: expected 100, got %s", got)
	}
	if !meta.Funded || !meta.IsCall || meta.Short != alice {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if meta.Long != "" {
		t.Errorf("new option must have no long, got %q", meta.Long)
	}
	if !e.book.IsKnownInstance(meta.ID) {
		t.Error("created option missing from registry")
	}
	calls := e.book.GetAllCallInstances()
	if len(calls) != 1 || calls[0] != meta.ID {
		t.Errorf("call index: expected [%s], got %v", meta.ID, calls)
	}
	if len(e.book.GetAllPutInstances()) != 0 {
		t.Error("put index must be empty")
	}
}

func TestCreate_PullsPutCollateral(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(false, 2, 100, 0))

	// Put collateral is size*strike of the strike asset.
	if got := e.balance(t, usdc, meta.ID); !got.Equal(d(200)) {
		t.Errorf("instance collateral: expected 200 USDC, got %s", got)
	}
	puts := e.book.GetAllPutInstances()
	if len(puts) != 1 || puts[0] != meta.ID {
		t.Errorf("put index: expected [%s], got %v", meta.ID, puts)
	}
}

func TestCreate_InsufficientCollateralLeavesNoGhost(t *testing.T) {
	e := newEnv(t)
	e.ledger.Mint(weth, alice, d(50)) // half of what a size-100 call needs

	_, err := e.book.CreateAndFundOption(context.Background(), e.params(true, 1, 100, 0))
	if !errors.Is(err, asset.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(e.book.GetAllOptionMetadata()) != 0 {
		t.Error("failed create must register nothing")
	}
	if got := e.balance(t, weth, alice); !got.Equal(d(50)) {
		t.Errorf("short balance after failed create: expected 50, got %s", got)
	}
	if len(e.events) != 0 {
		t.Errorf("failed create must emit nothing, got %v", e.eventTypes())
	}
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		mutate func(*book.CreateParams)
		want   error
	}{
		{"empty short", func(p *book.CreateParams) { p.Short = "" }, book.ErrInvalidParams},
		{"empty underlying asset", func(p *book.CreateParams) { p.UnderlyingAsset = "" }, book.ErrInvalidParams},
		{"empty strike symbol", func(p *book.CreateParams) { p.StrikeSymbol = "" }, book.ErrInvalidParams},
		{"zero strike", func(p *book.CreateParams) { p.StrikePrice = decimal.Zero }, book.ErrInvalidStrike},
		{"negative strike", func(p *book.CreateParams) { p.StrikePrice = d(-1) }, book.ErrInvalidStrike},
		{"zero size", func(p *book.CreateParams) { p.Size = decimal.Zero }, book.ErrInvalidSize},
		{"negative premium", func(p *book.CreateParams) { p.Premium = d(-1) }, book.ErrInvalidPremium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := e.params(true, 1, 100, 10)
			tt.mutate(&p)
			if _, err := e.book.CreateAndFundOption(context.Background(), p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreate_NoOracle(t *testing.T) {
	b, err := book.New(book.Config{Ledger: asset.NewMemoryLedger()})
	if err != nil {
		t.Fatalf("book.New: %v", err)
	}
	p := book.CreateParams{
		Short: alice, IsCall: true, PayoffType: model.PayoffLinear,
		UnderlyingAsset: weth, StrikeAsset: usdc,
		UnderlyingSymbol: "ETH", StrikeSymbol: "USD",
		StrikePrice: d(1), Size: d(100),
	}
	if _, err := b.CreateAndFundOption(context.Background(), p); !errors.Is(err, book.ErrInvalidOracle) {
		t.Errorf("expected ErrInvalidOracle, got %v", err)
	}
}

func TestEnter_PaysPremiumToShort(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 10))
	e.ledger.Mint(usdc, bob, d(10))

	updated, err := e.book.EnterAndPayPremium(context.Background(), meta.ID, bob)
	if err != nil {
		t.Fatalf("EnterAndPayPremium: %v", err)
	}
	if updated.Long != bob {
		t.Errorf("expected long=%q, got %q", bob, updated.Long)
	}
	want := e.clk.Now().Add(5 * time.Minute)
	if !updated.Expiry.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, updated.Expiry)
	}
	if got := e.balance(t, usdc, alice); !got.Equal(d(10)) {
		t.Errorf("short premium balance: expected 10, got %s", got)
	}
	if got := e.balance(t, usdc, bob); !got.IsZero() {
		t.Errorf("long balance after premium: expected 0, got %s", got)
	}

	// Second entrant bounces without touching state.
	if _, err := e.book.EnterAndPayPremium(context.Background(), meta.ID, "carol"); !errors.Is(err, book.ErrAlreadyEntered) {
		t.Errorf("expected ErrAlreadyEntered, got %v", err)
	}
	after, _ := e.book.GetOptionMeta(meta.ID)
	if after.Long != bob {
		t.Errorf("long changed after rejected entry: %q", after.Long)
	}
}

func TestEnter_ZeroPremium(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))

	// bob holds nothing; a zero premium needs no funds.
	updated, err := e.book.EnterAndPayPremium(context.Background(), meta.ID, bob)
	if err != nil {
		t.Fatalf("EnterAndPayPremium: %v", err)
	}
	if updated.Long != bob {
		t.Errorf("expected long=%q, got %q", bob, updated.Long)
	}
}

func TestEnter_InsufficientPremium(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 10))

	_, err := e.book.EnterAndPayPremium(context.Background(), meta.ID, bob)
	if !errors.Is(err, asset.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	after, _ := e.book.GetOptionMeta(meta.ID)
	if after.Long != "" {
		t.Errorf("failed entry must not admit a long, got %q", after.Long)
	}
}

func TestEnter_UnknownInstance(t *testing.T) {
	e := newEnv(t)
	if _, err := e.book.EnterAndPayPremium(context.Background(), "no-such-id", bob); !errors.Is(err, book.ErrUnknownInstance) {
		t.Errorf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestResolve_Permissionless(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))
	e.enter(t, meta.ID, 0)
	e.orc.SetPrice("ETH", "USD", d(2))

	if _, err := e.book.Resolve(context.Background(), meta.ID); !errors.Is(err, option.ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}

	e.clk.Advance(6 * time.Minute)
	price, err := e.book.Resolve(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !price.Equal(d(2)) {
		t.Errorf("expected price 2, got %s", price)
	}
	after, _ := e.book.GetOptionMeta(meta.ID)
	if !after.Resolved || !after.PriceAtExpiry.Equal(d(2)) {
		t.Errorf("meta not updated: %+v", after)
	}

	if _, err := e.book.Resolve(context.Background(), meta.ID); !errors.Is(err, option.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestExercise_CallEndToEnd(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 10))
	e.enter(t, meta.ID, 10)
	e.expire(2)
	e.ledger.Mint(usdc, bob, d(100))

	res, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(100))
	if err != nil {
		t.Fatalf("ResolveAndExercise: %v", err)
	}
	if !res.QuoteAmount.Equal(d(100)) || !res.BaseAmount.Equal(d(100)) {
		t.Errorf("expected 100/100, got quote=%s base=%s", res.QuoteAmount, res.BaseAmount)
	}

	// Money: bob swapped 100 USDC for the full 100 WETH collateral; alice
	// holds the quote leg plus the earlier premium.
	if got := e.balance(t, weth, bob); !got.Equal(d(100)) {
		t.Errorf("long base balance: expected 100, got %s", got)
	}
	if got := e.balance(t, usdc, alice); !got.Equal(d(110)) {
		t.Errorf("short quote balance: expected 110, got %s", got)
	}
	if got := e.balance(t, weth, meta.ID); !got.IsZero() {
		t.Errorf("instance collateral: expected 0, got %s", got)
	}

	after, _ := e.book.GetOptionMeta(meta.ID)
	if !after.Settled || after.Settlement != model.SettlementExercised {
		t.Errorf("expected settled via exercise, got %+v", after)
	}
	if !after.ExercisedAmount.Equal(d(100)) {
		t.Errorf("expected exercised amount 100, got %s", after.ExercisedAmount)
	}
	if got := e.book.TotalExercisedVolume(); !got.Equal(d(100)) {
		t.Errorf("expected total volume 100, got %s", got)
	}

	want := []model.EventType{
		model.EventInstanceCreated,
		model.EventEntered,
		model.EventResolved,
		model.EventExercised,
	}
	got := e.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if _, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(1)); !errors.Is(err, option.ErrAlreadySettled) {
		t.Errorf("second exercise: expected ErrAlreadySettled, got %v", err)
	}
	if _, err := e.book.ResolveAndReclaim(context.Background(), meta.ID, alice); !errors.Is(err, option.ErrAlreadySettled) {
		t.Errorf("reclaim after exercise: expected ErrAlreadySettled, got %v", err)
	}
}

func TestExercise_ResolvesInline(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))
	e.enter(t, meta.ID, 0)
	e.expire(2)
	e.ledger.Mint(usdc, bob, d(50))

	// No explicit Resolve call: exercise fixes the price itself.
	if _, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(50)); err != nil {
		t.Fatalf("ResolveAndExercise: %v", err)
	}
	after, _ := e.book.GetOptionMeta(meta.ID)
	if !after.Resolved || !after.PriceAtExpiry.Equal(d(2)) {
		t.Errorf("inline resolution missing: %+v", after)
	}
}

func TestExercise_Unauthorized(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))

	// Before entry there is no long at all.
	if _, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(1)); !errors.Is(err, book.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized before entry, got %v", err)
	}

	e.enter(t, meta.ID, 0)
	e.expire(2)
	if _, err := e.book.ResolveAndExercise(context.Background(), meta.ID, alice, d(1)); !errors.Is(err, book.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for short, got %v", err)
	}
}

func TestReclaim_OutOfTheMoney(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))
	e.enter(t, meta.ID, 0)
	e.expire(0.5)
	e.ledger.Mint(usdc, bob, d(100))

	if _, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(100)); !errors.Is(err, payoff.ErrNotProfitable) {
		t.Fatalf("expected ErrNotProfitable, got %v", err)
	}

	returned, err := e.book.ResolveAndReclaim(context.Background(), meta.ID, alice)
	if err != nil {
		t.Fatalf("ResolveAndReclaim: %v", err)
	}
	if !returned.Equal(d(100)) {
		t.Errorf("expected 100 returned, got %s", returned)
	}
	if got := e.balance(t, weth, alice); !got.Equal(d(100)) {
		t.Errorf("short collateral: expected 100 back, got %s", got)
	}
	after, _ := e.book.GetOptionMeta(meta.ID)
	if !after.Settled || after.Settlement != model.SettlementReclaimed {
		t.Errorf("expected settled via reclaim, got %+v", after)
	}
	if got := e.book.TotalExercisedVolume(); !got.IsZero() {
		t.Errorf("reclaim must not count as volume, got %s", got)
	}

	if _, err := e.book.ResolveAndReclaim(context.Background(), meta.ID, alice); !errors.Is(err, option.ErrAlreadySettled) {
		t.Errorf("second reclaim: expected ErrAlreadySettled, got %v", err)
	}
}

func TestReclaim_Unauthorized(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(true, 1, 100, 0))
	e.enter(t, meta.ID, 0)
	e.expire(0.5)

	if _, err := e.book.ResolveAndReclaim(context.Background(), meta.ID, bob); !errors.Is(err, book.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPut_EndToEnd(t *testing.T) {
	e := newEnv(t)
	meta := e.create(t, e.params(false, 2, 100, 5))
	e.enter(t, meta.ID, 5)
	e.expire(1)
	e.ledger.Mint(weth, bob, d(100))

	res, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(100))
	if err != nil {
		t.Fatalf("ResolveAndExercise: %v", err)
	}
	if !res.QuoteAmount.Equal(d(200)) || !res.BaseAmount.Equal(d(100)) {
		t.Errorf("expected quote=200 base=100, got quote=%s base=%s", res.QuoteAmount, res.BaseAmount)
	}
	if got := e.balance(t, usdc, bob); !got.Equal(d(200)) {
		t.Errorf("long quote balance: expected 200, got %s", got)
	}
	if got := e.balance(t, weth, alice); !got.Equal(d(100)) {
		t.Errorf("short base balance: expected 100, got %s", got)
	}
	if got := e.balance(t, usdc, meta.ID); !got.IsZero() {
		t.Errorf("instance collateral: expected 0, got %s", got)
	}
}

// An amplified payout can never pay out more base than the collateral, and
// the quote the long actually pays shrinks with the clamp.
func TestQuadratic_ClampedSettlement(t *testing.T) {
	e := newEnv(t)
	p := e.params(true, 1, 10, 0)
	p.PayoffType = model.PayoffQuadratic
	meta := e.create(t, p)
	e.enter(t, meta.ID, 0)
	e.expire(4) // diff=3, amplifier=9
	e.ledger.Mint(usdc, bob, d(10))

	res, err := e.book.ResolveAndExercise(context.Background(), meta.ID, bob, d(10))
	if err != nil {
		t.Fatalf("ResolveAndExercise: %v", err)
	}
	if !res.BaseAmount.Equal(d(10)) {
		t.Errorf("expected base clamped at size 10, got %s", res.BaseAmount)
	}
	if !res.QuoteAmount.LessThan(d(10)) {
		t.Errorf("expected quote reduced below requested 10, got %s", res.QuoteAmount)
	}
	if got := e.balance(t, weth, meta.ID); !got.IsZero() {
		t.Errorf("instance collateral: expected 0, got %s", got)
	}
	if got := e.balance(t, usdc, alice); !got.Equal(res.QuoteAmount) {
		t.Errorf("short quote balance: expected %s, got %s", res.QuoteAmount, got)
	}
}

func TestBatchReads(t *testing.T) {
	e := newEnv(t)
	first := e.create(t, e.params(true, 1, 10, 0))
	second := e.create(t, e.params(false, 2, 10, 0))
	third := e.create(t, e.params(true, 3, 10, 0))

	all := e.book.GetAllOptionMetadata()
	if len(all) != 3 {
		t.Fatalf("expected 3 options, got %d", len(all))
	}
	wantOrder := []string{first.ID, second.ID, third.ID}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}

	calls := e.book.GetAllCallInstances()
	if len(calls) != 2 || calls[0] != first.ID || calls[1] != third.ID {
		t.Errorf("call index: expected [%s %s], got %v", first.ID, third.ID, calls)
	}
	puts := e.book.GetAllPutInstances()
	if len(puts) != 1 || puts[0] != second.ID {
		t.Errorf("put index: expected [%s], got %v", second.ID, puts)
	}

	if _, err := e.book.GetOptionMeta("no-such-id"); !errors.Is(err, book.ErrUnknownInstance) {
		t.Errorf("expected ErrUnknownInstance, got %v", err)
	}
}
