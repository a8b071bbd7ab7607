package captable

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"empire/internal/bus"
	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/store"
	"empire/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	engine  *Engine
	events  *bus.Recorder
	founder game.User
	company game.Company
}

func newFixture(t *testing.T, companyFunds int64, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	founder, err := s.CreateUser(ctx, "founder", 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.CreateCompany(ctx, store.NewCompany{Name: "Acme", Type: "tech", OwnerID: founder.ID, InitialFunds: companyFunds})
	if err != nil {
		t.Fatal(err)
	}
	data, err := config.LoadGameData("")
	if err != nil {
		t.Fatal(err)
	}
	rec := &bus.Recorder{}
	if opts.Publisher == nil {
		opts.Publisher = rec
	}
	eng := New(s, ledger.New(s, nil), config.DefaultEconomy(), data, opts)
	return &fixture{store: s, engine: eng, events: rec, founder: founder, company: c}
}

func (f *fixture) investor(t *testing.T, balance int64) game.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), "investor", balance)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.001 }

func TestInvestDilutionArithmetic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Options{})
	inv := f.investor(t, 1000)

	res, err := f.engine.Invest(ctx, f.company.ID, inv.ID, 500)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() {
		t.Fatalf("invest rejected: %s", res.Reason)
	}
	if res.NewStakePct != 5.0 || res.Valuation != 10_000 {
		t.Fatalf("new stake=%v valuation=%d", res.NewStakePct, res.Valuation)
	}
	stakes, _ := f.store.Stakes(ctx, f.company.ID)
	if !near(holderPercent(stakes, f.founder.ID), 95.238) {
		t.Fatalf("founder pct=%v", holderPercent(stakes, f.founder.ID))
	}
	if !near(holderPercent(stakes, inv.ID), 4.762) {
		t.Fatalf("investor pct=%v", holderPercent(stakes, inv.ID))
	}
	acct, _ := f.store.Get(ctx, game.CompanyRef(f.company.ID))
	if acct.Balance != 10_500 {
		t.Fatalf("company balance=%d", acct.Balance)
	}
	user, _ := f.store.User(ctx, inv.ID)
	if user.Balance != 500 {
		t.Fatalf("investor balance=%d", user.Balance)
	}
	if len(f.events.OfType(bus.InvestmentCompleted)) != 1 {
		t.Fatalf("expected one investment event")
	}
}

func TestInvestFounderFloorRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Options{})
	other := f.investor(t, 0)
	f.store.SetStakes(f.company.ID, []game.EquityStake{
		{CompanyID: f.company.ID, HolderID: f.founder.ID, Percent: 40},
		{CompanyID: f.company.ID, HolderID: other.ID, Percent: 60},
	})
	inv := f.investor(t, 7_777)

	res, err := f.engine.Invest(ctx, f.company.ID, inv.ID, 5_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != game.ConstraintViolation {
		t.Fatalf("kind=%s reason=%s", res.Kind, res.Reason)
	}
	if !strings.Contains(res.Reason, "at most 3333") {
		t.Fatalf("reason should carry the investable hint: %q", res.Reason)
	}
	user, _ := f.store.User(ctx, inv.ID)
	if user.Balance != 7_777 {
		t.Fatalf("refund mismatch: balance=%d", user.Balance)
	}
	stakes, _ := f.store.Stakes(ctx, f.company.ID)
	if len(stakes) != 2 || holderPercent(stakes, f.founder.ID) != 40 {
		t.Fatalf("cap table changed on rejection: %+v", stakes)
	}
	acct, _ := f.store.Get(ctx, game.CompanyRef(f.company.ID))
	if acct.Balance != 10_000 {
		t.Fatalf("company credited on rejection: %d", acct.Balance)
	}
}

func TestInvestCeilingRejectedBeforeLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Options{})
	inv := f.investor(t, 20_000_000)
	before, _ := f.store.Get(ctx, game.UserRef(inv.ID))

	res, err := f.engine.Invest(ctx, f.company.ID, inv.ID, config.DefaultEconomy().MaxSingleInvestment+1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != game.ConstraintViolation {
		t.Fatalf("kind=%s", res.Kind)
	}
	after, _ := f.store.Get(ctx, game.UserRef(inv.ID))
	if after != before {
		t.Fatalf("ledger touched: before=%+v after=%+v", before, after)
	}
}

func TestInvestEquityConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50_000, Options{})
	rng := rand.New(rand.NewSource(42))
	holders := []game.User{f.founder}
	for i := 0; i < 4; i++ {
		holders = append(holders, f.investor(t, 1_000_000))
	}
	_ = f.store.UpdateUser(f.founder.ID, func(u *game.User) { u.Balance = 1_000_000 })

	for i := 0; i < 60; i++ {
		h := holders[rng.Intn(len(holders))]
		amount := rng.Int63n(20_000) + 1
		if _, err := f.engine.Invest(ctx, f.company.ID, h.ID, amount); err != nil {
			t.Fatal(err)
		}
		stakes, _ := f.store.Stakes(ctx, f.company.ID)
		if sum := game.SumPercent(stakes); math.Abs(sum-100) > game.PercentTolerance {
			t.Fatalf("step %d: stakes sum to %v", i, sum)
		}
	}
}

func TestInvestConcurrentRecomputes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Options{})
	a := f.investor(t, 1000)
	b := f.investor(t, 1000)

	var wg sync.WaitGroup
	results := make([]InvestResult, 2)
	for i, u := range []game.User{a, b} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			res, err := f.engine.Invest(ctx, f.company.ID, id, 500)
			if err != nil {
				t.Errorf("invest: %v", err)
			}
			results[i] = res
		}(i, u.ID)
	}
	wg.Wait()
	for _, r := range results {
		if !r.OK() {
			t.Fatalf("concurrent invest failed: %s", r.Reason)
		}
	}
	stakes, _ := f.store.Stakes(ctx, f.company.ID)
	if len(stakes) != 3 || !game.CapTableBalanced(stakes) {
		t.Fatalf("unexpected cap table: %+v", stakes)
	}
	acct, _ := f.store.Get(ctx, game.CompanyRef(f.company.ID))
	if acct.Balance != 11_000 {
		t.Fatalf("company balance=%d", acct.Balance)
	}
}

func TestInvestWithLockReleases(t *testing.T) {
	ctx := context.Background()
	locks := kv.NewMemory()
	f := newFixture(t, 10_000, Options{Locks: locks})
	inv := f.investor(t, 1000)
	res, err := f.engine.Invest(ctx, f.company.ID, inv.ID, 100)
	if err != nil || !res.OK() {
		t.Fatalf("invest: %v %+v", err, res)
	}
	if _, held, _ := locks.Get(ctx, "lock:invest:1"); held {
		t.Fatalf("invest lock not released")
	}
}

func TestInvestFounderSkipsFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000, Options{})
	_ = f.store.UpdateUser(f.founder.ID, func(u *game.User) { u.Balance = 100_000 })
	res, err := f.engine.Invest(ctx, f.company.ID, f.founder.ID, 50_000)
	if err != nil || !res.OK() {
		t.Fatalf("founder invest: %v %+v", err, res)
	}
	if res.NewStakePct != game.MaxNewStakePct {
		t.Fatalf("new stake should hit the ceiling, got %v", res.NewStakePct)
	}
	stakes, _ := f.store.Stakes(ctx, f.company.ID)
	if len(stakes) != 1 || !near(stakes[0].Percent, 100) {
		t.Fatalf("sole founder should stay at 100%%: %+v", stakes)
	}
}

func TestInvestFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Options{})
	poor := f.investor(t, 10)

	res, _ := f.engine.Invest(ctx, f.company.ID, poor.ID, 500)
	if res.Kind != game.InsufficientFunds {
		t.Fatalf("kind=%s", res.Kind)
	}
	res, _ = f.engine.Invest(ctx, 999, poor.ID, 5)
	if res.Kind != game.EntityNotFound {
		t.Fatalf("kind=%s", res.Kind)
	}
	res, _ = f.engine.Invest(ctx, f.company.ID, poor.ID, 0)
	if res.Kind != game.ConstraintViolation {
		t.Fatalf("kind=%s", res.Kind)
	}
}

func TestMaxInvestable(t *testing.T) {
	if got := MaxInvestable(40, 30, 10_000); got != 3333 {
		t.Fatalf("got %d", got)
	}
	if got := MaxInvestable(25, 30, 10_000); got != 0 {
		t.Fatalf("founder already below floor should allow 0, got %d", got)
	}
}

func TestInvestableHintRespectsCeiling(t *testing.T) {
	f := newFixture(t, 10_000, Options{})
	ceiling := config.DefaultEconomy().MaxSingleInvestment

	if got := f.engine.investableHint(40, 10_000); got != 3333 {
		t.Fatalf("small company hint=%d", got)
	}
	if got := f.engine.investableHint(31, 1_000_000_000); got != ceiling {
		t.Fatalf("hint=%d, want ceiling %d", got, ceiling)
	}
	if got := f.engine.investableHint(100, 10_000); got != ceiling {
		t.Fatalf("unbounded headroom hint=%d", got)
	}
	if got := MaxInvestable(100, 30, 10_000); got != math.MaxInt64 {
		t.Fatalf("headroom beyond the stake cap should be unbounded, got %d", got)
	}
}

func TestDiluteExistingHolder(t *testing.T) {
	stakes := []game.EquityStake{
		{CompanyID: 1, HolderID: 1, Percent: 80, InvestedAmount: 100},
		{CompanyID: 1, HolderID: 2, Percent: 20, InvestedAmount: 50},
	}
	next := Dilute(stakes, 1, 2, 25, 30)
	if stakes[1].Percent != 20 {
		t.Fatalf("input mutated")
	}
	if !near(next[0].Percent, 64) || !near(next[1].Percent, 36) {
		t.Fatalf("unexpected dilution: %+v", next)
	}
	if next[1].InvestedAmount != 80 {
		t.Fatalf("invested amount=%d", next[1].InvestedAmount)
	}
}

func TestCreateCompany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, Options{})
	cost := config.DefaultEconomy().CompanyCreationCost
	owner := f.investor(t, cost+10)

	res, err := f.engine.CreateCompany(ctx, owner.ID, "Globex", "media")
	if err != nil || !res.OK() {
		t.Fatalf("create: %v %+v", err, res)
	}
	if res.Company.Balance != cost {
		t.Fatalf("opening funds=%d", res.Company.Balance)
	}
	u, _ := f.store.User(ctx, owner.ID)
	if u.Balance != 10 {
		t.Fatalf("owner balance=%d", u.Balance)
	}

	_ = f.store.UpdateUser(owner.ID, func(u *game.User) { u.Balance = cost })
	res, err = f.engine.CreateCompany(ctx, owner.ID, "globex", "media")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != game.ConstraintViolation {
		t.Fatalf("duplicate name kind=%s", res.Kind)
	}
	u, _ = f.store.User(ctx, owner.ID)
	if u.Balance != cost {
		t.Fatalf("duplicate name not refunded: %d", u.Balance)
	}

	res, _ = f.engine.CreateCompany(ctx, owner.ID, "Initech", "spaceships")
	if res.Kind != game.ConstraintViolation {
		t.Fatalf("unknown type kind=%s", res.Kind)
	}
}
