package settlement

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"empire/internal/bus"
	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/store"
	"empire/internal/store/memory"
)

const day = "2026-03-01"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedRand replays floats in order, then keeps returning 0.99 so no
// further events fire.
type scriptedRand struct {
	floats []float64
}

func (r *scriptedRand) Float64() float64 {
	if len(r.floats) == 0 {
		return 0.99
	}
	f := r.floats[0]
	r.floats = r.floats[1:]
	return f
}

func (r *scriptedRand) Intn(int) int { return 0 }

// faultyStore breaks RealEstateIncome for chosen companies.
type faultyStore struct {
	*memory.Store
	failOn  int64
	panicOn int64
}

func (f *faultyStore) RealEstateIncome(ctx context.Context, companyID int64) (int64, error) {
	switch companyID {
	case f.panicOn:
		panic("estate table corrupted")
	case f.failOn:
		return 0, errors.New("estate service offline")
	}
	return f.Store.RealEstateIncome(ctx, companyID)
}

type fixture struct {
	mem      *memory.Store
	st       *faultyStore
	kv       *kv.Memory
	rng      *scriptedRand
	events   *bus.Recorder
	pipeline *Pipeline
	owner    game.User
}

func newFixture(t *testing.T, catalogue []Event) *fixture {
	t.Helper()
	mem := memory.New()
	mem.SetClock(func() time.Time { return testNow })
	coord := kv.NewMemory()
	coord.SetClock(func() time.Time { return testNow })
	owner, err := mem.CreateUser(context.Background(), "owner", 0)
	if err != nil {
		t.Fatal(err)
	}
	data, err := config.LoadGameData("")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		mem:    mem,
		st:     &faultyStore{Store: mem},
		kv:     coord,
		rng:    &scriptedRand{},
		events: &bus.Recorder{},
		owner:  owner,
	}
	f.pipeline = NewPipeline(f.st, ledger.New(mem, nil), coord, config.DefaultEconomy(), data, Options{
		Publisher: f.events,
		Rand:      f.rng,
		Now:       func() time.Time { return testNow },
		Events:    catalogue,
	})
	return f
}

// company creates a finance company (5% income bonus, no cost modifier)
// well outside the newbie window.
func (f *fixture) company(t *testing.T, name string, funds int64) game.Company {
	t.Helper()
	c, err := f.mem.CreateCompany(context.Background(), store.NewCompany{
		Name:         name,
		Type:         "finance",
		OwnerID:      f.owner.ID,
		InitialFunds: funds,
		CreatedAt:    testNow.Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) reload(t *testing.T, id int64) game.Company {
	t.Helper()
	c, err := f.mem.Company(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSettleCompanyProfitAndDividends(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.company(t, "Acme", 5000)
	f.mem.AddProduct(game.Product{CompanyID: c.ID, Name: "Widget", DailyIncome: 1000, AssignedEmployees: 1})

	got, err := f.pipeline.SettleCompany(ctx, c, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	r := got.Report
	// gross 1000 + 5% type bonus; tax 52; opex 52 + salary 50 + insurance 1.
	want := map[string][2]int64{
		"gross":     {r.GrossIncome, 1050},
		"type":      {r.TypeBonus, 50},
		"tax":       {r.Tax, 52},
		"operating": {r.OperatingCost, 155},
		"profit":    {r.Profit, 895},
		"dividend":  {r.DividendPaid, 716},
		"balance":   {r.BalanceAfter, 5895},
		"valuation": {r.Valuation, 5895 + 1000*30},
	}
	for name, v := range want {
		if v[0] != v[1] {
			t.Errorf("%s = %d, want %d", name, v[0], v[1])
		}
	}

	owner, _ := f.mem.User(ctx, f.owner.ID)
	if owner.Balance != 716 || owner.Reputation != 3 {
		t.Fatalf("owner balance/reputation = %d/%d", owner.Balance, owner.Reputation)
	}
	if pts, _, _ := f.kv.Get(ctx, kv.PointsKey(f.owner.ID)); pts != "2" {
		t.Fatalf("points = %q", pts)
	}
	if ok, _ := f.mem.ReportExists(ctx, c.ID, day); !ok {
		t.Fatal("report not persisted")
	}
	top, err := kv.Leaderboard(ctx, f.kv, kv.BoardFunds, 10)
	if err != nil || len(top) != 1 || top[0].Score != 5895 {
		t.Fatalf("leaderboard = %+v, %v", top, err)
	}
	if len(f.events.OfType(bus.CompanySettled)) != 1 {
		t.Fatal("expected company.settled event")
	}
}

func TestSettleCompanyClampsLossAtZero(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.company(t, "Sinking", 100)
	if err := f.mem.UpdateCompany(c.ID, func(c *game.Company) { c.EmployeeCount = 10 }); err != nil {
		t.Fatal(err)
	}
	c = f.reload(t, c.ID)

	got, err := f.pipeline.SettleCompany(ctx, c, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got.Report.Profit != -510 {
		t.Fatalf("profit = %d, want -510", got.Report.Profit)
	}
	if got.Report.ProfitApplied != -100 || got.Report.BalanceAfter != 0 {
		t.Fatalf("applied %d, balance %d", got.Report.ProfitApplied, got.Report.BalanceAfter)
	}
	if got.Report.DividendPaid != 0 {
		t.Fatalf("dividends paid on a loss: %d", got.Report.DividendPaid)
	}
	if acct, _ := f.mem.Get(ctx, game.CompanyRef(c.ID)); acct.Balance != 0 {
		t.Fatalf("stored balance = %d", acct.Balance)
	}
}

func TestCooperationBonusDoesNotStack(t *testing.T) {
	f := newFixture(t, nil)
	c := f.company(t, "Partnered", 0)
	other := f.company(t, "Partner", 0)
	f.mem.AddProduct(game.Product{CompanyID: c.ID, Name: "Widget", DailyIncome: 1000})
	f.mem.AddCooperation(c.ID, other.ID, 0.2, testNow.Add(time.Hour))
	f.mem.AddCooperation(other.ID, c.ID, 0.5, testNow.Add(time.Hour))
	f.mem.AddCooperation(c.ID, other.ID, 0.9, testNow.Add(-time.Hour))

	got, err := f.pipeline.SettleCompany(context.Background(), c, day)
	if err != nil {
		t.Fatal(err)
	}
	if got.Report.CooperationBonus != 500 {
		t.Fatalf("cooperation bonus = %d, want 500", got.Report.CooperationBonus)
	}
}

func TestSettleCompanyOncePerDate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.company(t, "Acme", 5000)
	f.mem.AddProduct(game.Product{CompanyID: c.ID, Name: "Widget", DailyIncome: 1000})

	if _, err := f.pipeline.SettleCompany(ctx, c, day); err != nil {
		t.Fatal(err)
	}
	before, _ := f.mem.Get(ctx, game.CompanyRef(c.ID))
	owner, _ := f.mem.User(ctx, f.owner.ID)

	if _, err := f.pipeline.SettleCompany(ctx, f.reload(t, c.ID), day); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second run err = %v, want ErrAlreadySettled", err)
	}
	after, _ := f.mem.Get(ctx, game.CompanyRef(c.ID))
	ownerAfter, _ := f.mem.User(ctx, f.owner.ID)
	if after != before || ownerAfter.Balance != owner.Balance {
		t.Fatal("second run changed balances")
	}
}

func TestFailedSettlementReleasesClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.company(t, "Acme", 5000)

	f.st.failOn = c.ID
	if _, err := f.pipeline.SettleCompany(ctx, c, day); err == nil {
		t.Fatal("expected failure")
	}
	if _, ok, _ := f.kv.Get(ctx, claimKey(day, c.ID)); ok {
		t.Fatal("claim kept after failure before any balance change")
	}
	f.st.failOn = 0
	if _, err := f.pipeline.SettleCompany(ctx, c, day); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

var twoEvents = []Event{
	{Name: "Outage", Category: "lucky", Effect: EffectFlatFunds, Value: -100, Weight: 1},
	{Name: "Windfall", Category: "lucky", Effect: EffectFlatFunds, Value: 200, Weight: 1},
}

func TestNewbieGuaranteeFiresOnce(t *testing.T) {
	f := newFixture(t, twoEvents)
	ctx := context.Background()
	c, err := f.mem.CreateCompany(ctx, store.NewCompany{Name: "Fresh", Type: "finance", OwnerID: f.owner.ID, InitialFunds: 1000, CreatedAt: testNow.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.pipeline.SettleCompany(ctx, c, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 1 || !strings.Contains(got.Events[0], "Windfall") {
		t.Fatalf("events = %v, want the positive event", got.Events)
	}
	if got.Report.EventFundsDelta != 200 {
		t.Fatalf("event funds = %d", got.Report.EventFundsDelta)
	}
	c = f.reload(t, c.ID)
	if !c.NewbieEventGranted {
		t.Fatal("newbie flag not set")
	}

	got, err = f.pipeline.SettleCompany(ctx, c, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 0 {
		t.Fatalf("guarantee fired twice: %v", got.Events)
	}
}

func TestRiskHedgeAbsorbsOneNegativeEvent(t *testing.T) {
	f := newFixture(t, twoEvents[:1])
	ctx := context.Background()
	c := f.company(t, "Hedged", 1000)
	if _, err := kv.GrantBuff(ctx, f.kv, c.ID, kv.BuffRiskHedge, "1", 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	// gate passes, one draw
	f.rng.floats = []float64{0, 0.99, 0.5}
	got, err := f.pipeline.SettleCompany(ctx, c, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 1 || !strings.Contains(got.Events[0], "absorbed by risk hedge") {
		t.Fatalf("events = %v", got.Events)
	}
	if got.Report.EventFundsDelta != 0 {
		t.Fatalf("hedged event moved funds: %d", got.Report.EventFundsDelta)
	}
	if has, _ := kv.HasBuff(ctx, f.kv, c.ID, kv.BuffRiskHedge); has {
		t.Fatal("risk hedge not consumed")
	}

	f.rng.floats = []float64{0, 0.99, 0.5}
	got, err = f.pipeline.SettleCompany(ctx, f.reload(t, c.ID), "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if got.Report.EventFundsDelta != -100 {
		t.Fatalf("unhedged event funds = %d, want -100", got.Report.EventFundsDelta)
	}
}

func TestSettleAllIsolatesFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(f *fixture, id int64)
	}{
		{"error", func(f *fixture, id int64) { f.st.failOn = id }},
		{"panic", func(f *fixture, id int64) { f.st.panicOn = id }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ids := []int64{
				f.company(t, "One", 100).ID,
				f.company(t, "Two", 100).ID,
				f.company(t, "Three", 100).ID,
			}
			tc.setup(f, ids[1])
			b := NewBatch(f.pipeline, f.st, 2)

			sum, err := b.SettleAll(context.Background(), day)
			if err != nil {
				t.Fatal(err)
			}
			if len(sum.Settled) != 2 || sum.Settled[0].Company.ID != ids[0] || sum.Settled[1].Company.ID != ids[2] {
				t.Fatalf("settled = %+v", sum.Settled)
			}
			if len(sum.Failed) != 1 || sum.Failed[0].CompanyID != ids[1] {
				t.Fatalf("failed = %+v", sum.Failed)
			}

			again, err := b.SettleAll(context.Background(), day)
			if err != nil {
				t.Fatal(err)
			}
			if len(again.Settled) != 0 || len(again.Skipped) != 2 {
				t.Fatalf("rerun settled=%d skipped=%v", len(again.Settled), again.Skipped)
			}
		})
	}
}

func TestSettleAllRunsIntegritySweep(t *testing.T) {
	f := newFixture(t, nil)
	c := f.company(t, "Broken", 0)
	if err := f.mem.UpdateCompany(c.ID, func(c *game.Company) { c.Balance = -50 }); err != nil {
		t.Fatal(err)
	}
	sum, err := NewBatch(f.pipeline, f.st, 1).SettleAll(context.Background(), day)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Repairs) == 0 {
		t.Fatal("expected an integrity repair")
	}
	if len(sum.Settled) != 1 || sum.Settled[0].Report.BalanceAfter != 0 {
		t.Fatalf("settled = %+v", sum.Settled)
	}
}

func TestSettleAllRejectsBadDate(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := NewBatch(f.pipeline, f.st, 1).SettleAll(context.Background(), "yesterday"); err == nil {
		t.Fatal("expected date error")
	}
}

func TestRunCyclePublishesSummary(t *testing.T) {
	f := newFixture(t, nil)
	f.company(t, "Acme", 100)
	sum, err := NewBatch(f.pipeline, f.st, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Date != day {
		t.Fatalf("date = %s", sum.Date)
	}
	if got := f.events.OfType(bus.SettlementCompleted); len(got) != 1 || got[0].Key != "settlement:"+day {
		t.Fatalf("summary events = %+v", got)
	}
}

func TestAdjustedWeights(t *testing.T) {
	events := []Event{
		{Name: "bad", Value: -1, Weight: 10},
		{Name: "good", Value: 1, Weight: 10},
	}
	for _, tc := range []struct {
		name    string
		profile game.OperatingProfile
		want    float64
	}{
		{"default", game.DefaultProfile(1), 9},
		{"worst", game.OperatingProfile{Culture: 0, Ethics: 0, RegulationPressure: 100}, 22.5},
		{"best", game.OperatingProfile{Culture: 100, Ethics: 100, RegulationPressure: 0}, 5},
		{"clamped", game.OperatingProfile{Culture: 500, Ethics: 500, RegulationPressure: -20}, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := AdjustedWeights(events, tc.profile)
			if math.Abs(w[0]-tc.want) > 1e-9 {
				t.Fatalf("negative weight = %v, want %v", w[0], tc.want)
			}
			if w[1] != 10 {
				t.Fatalf("positive weight changed: %v", w[1])
			}
		})
	}
}

func TestDraw(t *testing.T) {
	profile := game.DefaultProfile(1)

	if got := Draw(&scriptedRand{floats: []float64{0.5}}, twoEvents, profile, 0.35, false); got != nil {
		t.Fatalf("gate closed but drew %v", got)
	}

	// two draws landing on the same event collapse to one
	got := Draw(&scriptedRand{floats: []float64{0, 0.1, 0.1, 0.1}}, twoEvents, profile, 0.35, false)
	if len(got) != 1 || got[0].Name != "Outage" {
		t.Fatalf("dedupe: %v", got)
	}

	got = Draw(&scriptedRand{floats: []float64{0, 0.1, 0.1, 0.9}}, twoEvents, profile, 0.35, false)
	if len(got) != 2 {
		t.Fatalf("two draws: %v", got)
	}

	// guarantee prepends a positive event when only a negative one was drawn
	got = Draw(&scriptedRand{floats: []float64{0.99, 0.1}}, twoEvents, profile, 0, true)
	if len(got) != 2 || got[0].Name != "Windfall" || got[1].Name != "Outage" {
		t.Fatalf("guarantee: %v", got)
	}

	seeded := func() []Event { return Draw(NewLockedRand(42), Catalogue, profile, 0.35, false) }
	a, b := seeded(), seeded()
	if len(a) != len(b) {
		t.Fatalf("seeded draws differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			t.Fatalf("seeded draws differ: %v vs %v", a, b)
		}
	}
}

func TestBestMultiplierAndReputationBuff(t *testing.T) {
	if got := BestMultiplier([]float64{0.1, 0.4, 0.2}); got != 0.4 {
		t.Fatalf("best = %v", got)
	}
	if got := BestMultiplier(nil); got != 0 {
		t.Fatalf("best of none = %v", got)
	}
	econ := config.DefaultEconomy()
	if got := ReputationBuff(100, econ); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("buff(100) = %v", got)
	}
	if got := ReputationBuff(10_000, econ); got != econ.MaxReputationBuff {
		t.Fatalf("buff not capped: %v", got)
	}
	if got := ReputationBuff(-5, econ); got != 0 {
		t.Fatalf("negative reputation buff = %v", got)
	}
}

func TestFormatReport(t *testing.T) {
	out := FormatReport("Acme", game.DailyReport{
		Date:          day,
		ProductIncome: 1234567,
		GrossIncome:   1234567,
		Profit:        -500,
		ProfitApplied: -100,
		EventMessages: []string{"[market] Downturn: demand shrank -> funds -50"},
	})
	for _, want := range []string{"Acme (2026-03-01)", "1,234,567", "balance floored at 0", "Downturn"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Level bonus") {
		t.Errorf("zero lines should be omitted:\n%s", out)
	}
}
