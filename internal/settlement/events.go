package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/store"
)

type Effect string

const (
	EffectIncomePct      Effect = "income_pct"
	EffectFlatFunds      Effect = "flat_funds"
	EffectReputation     Effect = "reputation"
	EffectEmployees      Effect = "employees"
	EffectProductQuality Effect = "product_quality"
)

type Event struct {
	Name        string
	Description string
	Category    string
	Effect      Effect
	Value       float64
	Weight      float64
}

func (e Event) Negative() bool { return e.Value < 0 }

// Catalogue is the default daily event table.
var Catalogue = []Event{
	{"Key engineer quits", "A core engineer handed in their notice", "employee", EffectEmployees, -1, 12},
	{"Retirement", "A senior employee reached retirement age", "employee", EffectEmployees, -1, 8},
	{"Holiday season", "Seasonal leave slowed the team down", "employee", EffectIncomePct, -0.03, 20},
	{"Star hire", "Poached a senior engineer from a competitor", "employee", EffectEmployees, 1, 10},
	{"Team offsite", "The offsite paid off in morale", "employee", EffectIncomePct, 0.05, 15},
	{"Staff award", "An employee won an industry competition", "employee", EffectReputation, 5, 8},
	{"Flu wave", "Several employees called in sick", "employee", EffectIncomePct, -0.08, 6},
	{"Parental leave", "A team member started parental leave", "employee", EffectIncomePct, -0.02, 8},
	{"Sector tailwind", "New policy support lifted the whole sector", "market", EffectIncomePct, 0.15, 8},
	{"Downturn", "Demand shrank with the economy", "market", EffectIncomePct, -0.12, 8},
	{"Rival collapses", "A major competitor imploded and customers moved over", "market", EffectFlatFunds, 1000, 5},
	{"Supply shock", "Upstream suppliers failed and costs rose", "market", EffectFlatFunds, -500, 10},
	{"Press feature", "A well known outlet ran a glowing story", "pr", EffectReputation, 8, 10},
	{"PR crisis", "Negative coverage spread online", "pr", EffectReputation, -5, 8},
	{"Keynote goes viral", "The CEO's talk went viral", "pr", EffectReputation, 12, 5},
	{"Windfall", "An unexpected investment arrived", "lucky", EffectFlatFunds, 2000, 3},
	{"Industry award", "A product won product of the year", "lucky", EffectReputation, 20, 2},
	{"Outage", "A severe outage needed an expensive fix", "lucky", EffectFlatFunds, -800, 7},
	{"Rave reviews", "Users love the product and tell their friends", "market", EffectProductQuality, 3, 10},
	{"Production bug", "A serious bug shipped and is being hotfixed", "market", EffectProductQuality, -2, 12},
}

// Rand is the randomness the overlay draws from.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand makes a *rand.Rand safe for the batch's concurrent workers.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLockedRand returns a seeded Rand safe for concurrent use.
func NewLockedRand(seed int64) Rand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func clampAttr(v int) float64 {
	return float64(min(max(v, 0), 100))
}

// AdjustedWeights scales negative-event weights by the operating profile:
// culture lowers them, low ethics and high regulatory pressure raise them.
func AdjustedWeights(events []Event, p game.OperatingProfile) []float64 {
	culture := clampAttr(p.Culture)
	ethics := clampAttr(p.Ethics)
	regulation := clampAttr(p.RegulationPressure)
	negFactor := (1 - culture/100*0.5) * (1 + max(0, 50-ethics)/100) * (1 + regulation/200)

	out := make([]float64, len(events))
	for i, e := range events {
		w := e.Weight
		if e.Negative() {
			w *= negFactor
		}
		out[i] = max(w, 0)
	}
	return out
}

func pickWeighted(r Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return -1
	}
	x := r.Float64() * total
	for i, w := range weights {
		if x < w {
			return i
		}
		x -= w
	}
	return len(weights) - 1
}

// Draw rolls the day's events. Without a guarantee nothing happens unless the
// chance gate passes; one event is drawn 75% of the time and two otherwise,
// deduplicated by name. guaranteePositive skips the gate and ensures at least
// one positive event.
func Draw(r Rand, events []Event, p game.OperatingProfile, chance float64, guaranteePositive bool) []Event {
	if len(events) == 0 {
		return nil
	}
	if !guaranteePositive && r.Float64() >= chance {
		return nil
	}
	n := 1
	if r.Float64() < 0.25 {
		n = 2
	}

	weights := AdjustedWeights(events, p)
	seen := map[string]bool{}
	var picked []Event
	for i := 0; i < n; i++ {
		idx := pickWeighted(r, weights)
		if idx < 0 || seen[events[idx].Name] {
			continue
		}
		seen[events[idx].Name] = true
		picked = append(picked, events[idx])
	}

	if guaranteePositive && !hasPositive(picked) {
		posWeights := make([]float64, len(weights))
		for i, e := range events {
			if !e.Negative() {
				posWeights[i] = weights[i]
			}
		}
		if idx := pickWeighted(r, posWeights); idx >= 0 && !seen[events[idx].Name] {
			picked = append([]Event{events[idx]}, picked...)
		}
	}
	return picked
}

func hasPositive(events []Event) bool {
	for _, e := range events {
		if !e.Negative() {
			return true
		}
	}
	return false
}

type overlayStore interface {
	store.Attributes
	Products(ctx context.Context, companyID int64) ([]game.Product, error)
}

// Overlay applies drawn events to the company and its owner.
type Overlay struct {
	store  overlayStore
	ledger *ledger.Ledger
	kv     kv.Coordinator
	econ   config.Economy
	rng    Rand
	logger *slog.Logger
}

type OverlayResult struct {
	Messages   []string
	FundsDelta int64
	Hedged     bool
}

// Apply folds events into balances and attributes. The first negative event is
// absorbed instead when the company holds a risk hedge, which is consumed.
func (o *Overlay) Apply(ctx context.Context, c game.Company, productIncome int64, events []Event) (OverlayResult, error) {
	var res OverlayResult
	hedgeChecked := false
	for _, e := range events {
		if e.Negative() && !hedgeChecked {
			hedgeChecked = true
			consumed, err := kv.ConsumeBuff(ctx, o.kv, c.ID, kv.BuffRiskHedge)
			if err != nil {
				o.logger.Warn("risk hedge lookup failed", "company_id", c.ID, "err", err)
			}
			if consumed {
				res.Hedged = true
				res.Messages = append(res.Messages, fmt.Sprintf("[%s] %s: absorbed by risk hedge", e.Category, e.Name))
				continue
			}
		}

		effect, delta, err := o.applyOne(ctx, c, productIncome, e)
		if err != nil {
			return res, fmt.Errorf("event %q: %w", e.Name, err)
		}
		res.FundsDelta += delta
		res.Messages = append(res.Messages, fmt.Sprintf("[%s] %s: %s -> %s", e.Category, e.Name, e.Description, effect))

		if _, err := kv.AddPoints(ctx, o.kv, c.OwnerID, 1); err != nil {
			o.logger.Warn("event points failed", "user_id", c.OwnerID, "err", err)
		}
	}
	return res, nil
}

func (o *Overlay) applyOne(ctx context.Context, c game.Company, productIncome int64, e Event) (string, int64, error) {
	switch e.Effect {
	case EffectIncomePct:
		return o.applyFunds(ctx, c, game.MulRate(productIncome, e.Value))
	case EffectFlatFunds:
		return o.applyFunds(ctx, c, int64(e.Value))
	case EffectReputation:
		rep, err := o.store.AdjustReputation(ctx, c.OwnerID, int64(e.Value))
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("reputation %+d (now %d)", int64(e.Value), rep), 0, nil
	case EffectEmployees:
		n, err := o.store.AdjustEmployees(ctx, c.ID, int(e.Value), o.econ.EmployeeLimit(c.Level))
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("headcount %+d (now %d)", int(e.Value), n), 0, nil
	case EffectProductQuality:
		products, err := o.store.Products(ctx, c.ID)
		if err != nil {
			return "", 0, err
		}
		if len(products) == 0 {
			return "no product affected", 0, nil
		}
		target := products[o.rng.Intn(len(products))]
		q, err := o.store.AdjustProductQuality(ctx, target.ID, int(e.Value))
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s quality %+d (now %d)", target.Name, int(e.Value), q), 0, nil
	default:
		return "", 0, fmt.Errorf("unknown effect %q", e.Effect)
	}
}

func (o *Overlay) applyFunds(ctx context.Context, c game.Company, delta int64) (string, int64, error) {
	if delta == 0 {
		return "funds unchanged", 0, nil
	}
	out, err := o.ledger.Adjust(ctx, game.CompanyRef(c.ID), delta, ledger.BoundedRetry(o.econ.RetryAttempts))
	if err != nil {
		return "", 0, err
	}
	if !out.OK() {
		return fmt.Sprintf("funds unchanged (%s)", out.Reason), 0, nil
	}
	return fmt.Sprintf("funds %+d", delta), delta, nil
}
