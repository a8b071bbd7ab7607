// Package settlement runs the daily per-company settlement and the batch that
// drives it across every company.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"empire/internal/bus"
	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/store"
)

type Store interface {
	store.Accounts
	store.Entities
	store.Sources
	store.Attributes
	store.Reports
}

type Options struct {
	Publisher bus.Publisher
	Logger    *slog.Logger
	// Rand must be safe for concurrent use; see NewLockedRand.
	Rand   Rand
	Now    func() time.Time
	Events []Event
}

type Pipeline struct {
	store     Store
	ledger    *ledger.Ledger
	kv        kv.Coordinator
	econ      config.Economy
	data      *config.GameData
	overlay   *Overlay
	events    []Event
	rng       Rand
	publisher bus.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func NewPipeline(st Store, l *ledger.Ledger, coord kv.Coordinator, econ config.Economy, data *config.GameData, opts Options) *Pipeline {
	p := &Pipeline{
		store:     st,
		ledger:    l,
		kv:        coord,
		econ:      econ,
		data:      data,
		events:    opts.Events,
		rng:       opts.Rand,
		publisher: opts.Publisher,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if p.events == nil {
		p.events = Catalogue
	}
	if p.rng == nil {
		p.rng = NewLockedRand(time.Now().UnixNano())
	}
	if p.publisher == nil {
		p.publisher = bus.Nop{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.overlay = &Overlay{store: st, ledger: l, kv: coord, econ: econ, rng: p.rng, logger: p.logger}
	return p
}

// Settled is one company's finished cycle.
type Settled struct {
	Company game.Company     `json:"company"`
	Report  game.DailyReport `json:"report"`
	Events  []string         `json:"events"`
}

// ErrAlreadySettled means the company already has a report or a live claim for the date.
var ErrAlreadySettled = errors.New("already settled for this date")

func claimKey(date string, companyID int64) string {
	return fmt.Sprintf("settle:%s:%d", date, companyID)
}

// SettleCompany runs one company's cycle for date (YYYY-MM-DD). A company is
// settled at most once per date: the durable report is checked first, then a
// claim is taken in the coordinator. The claim is released on failure or
// panic only if no balance was touched yet, so a crash after the first ledger
// write skips the day rather than applying it twice.
func (p *Pipeline) SettleCompany(ctx context.Context, c game.Company, date string) (Settled, error) {
	done, err := p.store.ReportExists(ctx, c.ID, date)
	if err != nil {
		return Settled{}, fmt.Errorf("check report: %w", err)
	}
	if done {
		return Settled{}, ErrAlreadySettled
	}
	claimed, err := p.kv.SetIfAbsent(ctx, claimKey(date, c.ID), uuid.NewString(), p.econ.SettleClaimTTL)
	if err != nil {
		return Settled{}, fmt.Errorf("claim settlement: %w", err)
	}
	if !claimed {
		return Settled{}, ErrAlreadySettled
	}
	mutated, finished := false, false
	defer func() {
		if !finished && !mutated {
			if _, derr := p.kv.Delete(context.WithoutCancel(ctx), claimKey(date, c.ID)); derr != nil {
				p.logger.Warn("release settlement claim", "company_id", c.ID, "err", derr)
			}
		}
	}()

	now := p.now().UTC()
	r := game.DailyReport{ID: uuid.NewString(), CompanyID: c.ID, Date: date, CreatedAt: now}

	productIncome, err := p.store.RefreshProductIncome(ctx, c.ID)
	if err != nil {
		return Settled{}, fmt.Errorf("product income: %w", err)
	}
	r.ProductIncome = productIncome
	c.DailyRevenue = productIncome

	r.LevelBonus = p.data.LevelBonus(c.Level)

	multipliers, err := p.store.CooperationMultipliers(ctx, c.ID, now)
	if err != nil {
		return Settled{}, fmt.Errorf("cooperations: %w", err)
	}
	r.CooperationBonus = game.MulRate(productIncome, BestMultiplier(multipliers))

	if r.RealEstateIncome, err = p.store.RealEstateIncome(ctx, c.ID); err != nil {
		return Settled{}, fmt.Errorf("real estate: %w", err)
	}

	owner, err := p.store.User(ctx, c.OwnerID)
	if err != nil {
		return Settled{}, fmt.Errorf("owner: %w", err)
	}
	r.ReputationBonus = game.MulRate(productIncome, ReputationBuff(owner.Reputation, p.econ))

	adBoost, err := kv.AdBoost(ctx, p.kv, c.ID)
	if err != nil {
		p.logger.Warn("ad boost lookup failed", "company_id", c.ID, "err", err)
	}
	shopBuff, err := kv.ShopIncomeBuff(ctx, p.kv, c.ID)
	if err != nil {
		p.logger.Warn("shop buff lookup failed", "company_id", c.ID, "err", err)
	}
	r.AdBonus = game.MulRate(productIncome, adBoost)
	r.ShopBuffBonus = game.MulRate(productIncome, shopBuff)
	r.TypeBonus = game.MulRate(productIncome, p.data.TypeIncomeBonus(c.Type))

	ComputeCosts(&r, c.EmployeeCount, p.data.CostModifier(c.Type), p.econ)

	if r.Profit != 0 {
		out, err := p.ledger.AdjustClamped(ctx, game.CompanyRef(c.ID), r.Profit, ledger.SingleAttempt())
		if err != nil {
			return Settled{}, fmt.Errorf("apply profit: %w", err)
		}
		if !out.OK() {
			return Settled{}, fmt.Errorf("apply profit: %w", out.Err())
		}
		mutated = true
		r.ProfitApplied = out.Applied
		if out.Applied != r.Profit {
			p.logger.Warn("settlement loss clamped at zero", "company_id", c.ID, "profit", r.Profit, "applied", out.Applied)
		}
	}

	if r.Profit > 0 {
		paid, err := p.payDividends(ctx, c, r.Profit)
		mutated = mutated || paid > 0
		if err != nil {
			return Settled{}, fmt.Errorf("dividends: %w", err)
		}
		r.DividendPaid = paid
	}

	events, err := p.rollEvents(ctx, c, now)
	if err != nil {
		return Settled{}, err
	}
	applied, err := p.overlay.Apply(ctx, c, productIncome, events)
	mutated = mutated || len(applied.Messages) > 0
	if err != nil {
		return Settled{}, err
	}
	r.EventFundsDelta = applied.FundsDelta
	r.EventMessages = applied.Messages

	acct, err := p.store.Get(ctx, game.CompanyRef(c.ID))
	if err != nil {
		return Settled{}, fmt.Errorf("read balance: %w", err)
	}
	c.Balance, c.Version = acct.Balance, acct.Version
	r.BalanceAfter = acct.Balance
	r.Valuation = game.Valuation(acct.Balance, productIncome, p.econ.ValuationFundCoeff, p.econ.ValuationIncomeDays)

	inserted, err := p.store.InsertReport(ctx, r)
	if err != nil {
		return Settled{}, fmt.Errorf("persist report: %w", err)
	}
	if !inserted {
		p.logger.Warn("report already present", "company_id", c.ID, "date", date)
	}

	if err := kv.PushCompanyMetrics(ctx, p.kv, c.ID, r.GrossIncome, r.BalanceAfter, r.Valuation); err != nil {
		p.logger.Warn("leaderboard push failed", "company_id", c.ID, "err", err)
	}
	if err := p.publisher.Publish(ctx, bus.NewEvent(bus.CompanySettled, fmt.Sprintf("company:%d", c.ID), r)); err != nil {
		p.logger.Warn("publish settlement event", "company_id", c.ID, "err", err)
	}

	finished = true
	return Settled{Company: c, Report: r, Events: r.EventMessages}, nil
}

// ComputeCosts fills gross income, tax, salary, insurance, operating cost and
// profit from the income lines already in r.
func ComputeCosts(r *game.DailyReport, employees int, costModifier float64, econ config.Economy) {
	r.GrossIncome = r.ProductIncome + r.LevelBonus + r.CooperationBonus + r.RealEstateIncome +
		r.ReputationBonus + r.AdBonus + r.ShopBuffBonus + r.TypeBonus
	r.Tax = game.MulRate(r.GrossIncome, econ.TaxRate)
	r.SalaryCost = int64(employees) * econ.SalaryPerEmployee
	r.InsuranceCost = game.MulRate(r.SalaryCost, econ.InsuranceRate)
	base := game.MulRate(r.GrossIncome, econ.OperatingCostPct) + r.SalaryCost + r.InsuranceCost
	r.OperatingCost = game.MulRate(base, costModifier) + r.Tax
	r.Profit = r.GrossIncome - r.OperatingCost
}

// BestMultiplier returns the single highest cooperation multiplier; they do not stack.
func BestMultiplier(ms []float64) float64 {
	var best float64
	for _, m := range ms {
		best = max(best, m)
	}
	return best
}

// ReputationBuff is the income fraction granted by reputation, capped by the economy.
func ReputationBuff(reputation int64, econ config.Economy) float64 {
	if reputation <= 0 {
		return 0
	}
	return min(float64(reputation)*econ.ReputationBuffPerPoint, econ.MaxReputationBuff)
}

// payDividends credits DividendPct of profit to every holder pro rata. Each
// credit is independent; a failed one is logged and the rest still pay.
func (p *Pipeline) payDividends(ctx context.Context, c game.Company, profit int64) (int64, error) {
	pool := game.MulRate(profit, p.econ.DividendPct)
	if pool <= 0 {
		return 0, nil
	}
	stakes, err := p.store.Stakes(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	var paid int64
	for _, s := range stakes {
		share := game.ShareOf(pool, s.Percent)
		if share <= 0 {
			continue
		}
		out, err := p.ledger.Adjust(ctx, game.UserRef(s.HolderID), share, ledger.BoundedRetry(p.econ.RetryAttempts))
		if err != nil {
			return paid, err
		}
		if !out.OK() {
			p.logger.Error("dividend credit failed", "company_id", c.ID, "holder_id", s.HolderID, "amount", share, "reason", out.Reason)
			continue
		}
		paid += share
		if _, err := p.store.AdjustReputation(ctx, s.HolderID, p.econ.ReputationPerDividend); err != nil {
			p.logger.Warn("dividend reputation failed", "holder_id", s.HolderID, "err", err)
		}
		if _, err := kv.AddPoints(ctx, p.kv, s.HolderID, p.econ.PointsPerDividend); err != nil {
			p.logger.Warn("dividend points failed", "holder_id", s.HolderID, "err", err)
		}
	}
	return paid, nil
}

// rollEvents draws the day's events. A company younger than the newbie window
// that has never had its welcome event gets a guaranteed positive one, once.
func (p *Pipeline) rollEvents(ctx context.Context, c game.Company, now time.Time) ([]Event, error) {
	profile, err := p.store.OperatingProfile(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("operating profile: %w", err)
	}
	newbie := !c.NewbieEventGranted && now.Sub(c.CreatedAt) < p.econ.NewbieWindow
	if newbie {
		granted, err := p.store.MarkNewbieEventGranted(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("mark newbie event: %w", err)
		}
		newbie = granted
	}
	return Draw(p.rng, p.events, profile, p.econ.EventChance, newbie), nil
}
