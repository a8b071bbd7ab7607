// Package captable runs investments and the dilution they cause.
package captable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"empire/internal/bus"
	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/store"
)

// ErrRefundFailed means the holder was debited and could not be credited back.
var ErrRefundFailed = errors.New("investment refund failed")

type Store interface {
	store.Accounts
	store.Entities
}

type Options struct {
	// Locks serialises investments into one company across processes when set.
	Locks     kv.Coordinator
	Publisher bus.Publisher
	Logger    *slog.Logger
}

type Engine struct {
	store  Store
	ledger *ledger.Ledger
	econ   config.Economy
	data   *config.GameData
	locks  kv.Coordinator
	events bus.Publisher
	logger *slog.Logger
}

func New(st Store, l *ledger.Ledger, econ config.Economy, data *config.GameData, opts Options) *Engine {
	e := &Engine{
		store:  st,
		ledger: l,
		econ:   econ,
		data:   data,
		locks:  opts.Locks,
		events: opts.Publisher,
		logger: opts.Logger,
	}
	if e.events == nil {
		e.events = bus.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

type InvestResult struct {
	game.Result
	NewStakePct float64            `json:"new_stake_pct"`
	Percent     float64            `json:"percent"`
	Valuation   int64              `json:"valuation"`
	Stakes      []game.EquityStake `json:"stakes,omitempty"`
}

type investmentEvent struct {
	CompanyID int64   `json:"company_id"`
	HolderID  int64   `json:"holder_id"`
	Amount    int64   `json:"amount"`
	Percent   float64 `json:"percent"`
	Valuation int64   `json:"valuation"`
}

// Invest moves amount from the holder to the company and issues the holder a
// stake worth amount/valuation, diluting everyone else.
func (e *Engine) Invest(ctx context.Context, companyID, holderID, amount int64) (InvestResult, error) {
	if amount <= 0 {
		return InvestResult{Result: game.Fail(game.ConstraintViolation, "investment amount must be positive")}, nil
	}
	if amount > e.econ.MaxSingleInvestment {
		return InvestResult{Result: game.Fail(game.ConstraintViolation, "a single investment is capped at %d", e.econ.MaxSingleInvestment)}, nil
	}
	if _, err := e.store.Company(ctx, companyID); err != nil {
		if errors.Is(err, game.ErrNotFound) {
			return InvestResult{Result: game.Fail(game.EntityNotFound, "company %d not found", companyID)}, nil
		}
		return InvestResult{}, err
	}

	if e.locks != nil {
		lock, err := kv.Acquire(ctx, e.locks, fmt.Sprintf("invest:%d", companyID), e.econ.LockTTL, e.econ.LockWait, e.econ.LockPoll)
		if err != nil {
			if errors.Is(err, kv.ErrLockTimeout) {
				return InvestResult{Result: game.Fail(game.ConcurrencyConflict, "another investment into this company is in progress")}, nil
			}
			return InvestResult{}, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("release invest lock", "company_id", companyID, "err", err)
			}
		}()
	}

	debit, err := e.ledger.Adjust(ctx, game.UserRef(holderID), -amount, ledger.BoundedRetry(e.econ.RetryAttempts))
	if err != nil {
		return InvestResult{}, err
	}
	if !debit.OK() {
		return InvestResult{Result: debit.Result}, nil
	}

	res, err := e.dilute(ctx, companyID, holderID, amount)
	if err != nil || !res.OK() {
		if rerr := e.refund(ctx, holderID, amount); rerr != nil {
			return res, errors.Join(err, rerr)
		}
		return res, err
	}

	e.logger.Info("investment completed",
		"company_id", companyID,
		"holder_id", holderID,
		"amount", amount,
		"percent", res.Percent,
		"valuation", res.Valuation,
	)
	evt := bus.NewEvent(bus.InvestmentCompleted, fmt.Sprintf("company:%d", companyID), investmentEvent{
		CompanyID: companyID,
		HolderID:  holderID,
		Amount:    amount,
		Percent:   res.Percent,
		Valuation: res.Valuation,
	})
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("publish investment event", "company_id", companyID, "err", err)
	}
	return res, nil
}

// dilute recomputes the cap table against the latest company state and commits
// it together with the company credit. A lost race re-reads and recomputes.
func (e *Engine) dilute(ctx context.Context, companyID, holderID, amount int64) (InvestResult, error) {
	for attempt := 1; attempt <= e.econ.RetryAttempts; attempt++ {
		company, err := e.store.Company(ctx, companyID)
		if err != nil {
			if errors.Is(err, game.ErrNotFound) {
				return InvestResult{Result: game.Fail(game.EntityNotFound, "company %d not found", companyID)}, nil
			}
			return InvestResult{}, err
		}
		stakes, err := e.store.Stakes(ctx, companyID)
		if err != nil {
			return InvestResult{}, err
		}
		if len(stakes) == 0 {
			return InvestResult{Result: game.Fail(game.ConstraintViolation, "company %d has no cap table", companyID)}, nil
		}

		valuation := e.valuation(company)
		newPct := NewStakePct(amount, valuation)
		if holderID != company.OwnerID {
			founderPct := holderPercent(stakes, company.OwnerID)
			after := founderPct / (game.FullOwnership + newPct) * game.FullOwnership
			if after < e.econ.MinFounderPct {
				return InvestResult{
					Result: game.Fail(game.ConstraintViolation,
						"founder would keep %.2f%%, below the %.0f%% floor; at most %d can be invested now",
						after, e.econ.MinFounderPct, e.investableHint(founderPct, valuation)),
					NewStakePct: newPct,
					Valuation:   valuation,
				}, nil
			}
		}

		next := Dilute(stakes, companyID, holderID, newPct, amount)
		out, err := e.ledger.Commit(ctx, companyID, company.Account(), amount, next)
		if err != nil {
			return InvestResult{}, err
		}
		if out.OK() {
			return InvestResult{
				Result:      game.Success(fmt.Sprintf("invested %d for %.3f%%", amount, holderPercent(next, holderID))),
				NewStakePct: newPct,
				Percent:     holderPercent(next, holderID),
				Valuation:   valuation,
				Stakes:      next,
			}, nil
		}
		if out.Kind != game.ConcurrencyConflict {
			return InvestResult{Result: out.Result}, nil
		}
		e.logger.Debug("cap table conflict, recomputing", "company_id", companyID, "attempt", attempt)
	}
	return InvestResult{Result: game.Fail(game.ConcurrencyConflict, "company %d kept changing, investment refunded", companyID)}, nil
}

func (e *Engine) refund(ctx context.Context, holderID, amount int64) error {
	ctx = context.WithoutCancel(ctx)
	out, err := e.ledger.Adjust(ctx, game.UserRef(holderID), amount, ledger.BoundedRetry(e.econ.RetryAttempts))
	if err != nil {
		e.logger.Error("investment refund failed", "holder_id", holderID, "amount", amount, "err", err)
		return fmt.Errorf("%w: %d to user %d: %w", ErrRefundFailed, amount, holderID, err)
	}
	if !out.OK() {
		e.logger.Error("investment refund failed", "holder_id", holderID, "amount", amount, "reason", out.Reason)
		return fmt.Errorf("%w: %d to user %d: %w", ErrRefundFailed, amount, holderID, out.Err())
	}
	return nil
}

func (e *Engine) valuation(c game.Company) int64 {
	return max(game.Valuation(c.Balance, c.DailyRevenue, e.econ.ValuationFundCoeff, e.econ.ValuationIncomeDays), 1)
}

// Valuation exposes the company valuation used for pricing stakes.
func (e *Engine) Valuation(c game.Company) int64 {
	return e.valuation(c)
}

// NewStakePct is amount as a percentage of valuation, capped at MaxNewStakePct.
func NewStakePct(amount, valuation int64) float64 {
	if valuation < 1 {
		valuation = 1
	}
	return math.Min(float64(amount)/float64(valuation)*game.FullOwnership, game.MaxNewStakePct)
}

// investableHint is MaxInvestable bounded by the single-investment ceiling, so
// the suggested amount is one Invest accepts.
func (e *Engine) investableHint(founderPct float64, valuation int64) int64 {
	return min(MaxInvestable(founderPct, e.econ.MinFounderPct, valuation), e.econ.MaxSingleInvestment)
}

// MaxInvestable is the largest amount that keeps the founder at or above floorPct.
func MaxInvestable(founderPct, floorPct float64, valuation int64) int64 {
	if floorPct <= 0 {
		return 0
	}
	headroom := founderPct*game.FullOwnership/floorPct - game.FullOwnership
	if headroom <= 0 {
		return 0
	}
	if headroom >= game.MaxNewStakePct {
		// the stake cap keeps the founder above the floor at any amount
		return math.MaxInt64
	}
	return int64(headroom / game.FullOwnership * float64(valuation))
}

// Dilute scales every stake by 100/(100+newPct) and credits holderID with
// newPct/(100+newPct)*100. The input is not modified.
func Dilute(stakes []game.EquityStake, companyID, holderID int64, newPct float64, amount int64) []game.EquityStake {
	denom := game.FullOwnership + newPct
	out := make([]game.EquityStake, 0, len(stakes)+1)
	found := false
	for _, s := range stakes {
		s.Percent = s.Percent / denom * game.FullOwnership
		if s.HolderID == holderID {
			s.Percent += newPct / denom * game.FullOwnership
			s.InvestedAmount += amount
			found = true
		}
		out = append(out, s)
	}
	if !found {
		out = append(out, game.EquityStake{
			CompanyID:      companyID,
			HolderID:       holderID,
			Percent:        newPct / denom * game.FullOwnership,
			InvestedAmount: amount,
		})
	}
	if !game.CapTableBalanced(out) {
		game.Normalize(out)
	}
	return out
}

func holderPercent(stakes []game.EquityStake, holderID int64) float64 {
	for _, s := range stakes {
		if s.HolderID == holderID {
			return s.Percent
		}
	}
	return 0
}

type CreateResult struct {
	game.Result
	Company game.Company `json:"company"`
}

// CreateCompany charges the owner the creation cost, which becomes the
// company's opening funds, and records the owner as 100% founder.
func (e *Engine) CreateCompany(ctx context.Context, ownerID int64, name, companyType string) (CreateResult, error) {
	name = strings.TrimSpace(name)
	if err := game.ValidateCompanyName(name); err != nil {
		return CreateResult{Result: game.Fail(game.ConstraintViolation, "%s", err.Error())}, nil
	}
	if e.data != nil {
		if _, ok := e.data.CompanyType(companyType); !ok {
			return CreateResult{Result: game.Fail(game.ConstraintViolation, "unknown company type %q", companyType)}, nil
		}
	}

	cost := e.econ.CompanyCreationCost
	debit, err := e.ledger.Adjust(ctx, game.UserRef(ownerID), -cost, ledger.BoundedRetry(e.econ.RetryAttempts))
	if err != nil {
		return CreateResult{}, err
	}
	if !debit.OK() {
		if debit.Kind == game.InsufficientFunds {
			return CreateResult{Result: game.Fail(game.InsufficientFunds, "creating a company costs %d", cost)}, nil
		}
		return CreateResult{Result: debit.Result}, nil
	}

	c, err := e.store.CreateCompany(ctx, store.NewCompany{
		Name:         name,
		Type:         companyType,
		OwnerID:      ownerID,
		InitialFunds: cost,
	})
	if err != nil {
		if rerr := e.refund(ctx, ownerID, cost); rerr != nil {
			return CreateResult{}, errors.Join(err, rerr)
		}
		if errors.Is(err, game.ErrDuplicateName) {
			return CreateResult{Result: game.Fail(game.ConstraintViolation, "company name %q is already taken", name)}, nil
		}
		return CreateResult{}, err
	}
	e.logger.Info("company created", "company_id", c.ID, "owner_id", ownerID, "type", companyType)
	return CreateResult{Result: game.Success("company created"), Company: c}, nil
}
