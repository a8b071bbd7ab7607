// Package ledger adjusts company and user balances with compare-and-swap on
// the account version.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"empire/internal/game"
	"empire/internal/store"
)

// Policy is the retry policy of one call site.
type Policy struct {
	attempts int
}

// SingleAttempt surfaces the first conflict to the caller.
func SingleAttempt() Policy { return Policy{attempts: 1} }

// BoundedRetry re-reads and retries the whole CAS up to n attempts.
func BoundedRetry(n int) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{attempts: n}
}

func (p Policy) Attempts() int {
	if p.attempts < 1 {
		return 1
	}
	return p.attempts
}

func (p Policy) String() string {
	if p.Attempts() == 1 {
		return "single_attempt"
	}
	return fmt.Sprintf("bounded_retry(%d)", p.Attempts())
}

type Ledger struct {
	accounts store.Accounts
	logger   *slog.Logger
}

func New(accounts store.Accounts, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{accounts: accounts, logger: logger}
}

// Outcome is the result of one adjustment and the account as seen afterwards.
// On success Account holds the committed balance and version.
type Outcome struct {
	game.Result
	Account game.Account `json:"account"`
	Applied int64        `json:"applied"`
}

// Adjust adds delta to the account. A debit that would take the balance below
// zero fails with InsufficientFunds without touching the store.
func (l *Ledger) Adjust(ctx context.Context, ref game.AccountRef, delta int64, policy Policy) (Outcome, error) {
	return l.adjust(ctx, ref, delta, policy, false)
}

// AdjustClamped is Adjust except that a debit larger than the balance drives it
// to exactly zero instead of failing. Only settlement uses it.
func (l *Ledger) AdjustClamped(ctx context.Context, ref game.AccountRef, delta int64, policy Policy) (Outcome, error) {
	return l.adjust(ctx, ref, delta, policy, true)
}

func (l *Ledger) adjust(ctx context.Context, ref game.AccountRef, delta int64, policy Policy, clamp bool) (Outcome, error) {
	var acct game.Account
	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		var err error
		acct, err = l.accounts.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, game.ErrNotFound) {
				return Outcome{Result: game.Fail(game.EntityNotFound, "%s not found", ref)}, nil
			}
			return Outcome{}, fmt.Errorf("read %s: %w", ref, err)
		}

		if overflows(acct.Balance, delta) {
			return Outcome{
				Result:  game.Fail(game.ConstraintViolation, "credit of %d would overflow balance %d", delta, acct.Balance),
				Account: acct,
			}, nil
		}
		applied := delta
		if delta < 0 && acct.Balance+delta < 0 {
			if !clamp {
				return Outcome{
					Result:  game.Fail(game.InsufficientFunds, "insufficient funds: balance %d, need %d", acct.Balance, -delta),
					Account: acct,
				}, nil
			}
			applied = -acct.Balance
		}

		ok, err := l.accounts.ConditionalUpdate(ctx, store.CAS{
			Ref:             ref,
			ExpectedVersion: acct.Version,
			Balance:         acct.Balance + applied,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("update %s: %w", ref, err)
		}
		if ok {
			acct.Balance += applied
			acct.Version++
			return Outcome{Result: game.Success("adjusted"), Account: acct, Applied: applied}, nil
		}
		l.logger.Debug("ledger cas conflict", "account", ref.String(), "attempt", attempt, "policy", policy.String())
	}
	return Outcome{
		Result:  game.Fail(game.ConcurrencyConflict, "%s changed concurrently, try again", ref),
		Account: acct,
	}, nil
}

// Commit writes balance+delta and the company's new cap table in one CAS
// against expectedVersion. It never retries; callers recompute on conflict.
func (l *Ledger) Commit(ctx context.Context, companyID int64, acct game.Account, delta int64, stakes []game.EquityStake) (Outcome, error) {
	ref := game.CompanyRef(companyID)
	if delta < 0 && acct.Balance+delta < 0 {
		return Outcome{Result: game.Fail(game.InsufficientFunds, "insufficient company funds"), Account: acct}, nil
	}
	if overflows(acct.Balance, delta) {
		return Outcome{Result: game.Fail(game.ConstraintViolation, "credit of %d would overflow balance %d", delta, acct.Balance), Account: acct}, nil
	}
	ok, err := l.accounts.ConditionalUpdate(ctx, store.CAS{
		Ref:             ref,
		ExpectedVersion: acct.Version,
		Balance:         acct.Balance + delta,
		Stakes:          stakes,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("commit %s: %w", ref, err)
	}
	if !ok {
		return Outcome{Result: game.Fail(game.ConcurrencyConflict, "%s changed concurrently", ref), Account: acct}, nil
	}
	acct.Balance += delta
	acct.Version++
	return Outcome{Result: game.Success("committed"), Account: acct, Applied: delta}, nil
}

func overflows(balance, delta int64) bool {
	return delta > 0 && balance > math.MaxInt64-delta
}
