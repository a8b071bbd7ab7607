package game

import "fmt"

// Kind classifies the outcome of a ledger or cap-table operation.
type Kind int

const (
	OK Kind = iota
	InsufficientFunds
	ConcurrencyConflict
	ConstraintViolation
	EntityNotFound
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case InsufficientFunds:
		return "insufficient_funds"
	case ConcurrencyConflict:
		return "concurrency_conflict"
	case ConstraintViolation:
		return "constraint_violation"
	case EntityNotFound:
		return "entity_not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is returned for expected outcomes; unexpected faults travel as error.
type Result struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func Success(reason string) Result { return Result{Kind: OK, Reason: reason} }

func Fail(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (r Result) OK() bool { return r.Kind == OK }

// Err maps the kind onto the package sentinels so callers can use errors.Is.
func (r Result) Err() error {
	var base error
	switch r.Kind {
	case OK:
		return nil
	case InsufficientFunds:
		base = ErrInsufficientFunds
	case ConcurrencyConflict:
		base = ErrConflict
	case ConstraintViolation:
		base = ErrConstraint
	case EntityNotFound:
		base = ErrNotFound
	default:
		return fmt.Errorf("%s", r.Reason)
	}
	if r.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Reason)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{OK, InsufficientFunds, ConcurrencyConflict, ConstraintViolation, EntityNotFound} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown result kind %q", b)
}
