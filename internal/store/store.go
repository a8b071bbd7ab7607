// Package store defines the versioned entity store the economy core runs on.
package store

import (
	"context"
	"time"

	"empire/internal/game"
)

// CAS is a conditional write of an account balance. It applies only when the
// stored version still equals ExpectedVersion; the version is then bumped by one.
// Stakes, when non-nil, replace the company's cap table in the same unit of work.
type CAS struct {
	Ref             game.AccountRef
	ExpectedVersion int64
	Balance         int64
	Stakes          []game.EquityStake
}

// Accounts is the compare-and-swap surface used by the ledger.
type Accounts interface {
	Get(ctx context.Context, ref game.AccountRef) (game.Account, error)
	ConditionalUpdate(ctx context.Context, cas CAS) (bool, error)
}

type NewCompany struct {
	Name         string
	Type         string
	OwnerID      int64
	InitialFunds int64
	CreatedAt    time.Time
}

// Entities reads and creates companies, users and cap tables.
type Entities interface {
	Company(ctx context.Context, id int64) (game.Company, error)
	User(ctx context.Context, id int64) (game.User, error)
	Companies(ctx context.Context) ([]game.Company, error)
	Stakes(ctx context.Context, companyID int64) ([]game.EquityStake, error)
	CreateUser(ctx context.Context, name string, balance int64) (game.User, error)
	// CreateCompany inserts the company with a single 100% founder stake.
	CreateCompany(ctx context.Context, in NewCompany) (game.Company, error)
}

// Sources supplies the settlement inputs tracked outside the core.
type Sources interface {
	// RefreshProductIncome sums product income and stores it as the company's daily revenue.
	RefreshProductIncome(ctx context.Context, companyID int64) (int64, error)
	Products(ctx context.Context, companyID int64) ([]game.Product, error)
	CooperationMultipliers(ctx context.Context, companyID int64, at time.Time) ([]float64, error)
	RealEstateIncome(ctx context.Context, companyID int64) (int64, error)
	OperatingProfile(ctx context.Context, companyID int64) (game.OperatingProfile, error)
}

// Attributes are the non-balance fields the event overlay mutates.
type Attributes interface {
	// AdjustReputation adds delta and floors the result at zero.
	AdjustReputation(ctx context.Context, userID, delta int64) (int64, error)
	// AdjustEmployees adds delta and clamps the headcount to [1, limit].
	AdjustEmployees(ctx context.Context, companyID int64, delta, limit int) (int, error)
	// AdjustProductQuality adds delta and floors quality at 1.
	AdjustProductQuality(ctx context.Context, productID int64, delta int) (int, error)
	// MarkNewbieEventGranted sets the flag and reports whether this call set it.
	MarkNewbieEventGranted(ctx context.Context, companyID int64) (bool, error)
}

type Reports interface {
	// InsertReport reports false when a report for the company and date exists.
	InsertReport(ctx context.Context, r game.DailyReport) (bool, error)
	ReportExists(ctx context.Context, companyID int64, date string) (bool, error)
	Reports(ctx context.Context, companyID int64, limit int) ([]game.DailyReport, error)
}

// Integrity repairs illegal states before a settlement batch.
type Integrity interface {
	RepairIntegrity(ctx context.Context) ([]string, error)
}

type Store interface {
	Accounts
	Entities
	Sources
	Attributes
	Reports
	Integrity
}
