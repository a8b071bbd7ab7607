package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Economy holds the settlement and investment tunables. It is parsed once at
// startup and handed to the ledger, cap table and settlement pipeline.
type Economy struct {
	CompanyCreationCost int64   `env:"EMPIRE_COMPANY_CREATION_COST" envDefault:"50000"`
	MinFounderPct       float64 `env:"EMPIRE_MIN_FOUNDER_PCT" envDefault:"30"`
	MaxSingleInvestment int64   `env:"EMPIRE_MAX_SINGLE_INVESTMENT" envDefault:"10000000"`
	ValuationFundCoeff  float64 `env:"EMPIRE_VALUATION_FUND_COEFF" envDefault:"1.0"`
	ValuationIncomeDays int     `env:"EMPIRE_VALUATION_INCOME_DAYS" envDefault:"30"`

	TaxRate           float64 `env:"EMPIRE_TAX_RATE" envDefault:"0.05"`
	InsuranceRate     float64 `env:"EMPIRE_INSURANCE_RATE" envDefault:"0.02"`
	SalaryPerEmployee int64   `env:"EMPIRE_SALARY_PER_EMPLOYEE" envDefault:"50"`
	OperatingCostPct  float64 `env:"EMPIRE_OPERATING_COST_PCT" envDefault:"0.05"`
	DividendPct       float64 `env:"EMPIRE_DIVIDEND_PCT" envDefault:"0.80"`

	ReputationBuffPerPoint float64 `env:"EMPIRE_REPUTATION_BUFF_PER_POINT" envDefault:"0.001"`
	MaxReputationBuff      float64 `env:"EMPIRE_MAX_REPUTATION_BUFF" envDefault:"0.50"`
	ReputationPerDividend  int64   `env:"EMPIRE_REPUTATION_PER_DIVIDEND" envDefault:"3"`
	PointsPerDividend      int64   `env:"EMPIRE_POINTS_PER_DIVIDEND" envDefault:"2"`

	BaseEmployeeLimit     int `env:"EMPIRE_BASE_EMPLOYEE_LIMIT" envDefault:"5"`
	EmployeeLimitPerLevel int `env:"EMPIRE_EMPLOYEE_LIMIT_PER_LEVEL" envDefault:"3"`

	EventChance  float64       `env:"EMPIRE_EVENT_CHANCE" envDefault:"0.35"`
	NewbieWindow time.Duration `env:"EMPIRE_NEWBIE_WINDOW" envDefault:"72h"`

	RetryAttempts  int           `env:"EMPIRE_RETRY_ATTEMPTS" envDefault:"3"`
	LockTTL        time.Duration `env:"EMPIRE_LOCK_TTL" envDefault:"10s"`
	LockWait       time.Duration `env:"EMPIRE_LOCK_WAIT" envDefault:"5s"`
	LockPoll       time.Duration `env:"EMPIRE_LOCK_POLL" envDefault:"50ms"`
	SettleClaimTTL time.Duration `env:"EMPIRE_SETTLE_CLAIM_TTL" envDefault:"48h"`

	SettlementHour        int `env:"EMPIRE_SETTLEMENT_HOUR" envDefault:"0"`
	SettlementMinute      int `env:"EMPIRE_SETTLEMENT_MINUTE" envDefault:"0"`
	SettlementConcurrency int `env:"EMPIRE_SETTLEMENT_CONCURRENCY" envDefault:"1"`
}

// DefaultEconomy returns the envDefault values without consulting the process
// environment.
func DefaultEconomy() Economy {
	e, err := env.ParseAsWithOptions[Economy](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(fmt.Sprintf("economy defaults: %v", err))
	}
	return e
}

// EmployeeLimit is the headcount ceiling for a company at level.
func (e Economy) EmployeeLimit(level int) int {
	if level < 1 {
		level = 1
	}
	return e.BaseEmployeeLimit + e.EmployeeLimitPerLevel*(level-1)
}

func (e Economy) Validate() error {
	switch {
	case e.MinFounderPct <= 0 || e.MinFounderPct >= 100:
		return fmt.Errorf("min founder pct must be in (0, 100), got %v", e.MinFounderPct)
	case e.MaxSingleInvestment <= 0:
		return fmt.Errorf("max single investment must be positive")
	case e.ValuationIncomeDays < 0:
		return fmt.Errorf("valuation income days must not be negative")
	case e.DividendPct < 0 || e.DividendPct > 1:
		return fmt.Errorf("dividend pct must be in [0, 1], got %v", e.DividendPct)
	case e.TaxRate < 0 || e.InsuranceRate < 0 || e.OperatingCostPct < 0:
		return fmt.Errorf("cost rates must not be negative")
	case e.EventChance < 0 || e.EventChance > 1:
		return fmt.Errorf("event chance must be in [0, 1], got %v", e.EventChance)
	case e.RetryAttempts < 1:
		return fmt.Errorf("retry attempts must be at least 1")
	case e.SettlementHour < 0 || e.SettlementHour > 23:
		return fmt.Errorf("settlement hour must be in [0, 23]")
	case e.SettlementMinute < 0 || e.SettlementMinute > 59:
		return fmt.Errorf("settlement minute must be in [0, 59]")
	case e.SettlementConcurrency < 1:
		return fmt.Errorf("settlement concurrency must be at least 1")
	}
	return nil
}
