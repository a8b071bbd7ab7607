package game

import (
	"fmt"
	"time"
)

type AccountKind string

const (
	CompanyAccount AccountKind = "company"
	UserAccount    AccountKind = "user"
)

func ParseAccountKind(s string) (AccountKind, error) {
	switch AccountKind(s) {
	case CompanyAccount, UserAccount:
		return AccountKind(s), nil
	default:
		return "", fmt.Errorf("account kind must be company or user")
	}
}

// AccountRef addresses the balance row of a company or a user.
type AccountRef struct {
	Kind AccountKind `json:"kind"`
	ID   int64       `json:"id"`
}

func CompanyRef(id int64) AccountRef { return AccountRef{Kind: CompanyAccount, ID: id} }
func UserRef(id int64) AccountRef { return AccountRef{Kind: UserAccount, ID: id} }

func (r AccountRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Account is the versioned balance view of a company or user row.
type Account struct {
	Ref     AccountRef `json:"ref"`
	Balance int64      `json:"balance"`
	Version int64      `json:"version"`
}

type Company struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	OwnerID            int64     `json:"owner_id"`
	Balance            int64     `json:"balance"`
	DailyRevenue       int64     `json:"daily_revenue"`
	Level              int       `json:"level"`
	EmployeeCount      int       `json:"employee_count"`
	Version            int64     `json:"version"`
	NewbieEventGranted bool      `json:"newbie_event_granted"`
	CreatedAt          time.Time `json:"created_at"`
}

func (c Company) Account() Account {
	return Account{Ref: CompanyRef(c.ID), Balance: c.Balance, Version: c.Version}
}

type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Balance    int64     `json:"balance"`
	Reputation int64     `json:"reputation"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

func (u User) Account() Account {
	return Account{Ref: UserRef(u.ID), Balance: u.Balance, Version: u.Version}
}

type EquityStake struct {
	CompanyID      int64   `json:"company_id"`
	HolderID       int64   `json:"holder_id"`
	Percent        float64 `json:"percent"`
	InvestedAmount int64   `json:"invested_amount"`
}

type Product struct {
	ID                int64  `json:"id"`
	CompanyID         int64  `json:"company_id"`
	Name              string `json:"name"`
	DailyIncome       int64  `json:"daily_income"`
	Quality           int    `json:"quality"`
	AssignedEmployees int    `json:"assigned_employees"`
}

// OperatingProfile carries the 0-100 attributes that skew event selection.
type OperatingProfile struct {
	CompanyID          int64 `json:"company_id"`
	Culture            int   `json:"culture"`
	Ethics             int   `json:"ethics"`
	RegulationPressure int   `json:"regulation_pressure"`
}

func DefaultProfile(companyID int64) OperatingProfile {
	return OperatingProfile{CompanyID: companyID, Culture: 50, Ethics: 60, RegulationPressure: 40}
}

// DailyReport is written once per company and date and never updated.
type DailyReport struct {
	ID               string    `json:"id"`
	CompanyID        int64     `json:"company_id"`
	Date             string    `json:"date"`
	ProductIncome    int64     `json:"product_income"`
	LevelBonus       int64     `json:"level_bonus"`
	CooperationBonus int64     `json:"cooperation_bonus"`
	RealEstateIncome int64     `json:"realestate_income"`
	ReputationBonus  int64     `json:"reputation_bonus"`
	AdBonus          int64     `json:"ad_bonus"`
	ShopBuffBonus    int64     `json:"shop_buff_bonus"`
	TypeBonus        int64     `json:"type_bonus"`
	GrossIncome      int64     `json:"gross_income"`
	Tax              int64     `json:"tax"`
	SalaryCost       int64     `json:"salary_cost"`
	InsuranceCost    int64     `json:"insurance_cost"`
	OperatingCost    int64     `json:"operating_cost"`
	Profit           int64     `json:"profit"`
	ProfitApplied    int64     `json:"profit_applied"`
	DividendPaid     int64     `json:"dividend_paid"`
	EventFundsDelta  int64     `json:"event_funds_delta"`
	BalanceAfter     int64     `json:"balance_after"`
	Valuation        int64     `json:"valuation"`
	EventMessages    []string  `json:"event_messages"`
	CreatedAt        time.Time `json:"created_at"`
}

type LeaderboardRow struct {
	Rank   int64   `json:"rank"`
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}
