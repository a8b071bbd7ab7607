package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"empire/internal/captable"
	"empire/internal/game"
	"empire/internal/ledger"
	"empire/internal/settlement"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type companyPayload struct {
	Company   game.Company `json:"company"`
	Valuation int64        `json:"valuation"`
	Reason    string       `json:"reason"`
}

type userPayload struct {
	User   game.User `json:"user"`
	Points int64     `json:"points"`
}

type stakesPayload struct {
	Stakes []game.EquityStake `json:"stakes"`
	Total  float64            `json:"total"`
}

type reportsPayload struct {
	Reports []game.DailyReport `json:"reports"`
}

type leaderboardPayload struct {
	Board string                `json:"board"`
	Rows  []game.LeaderboardRow `json:"rows"`
}

type buffsPayload struct {
	CompanyID      int64   `json:"company_id"`
	RiskHedge      bool    `json:"risk_hedge"`
	MarketAnalysis float64 `json:"market_analysis"`
	AdBoost        float64 `json:"ad_boost"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderCompany(raw map[string]any) error {
	out, err := decodeInto[companyPayload](raw)
	if err != nil {
		return err
	}
	c := out.Company
	accent.Printf("\n== %s (#%d) ==\n", c.Name, c.ID)
	fmt.Printf("Type: %s  Level: %d  Employees: %d\n", c.Type, c.Level, c.EmployeeCount)
	fmt.Printf("Owner: %d\n", c.OwnerID)
	fmt.Printf("Balance: %s\n", comma(c.Balance))
	fmt.Printf("Daily revenue: %s\n", comma(c.DailyRevenue))
	if out.Valuation > 0 {
		fmt.Printf("Valuation: %s\n", comma(out.Valuation))
	}
	if out.Reason != "" {
		printSuccess(out.Reason)
	}
	fmt.Println()
	return nil
}

func renderUser(raw map[string]any) error {
	out, err := decodeInto[userPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s (#%d) ==\n", out.User.Name, out.User.ID)
	fmt.Printf("Balance: %s\n", comma(out.User.Balance))
	fmt.Printf("Reputation: %d  Points: %d\n\n", out.User.Reputation, out.Points)
	return nil
}

func renderStakes(raw map[string]any, companyID int64) error {
	out, err := decodeInto[stakesPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== CAP TABLE #%d ==\n", companyID)
	fmt.Printf("%-10s %10s %14s\n", "HOLDER", "PERCENT", "INVESTED")
	for _, s := range out.Stakes {
		fmt.Printf("%-10d %9.3f%% %14s\n", s.HolderID, s.Percent, comma(s.InvestedAmount))
	}
	total := fmt.Sprintf("%.3f%%", out.Total)
	if game.CapTableBalanced(out.Stakes) {
		fmt.Printf("Total: %s\n\n", success.Sprint(total))
	} else {
		fmt.Printf("Total: %s\n\n", danger.Sprint(total))
	}
	return nil
}

func renderReports(raw map[string]any, companyID int64) error {
	out, err := decodeInto[reportsPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== REPORTS #%d ==\n", companyID)
	if len(out.Reports) == 0 {
		printInfo("No settlements yet.")
		return nil
	}
	fmt.Printf("%-10s %12s %12s %12s %12s %12s\n", "DATE", "GROSS", "COSTS", "PROFIT", "DIVIDENDS", "BALANCE")
	for _, r := range out.Reports {
		fmt.Printf("%-10s %12s %12s %12s %12s %12s\n",
			r.Date,
			comma(r.GrossIncome),
			comma(r.OperatingCost),
			colorizeSigned(r.Profit),
			comma(r.DividendPaid),
			comma(r.BalanceAfter),
		)
		for _, m := range r.EventMessages {
			fmt.Printf("  %s\n", truncate(m, 100))
		}
	}
	fmt.Println()
	return nil
}

func renderLeaderboard(raw map[string]any, board string) error {
	out, err := decodeInto[leaderboardPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s LEADERBOARD ==\n", strings.ToUpper(board))
	if len(out.Rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return nil
	}
	fmt.Printf("%-6s %-12s %16s\n", "RANK", "COMPANY", "SCORE")
	for _, row := range out.Rows {
		fmt.Printf("%-6d %-12s %16s\n", row.Rank, truncate(row.Member, 12), comma(int64(row.Score)))
	}
	fmt.Println()
	return nil
}

func renderInvest(raw map[string]any, companyID, amount int64) error {
	out, err := decodeInto[captable.InvestResult](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Invested %s into company %d at valuation %s.", comma(amount), companyID, comma(out.Valuation)))
	fmt.Printf("New stake: %s  Holding now: %.3f%%\n", colorizePercent(out.NewStakePct), out.Percent)
	return renderStakes(map[string]any{"stakes": out.Stakes, "total": game.SumPercent(out.Stakes)}, companyID)
}

func renderAdjust(raw map[string]any, delta int64) error {
	out, err := decodeInto[ledger.Outcome](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("%s adjusted by %s.", out.Account.Ref, colorizeSigned(delta)))
	fmt.Printf("Balance: %s  Version: %d\n", comma(out.Account.Balance), out.Account.Version)
	return nil
}

func renderBuffs(raw map[string]any) error {
	out, err := decodeInto[buffsPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== Buffs for company %d ==\n", out.CompanyID)
	if out.RiskHedge {
		printSuccess("risk_hedge: ready")
	} else {
		fmt.Println("risk_hedge: none")
	}
	fmt.Printf("market_analysis: %s\n", colorizePercent(out.MarketAnalysis*100))
	fmt.Printf("ad boost: %s\n\n", colorizePercent(out.AdBoost*100))
	return nil
}

func renderSettlement(raw map[string]any) error {
	out, err := decodeInto[settlement.Summary](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== SETTLEMENT %s ==\n", out.Date)
	for _, r := range out.Repairs {
		printWarn("repair: " + r)
	}
	for _, s := range out.Settled {
		fmt.Printf("%-24s profit %s  balance %s\n", truncate(s.Company.Name, 24), colorizeSigned(s.Report.Profit), comma(s.Report.BalanceAfter))
	}
	if len(out.Skipped) > 0 {
		printInfo(fmt.Sprintf("Already settled: %v", out.Skipped))
	}
	for _, f := range out.Failed {
		printError(fmt.Sprintf("company %d failed: %s", f.CompanyID, f.Error))
	}
	printSuccess(fmt.Sprintf("%d settled, %d skipped, %d failed.", len(out.Settled), len(out.Skipped), len(out.Failed)))
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeSigned(v int64) string {
	text := comma(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.3f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func comma(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.WriteString(sign)
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
