package settlement

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"empire/internal/game"
)

// FormatReport renders a daily report as plain text for owner notifications.
func FormatReport(companyName string, r game.DailyReport) string {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	p.Fprintf(&b, "Daily report: %s (%s)\n", companyName, r.Date)
	b.WriteString("Income\n")
	line := func(label string, v int64) {
		if v != 0 {
			p.Fprintf(&b, "  %-16s %+d\n", label, v)
		}
	}
	p.Fprintf(&b, "  %-16s %+d\n", "Products", r.ProductIncome)
	line("Level bonus", r.LevelBonus)
	line("Cooperation", r.CooperationBonus)
	line("Real estate", r.RealEstateIncome)
	line("Reputation", r.ReputationBonus)
	line("Advertising", r.AdBonus)
	line("Shop buffs", r.ShopBuffBonus)
	line("Company type", r.TypeBonus)
	p.Fprintf(&b, "  %-16s %d\n", "Gross", r.GrossIncome)

	b.WriteString("Costs\n")
	p.Fprintf(&b, "  %-16s %d\n", "Tax", r.Tax)
	p.Fprintf(&b, "  %-16s %d\n", "Salaries", r.SalaryCost)
	p.Fprintf(&b, "  %-16s %d\n", "Insurance", r.InsuranceCost)
	p.Fprintf(&b, "  %-16s %d\n", "Operating total", r.OperatingCost)

	p.Fprintf(&b, "Profit %+d", r.Profit)
	if r.ProfitApplied != r.Profit {
		p.Fprintf(&b, " (applied %+d, balance floored at 0)", r.ProfitApplied)
	}
	b.WriteString("\n")
	if r.DividendPaid > 0 {
		p.Fprintf(&b, "Dividends paid %d\n", r.DividendPaid)
	}
	if len(r.EventMessages) > 0 {
		b.WriteString("Events\n")
		for _, m := range r.EventMessages {
			b.WriteString("  " + m + "\n")
		}
	}
	p.Fprintf(&b, "Balance %d  Valuation %d\n", r.BalanceAfter, r.Valuation)
	return b.String()
}
