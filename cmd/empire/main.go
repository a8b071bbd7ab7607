package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "empire/internal/cli"
	"empire/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type options struct {
	apiBase    string
	adminToken string
}

func main() {
	cfg := config.LoadCLIFromEnv()
	opts := &options{apiBase: cfg.APIBaseURL, adminToken: cfg.AdminToken}

	root := &cobra.Command{
		Use:          "empire",
		Short:        "Empire economy operator CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.apiBase, "api", opts.apiBase, "API base URL")
	root.PersistentFlags().StringVar(&opts.adminToken, "token", opts.adminToken, "admin bearer token")

	root.AddCommand(
		newInvestCmd(opts),
		newCompanyCmd(opts),
		newUserCmd(opts),
		newStakesCmd(opts),
		newReportsCmd(opts),
		newLeaderboardCmd(opts),
		newSettleCmd(opts),
		newAdjustCmd(opts),
		newBuffCmd(opts),
	)

	if err := root.Execute(); err != nil {
		var apiErr *cl.APIError
		if errors.As(err, &apiErr) && apiErr.Reason != "" {
			printWarn(fmt.Sprintf("%s (%s)", apiErr.Reason, apiErr.Kind))
		} else {
			printError(fmt.Sprintf("error: %v", err))
		}
		os.Exit(1)
	}
}

func (o *options) client() *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(o.apiBase), "/"), o.adminToken)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newInvestCmd(opts *options) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "invest [company_id] [holder_id] [amount]",
		Short: "Invest into a company and dilute existing holders",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			holderID, err := int64FromArgOrPrompt(args, 1, "Holder ID")
			if err != nil {
				return err
			}
			amount, err := int64FromArgOrPrompt(args, 2, "Amount")
			if err != nil {
				return err
			}
			if key == "" {
				key = uuid.NewString()
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Invest(ctx, companyID, holderID, amount, key)
			if err != nil {
				return err
			}
			return renderInvest(out, companyID, amount)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	return cmd
}

func newCompanyCmd(opts *options) *cobra.Command {
	company := &cobra.Command{
		Use:   "company",
		Short: "Company commands",
	}
	company.AddCommand(&cobra.Command{
		Use:   "show [company_id]",
		Short: "Show a company",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Company(ctx, id)
			if err != nil {
				return err
			}
			return renderCompany(out)
		},
	})

	var ownerID int64
	var name, companyType string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a company for an owner (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if ownerID <= 0 {
				if ownerID, err = promptInt64("Owner ID", 1); err != nil {
					return err
				}
			}
			if name == "" {
				if name, err = promptRequired("Name"); err != nil {
					return err
				}
			}
			if companyType == "" {
				if companyType, err = promptChoice("Type", []string{"tech", "finance", "media", "retail", "manufacturing"}, "tech"); err != nil {
					return err
				}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().CreateCompany(ctx, ownerID, name, companyType)
			if err != nil {
				return err
			}
			return renderCompany(out)
		},
	}
	create.Flags().Int64Var(&ownerID, "owner", 0, "owner user id")
	create.Flags().StringVar(&name, "name", "", "company name")
	create.Flags().StringVar(&companyType, "type", "", "company type")
	company.AddCommand(create)
	return company
}

func newUserCmd(opts *options) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "User commands",
	}
	user.AddCommand(&cobra.Command{
		Use:   "show [user_id]",
		Short: "Show a user's balance, reputation and points",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().User(ctx, id)
			if err != nil {
				return err
			}
			return renderUser(out)
		},
	})

	var balance int64
	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a user (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = strings.TrimSpace(args[0])
			} else {
				var err error
				if name, err = promptRequired("Name"); err != nil {
					return err
				}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().CreateUser(ctx, name, balance)
			if err != nil {
				return err
			}
			return renderUser(map[string]any{"user": out})
		},
	}
	create.Flags().Int64Var(&balance, "balance", 0, "opening balance")
	user.AddCommand(create)
	return user
}

func newStakesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stakes [company_id]",
		Short: "Show a company's cap table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Stakes(ctx, id)
			if err != nil {
				return err
			}
			return renderStakes(out, id)
		},
	}
}

func newReportsCmd(opts *options) *cobra.Command {
	var limit int
	var text bool
	cmd := &cobra.Command{
		Use:   "reports [company_id]",
		Short: "Show recent daily settlement reports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if text {
				out, err := opts.client().ReportsText(ctx, id, limit)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}
			out, err := opts.client().Reports(ctx, id, limit)
			if err != nil {
				return err
			}
			return renderReports(out, id)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 7, "number of reports")
	cmd.Flags().BoolVar(&text, "text", false, "print the notification text instead of a table")
	return cmd
}

func newLeaderboardCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard [income|funds|valuation]",
		Short: "Show a company leaderboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			board := "valuation"
			if len(args) > 0 {
				board = strings.ToLower(strings.TrimSpace(args[0]))
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Leaderboard(ctx, board, limit)
			if err != nil {
				return err
			}
			return renderLeaderboard(out, board)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of rows")
	return cmd
}

func newSettleCmd(opts *options) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Run daily settlement now (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			out, err := opts.client().RunSettlement(ctx, date)
			if err != nil {
				return err
			}
			return renderSettlement(out)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "settlement date YYYY-MM-DD (default today UTC)")
	return cmd
}

func newAdjustCmd(opts *options) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "adjust [company|user] [id] [delta]",
		Short: "Credit or debit an account balance (admin)",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := strings.ToLower(strings.TrimSpace(args[0]))
			id, err := int64FromArgOrPrompt(args, 1, "Account ID")
			if err != nil {
				return err
			}
			var delta int64
			if len(args) > 2 {
				if delta, err = strconv.ParseInt(strings.TrimSpace(args[2]), 10, 64); err != nil {
					return fmt.Errorf("invalid delta")
				}
			} else if delta, err = promptInt64("Delta", -1<<62); err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Adjust(ctx, kind, id, delta, retries)
			if err != nil {
				return err
			}
			return renderAdjust(out, delta)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 1, "compare-and-swap attempts")
	return cmd
}

func newBuffCmd(opts *options) *cobra.Command {
	buff := &cobra.Command{
		Use:   "buff",
		Short: "Shop items and ad campaigns",
	}
	buff.AddCommand(&cobra.Command{
		Use:   "show [company_id]",
		Short: "Show active buffs of a company",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := opts.client().Buffs(ctx, id)
			if err != nil {
				return err
			}
			return renderBuffs(out)
		},
	})

	var pct float64
	var hours int
	grant := &cobra.Command{
		Use:   "grant [company_id] [risk_hedge|market_analysis]",
		Short: "Grant a shop item to a company (admin)",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			var item string
			if len(args) > 1 {
				item = strings.ToLower(strings.TrimSpace(args[1]))
			} else if item, err = promptChoice("Item", []string{"risk_hedge", "market_analysis"}, "risk_hedge"); err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if _, err := opts.client().GrantBuff(ctx, id, item, pct, hours); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Granted %s to company %d.", item, id))
			return nil
		},
	}
	grant.Flags().Float64Var(&pct, "pct", 0.1, "market analysis income fraction")
	grant.Flags().IntVar(&hours, "hours", 0, "market analysis duration in hours (server default when 0)")
	buff.AddCommand(grant)

	var tier string
	var boost float64
	var adHours int
	ad := &cobra.Command{
		Use:   "ad [company_id]",
		Short: "Start an ad campaign for a company (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := int64FromArgOrPrompt(args, 0, "Company ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if _, err := opts.client().StartAd(ctx, id, tier, boost, adHours); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Ad campaign started for company %d (+%.0f%% income).", id, boost*100))
			return nil
		},
	}
	ad.Flags().StringVar(&tier, "tier", "basic", "campaign tier")
	ad.Flags().Float64Var(&boost, "boost", 0.05, "income boost fraction")
	ad.Flags().IntVar(&adHours, "hours", 0, "campaign duration in hours (server default when 0)")
	buff.AddCommand(ad)
	return buff
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt64(label, 1)
}
