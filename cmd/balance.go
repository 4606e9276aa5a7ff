package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/credits"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/txlog"
)

func newBalanceCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's credit balances",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			b, err := a.proxy.GetBalances(cmd.Context(), a.tenant(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, b)
			}
			for _, t := range credit.Types() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", t, b.Get(t))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")

	return cmd
}

type changeFlags struct {
	creditType string
	amount     int64
	reason     string
	ref        string
}

func (f *changeFlags) bind(cmd *cobra.Command, defaultReason txlog.Reason) {
	cmd.Flags().StringVar(&f.creditType, "type", "", "credit type: article, image or rewrite")
	cmd.Flags().Int64Var(&f.amount, "amount", 1, "number of credits")
	cmd.Flags().StringVar(&f.reason, "reason", string(defaultReason), "transaction reason")
	_ = cmd.MarkFlagRequired("type")
}

func writeResult(cmd *cobra.Command, res *credits.Result) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", res.Entry.ID, res.Entry.CreditType, res.Balance)
	return err
}

func newGrantCmd(a *app) *cobra.Command {
	var f changeFlags

	cmd := &cobra.Command{
		Use:   "grant <user>",
		Short: "Add credits to a user",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := credit.ParseType(f.creditType)
			if err != nil {
				return err
			}
			res, err := a.proxy.Grant(cmd.Context(), credits.GrantInput{
				TenantID:          a.tenant(),
				UserID:            args[0],
				Type:              t,
				Amount:            f.amount,
				Reason:            txlog.Reason(f.reason),
				ExternalReference: f.ref,
			})
			if err != nil {
				return err
			}
			return writeResult(cmd, res)
		}),
	}
	f.bind(cmd, txlog.ReasonAdminAdjustment)
	cmd.Flags().StringVar(&f.ref, "ref", "", "external reference")

	return cmd
}

func newDeductCmd(a *app) *cobra.Command {
	var f changeFlags

	cmd := &cobra.Command{
		Use:   "deduct <user>",
		Short: "Remove credits from a user; fails when the balance is too low",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := credit.ParseType(f.creditType)
			if err != nil {
				return err
			}
			res, err := a.proxy.Deduct(cmd.Context(), credits.DeductInput{
				TenantID: a.tenant(),
				UserID:   args[0],
				Type:     t,
				Amount:   f.amount,
				Reason:   txlog.Reason(f.reason),
			})
			if err != nil {
				return err
			}
			return writeResult(cmd, res)
		}),
	}
	f.bind(cmd, txlog.ReasonAdminAdjustment)

	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		creditType string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "List a user's transaction log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts := txlog.ListOpts{Limit: limit}
			if creditType != "" {
				t, err := credit.ParseType(creditType)
				if err != nil {
					return err
				}
				opts.CreditType = t
			}

			entries, err := a.ledger.History(cmd.Context(), a.tenant(), args[0], opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, entries)
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%+d\t%d\t%s\n",
					e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), e.CreditType, e.Reason, e.Signed(), e.ResultingBalance, e.ExternalReference)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&creditType, "type", "", "only this credit type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")

	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <user>",
		Short: "Compare stored balances with a replay of the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			rec, err := a.ledger.Reconcile(cmd.Context(), a.tenant(), args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, rec); err != nil {
				return err
			}
			if !rec.Consistent() {
				return fmt.Errorf("balances drift from the log: %+v", rec.Drift)
			}
			return nil
		}),
	}
}
