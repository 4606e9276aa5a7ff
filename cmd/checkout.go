package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/provider/stripe"
	"github.com/xraph/credits/types"
)

func newCheckoutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Open, verify and expire payment checkouts",
	}

	cmd.AddCommand(
		newCheckoutCreateCmd(a),
		newCheckoutVerifyCmd(a),
		newCheckoutExpireCmd(a),
		newCheckoutListCmd(a),
	)

	return cmd
}

func newCheckoutCreateCmd(a *app) *cobra.Command {
	var packageID string

	cmd := &cobra.Command{
		Use:   "create <user>",
		Short: "Open a checkout for a package and print its redirect URL",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			pkgID, err := id.ParsePackageID(packageID)
			if err != nil {
				return err
			}
			sess, err := a.ledger.CreateCheckout(cmd.Context(), credits.CheckoutInput{
				TenantID:  a.tenant(),
				UserID:    args[0],
				PackageID: pkgID,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", sess.ID, sess.RedirectURL)
			return err
		}),
	}
	cmd.Flags().StringVar(&packageID, "package", "", "package id")
	_ = cmd.MarkFlagRequired("package")

	return cmd
}

func newCheckoutVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session>",
		Short: "Confirm payment with the provider and grant the credits once",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			st, err := a.ledger.VerifyAndSettle(cmd.Context(), a.tenant(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, st)
		}),
	}
}

func newCheckoutExpireCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire pending checkouts past their deadline",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			n, err := a.ledger.ExpireStaleSessions(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\n", n)
			return err
		}),
	}
}

func newCheckoutListCmd(a *app) *cobra.Command {
	var user, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkouts for the tenant",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			sessions, err := a.ledger.Sessions(cmd.Context(), a.tenant(), checkout.ListOpts{
				UserID: user,
				Status: checkout.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, sessions)
		}),
	}
	cmd.Flags().StringVar(&user, "user", "", "only this user")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions")

	return cmd
}

func newPackagesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Manage the credit package catalog",
	}

	cmd.AddCommand(
		newPackagesListCmd(a),
		newPackagesCreateCmd(a),
		newPackagesSetActiveCmd(a, "activate", true),
		newPackagesSetActiveCmd(a, "deactivate", false),
	)

	return cmd
}

func newPackagesListCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			pkgs, err := a.ledger.ListPackages(cmd.Context(), catalog.ListOpts{ActiveOnly: !all})
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d %s\t%s\t%t\n",
					p.ID, p.Name, p.Credits, p.CreditType, p.Price, p.Active)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive packages")

	return cmd
}

func newPackagesCreateCmd(a *app) *cobra.Command {
	var (
		name       string
		creditType string
		count      int64
		price      int64
		currency   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add an active package",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			t, err := credit.ParseType(creditType)
			if err != nil {
				return err
			}
			if currency == "" {
				currency = a.v.GetString("stripe.currency")
			}
			p := &catalog.Package{
				Name:       name,
				CreditType: t,
				Credits:    count,
				Price:      types.New(price, currency),
				Active:     true,
			}
			if err := a.ledger.CreatePackage(cmd.Context(), p); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return err
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&creditType, "type", "", "credit type")
	cmd.Flags().Int64Var(&count, "credits", 0, "credits granted per purchase")
	cmd.Flags().Int64Var(&price, "price", 0, "price in the currency's smallest unit")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO currency (default stripe.currency)")
	for _, f := range []string{"name", "type", "credits", "price"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func newPackagesSetActiveCmd(a *app, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <package>",
		Short: "Mark a package as " + map[bool]string{true: "sellable", false: "retired"}[active],
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			pkgID, err := id.ParsePackageID(args[0])
			if err != nil {
				return err
			}
			p, err := a.ledger.GetPackage(cmd.Context(), pkgID)
			if err != nil {
				return err
			}
			p.Active = active
			return a.ledger.UpdatePackage(cmd.Context(), p)
		}),
	}
}

func newProviderCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Show or store the payment provider config",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored Stripe config without secrets",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.ledger.ProviderConfig(cmd.Context(), stripe.Name)
			if err != nil {
				return err
			}
			return writeJSON(cmd, struct {
				*provider.Config
				Configured bool `json:"configured"`
			}{cfg, cfg.Configured()})
		}),
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the Stripe config; unset flags fall back to stripe.* settings",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			merged := stripeConfigFromViper(a.v)
			for flag, dst := range map[string]*string{
				"secret-key":     &merged.SecretKey,
				"webhook-secret": &merged.WebhookSecret,
				"currency":       &merged.Currency,
				"success-url":    &merged.SuccessURL,
				"cancel-url":     &merged.CancelURL,
			} {
				if cmd.Flags().Changed(flag) {
					*dst, _ = cmd.Flags().GetString(flag)
				}
			}
			return a.ledger.SaveProviderConfig(cmd.Context(), merged)
		}),
	}
	set.Flags().String("secret-key", "", "Stripe secret key")
	set.Flags().String("webhook-secret", "", "Stripe webhook signing secret")
	set.Flags().String("currency", "", "default currency")
	set.Flags().String("success-url", "", "redirect after payment")
	set.Flags().String("cancel-url", "", "redirect after cancel")

	cmd.AddCommand(show, set)
	return cmd
}

func newWebhookCmd(a *app) *cobra.Command {
	var payloadPath, signature string

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Apply a provider webhook delivery read from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if payloadPath != "-" {
				f, err := os.Open(payloadPath)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			payload, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			if err := a.ledger.HandleWebhook(cmd.Context(), payload, signature); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		}),
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "payload file, - for stdin")
	cmd.Flags().StringVar(&signature, "signature", "", "signature header value")

	return cmd
}
