package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"installment-service/config"
	"installment-service/internal/api"
	"installment-service/internal/app"
	"installment-service/internal/apperrors"
	"installment-service/internal/models"
	"installment-service/internal/service"
	"installment-service/internal/units"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [plan-id]",
		Short: "Show a plan and its installments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				plan, err := a.Queries.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, plan)
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [user]",
		Short: "List a user's plan IDs in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ids, err := a.Queries.GetUserPlans(ctx, args[0])
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func nextDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-due [plan-id]",
		Short: "Show the first pending installment that is already due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				inst, err := a.Queries.GetNextDue(ctx, args[0])
				if err != nil {
					return err
				}
				if inst == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing due")
					return nil
				}
				return printJSON(cmd, inst)
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary [plan-id]",
		Short: "Show a plan with the owner's live collateral values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.Queries.GetPlanSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func createCmd() *cobra.Command {
	var (
		user     string
		merchant string
		amount   string
		dueDates []string
		key      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan on behalf of --user",
		Long: `Create a plan with one --due per installment, each an RFC3339 timestamp.
The total amount is split evenly with the remainder on the last installment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := units.Parse(amount)
			if err != nil {
				return err
			}
			dates := make([]time.Time, 0, len(dueDates))
			for _, s := range dueDates {
				d, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return fmt.Errorf("invalid --due %q: %w", s, err)
				}
				dates = append(dates, d)
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				planID, err := a.Plans.CreatePlan(ctx, user, &service.CreatePlanRequest{
					User:              user,
					Merchant:          merchant,
					TotalAmount:       total,
					InstallmentsCount: len(dates),
					DueDates:          dates,
					IdempotencyKey:    key,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), planID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Plan owner")
	cmd.Flags().StringVar(&merchant, "merchant", "", "Merchant receiving installment payments")
	cmd.Flags().StringVar(&amount, "amount", "", "Total amount in base token units")
	cmd.Flags().StringArrayVar(&dueDates, "due", nil, "Installment due date (repeatable)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Key that makes retries return the first plan")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func collectCmd() *cobra.Command {
	var (
		caller   string
		override string
		async    bool
	)

	cmd := &cobra.Command{
		Use:   "collect [plan-id] [installment-number]",
		Short: "Collect one due installment",
		Long: `Collect one due installment as --as, which defaults to the first automation
identity. With --async the request is queued on the collections topic instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var number int
			if _, err := fmt.Sscanf(args[1], "%d", &number); err != nil {
				return fmt.Errorf("invalid installment number %q", args[1])
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if async {
					return enqueueCollect(ctx, cmd, a, args[0], number, override)
				}

				identity := caller
				if identity == "" {
					identity = defaultAutomation(a.Config)
				}
				result, err := a.Engine.CollectInstallment(ctx, identity, &service.CollectRequest{
					PlanID:            args[0],
					InstallmentNumber: number,
					MerchantOverride:  override,
				})
				if result != nil {
					if perr := printJSON(cmd, result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&caller, "as", "", "Caller identity")
	cmd.Flags().StringVar(&override, "merchant-override", "", "Pay this recipient instead of the plan's merchant")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the collection for the worker")

	return cmd
}

func enqueueCollect(ctx context.Context, cmd *cobra.Command, a *app.App, planID string, number int, override string) error {
	publisher := a.CommandPublisher()
	if publisher == nil {
		return errors.New("--async needs KAFKA_BROKERS")
	}

	command := &models.CollectInstallmentCommand{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCollectInstallment,
			Timestamp: time.Now().UTC(),
		},
		PlanID:            planID,
		InstallmentNumber: number,
		MerchantOverride:  override,
	}
	if err := publisher.PublishCollectInstallment(ctx, command); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", command.EventID)
	return nil
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release [plan-id]",
		Short: "Retry unlocking the protected shares of a completed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				plan, err := a.Engine.ReleaseCollateral(ctx, a.Config.Business.EngineIdentity, args[0])
				if errors.Is(err, apperrors.ErrPlanNotActive) {
					return fmt.Errorf("plan %s is not completed", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s protected=%s\n", plan.PlanID, plan.Status, plan.ProtectedShares)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an API bearer token for subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			token, err := api.NewAuthenticator(cfg.Auth.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func defaultAutomation(cfg *config.Config) string {
	if len(cfg.Business.AutomationIdentities) > 0 {
		return cfg.Business.AutomationIdentities[0]
	}
	return cfg.Business.EngineIdentity
}
