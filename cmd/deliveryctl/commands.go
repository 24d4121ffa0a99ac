package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

func reconcileCmd(withSession sessionRunner) *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay stored orphan events whose message record now exists",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			var total app.ReconcileReport
			for i := 0; i < rounds; i++ {
				report, err := s.pipeline.Reconciler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				total.Scanned += report.Scanned
				total.Processed += report.Processed
				total.Ignored += report.Ignored
				total.StillOrphaned += report.StillOrphaned
				total.AlreadyReconciled += report.AlreadyReconciled
				total.Errors += report.Errors
				if report.Processed == 0 {
					break
				}
			}
			return printJSON(cmd.OutOrStdout(), total)
		}),
	}
	cmd.Flags().IntVar(&rounds, "rounds", 1, "Maximum number of batches to process")
	return cmd
}

func retryDueCmd(withSession sessionRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-due",
		Short: "Re-drive failed messages whose retry time has passed",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			outcomes, err := s.pipeline.RetrySweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			if outcomes == nil {
				outcomes = []domain.SendOutcome{}
			}
			return printJSON(cmd.OutOrStdout(), outcomes)
		}),
	}
}

func inspectCmd(withSession sessionRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <idempotency-key>",
		Short: "Show the message record stored for an idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			rec, err := s.deps.Records.GetByIdempotencyKey(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, domain.ErrMessageRecordNotFound) {
					return fmt.Errorf("no message record for key %q", args[0])
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}),
	}
}

func quotaCmd(withSession sessionRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and top up tenant quota (in-process ledger modes only)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <tenant-id>",
		Short: "Show a tenant's remaining quota",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			if s.deps.QuotaService == nil {
				return errLedgerRemote
			}
			balance, err := s.deps.QuotaService.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"tenant_id": args[0], "balance": balance})
		}),
	})

	var key string
	topUp := &cobra.Command{
		Use:   "topup <tenant-id> <amount>",
		Short: "Credit units to a tenant; replaying the same --key is a no-op",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			if s.deps.QuotaService == nil {
				return errLedgerRemote
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}
			balance, applied, err := s.deps.QuotaService.TopUp(cmd.Context(), args[0], amount, key, map[string]string{"source": serviceName})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"tenant_id": args[0], "balance": balance, "applied": applied})
		}),
	}
	topUp.Flags().StringVar(&key, "key", "", "Idempotency key for the top-up")
	_ = topUp.MarkFlagRequired("key")
	cmd.AddCommand(topUp)
	return cmd
}

var errLedgerRemote = errors.New("quota ledger runs remotely (QUOTA_LEDGER_MODE=grpc); use the quota service instead")
