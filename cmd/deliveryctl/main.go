package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aradsms/wa_gateway/internal/delivery_service/bootstrap"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/platform/config"
	"github.com/aradsms/wa_gateway/internal/platform/logger"
)

const serviceName = "deliveryctl"

var Version = "dev"

// session is one command's view of the pipeline, opened from the same configuration the services use.
type session struct {
	cfg      *config.Config
	deps     *bootstrap.Deps
	pipeline *bootstrap.Pipeline
}

func (s *session) Close() error { return s.deps.Close() }

type opener func(ctx context.Context, logLevel string) (*session, error)

func openFromConfig(ctx context.Context, logLevel string) (*session, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := logger.ForService(logger.NewWithWriter(os.Stderr, cfg.LogLevel), serviceName)

	deps, err := bootstrap.Build(ctx, cfg, bootstrap.Options{ClientName: serviceName}, log)
	if err != nil {
		return nil, err
	}
	pipeline, err := bootstrap.NewPipeline(ctx, cfg, deps, clock.System(), log)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	return &session{cfg: cfg, deps: deps, pipeline: pipeline}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "deliveryctl",
		Short:         "Operate the WhatsApp delivery pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for stderr output")

	withSession := func(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), logLevel)
			if err != nil {
				return err
			}
			defer s.Close()
			return run(cmd, args, s)
		}
	}

	root.AddCommand(reconcileCmd(withSession))
	root.AddCommand(retryDueCmd(withSession))
	root.AddCommand(inspectCmd(withSession))
	root.AddCommand(quotaCmd(withSession))
	return root
}

type sessionRunner func(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd(openFromConfig).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
