// Package cmd defines the sitecapture command line: the gateway service, the single-use
// worker, and the client commands that talk to regional gateways.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/api"
	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/gateway"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/logging"
	"github.com/JakeFAU/sitecapture/internal/retrieval"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configFile       string
	clientConfigFile string
	verbose          bool
}

// gatewayClient is what the client commands need from one region's gateway.
type gatewayClient interface {
	UserAgents(ctx context.Context) (map[string]string, error)
	Status(ctx context.Context) (gateway.Status, error)
	Submit(ctx context.Context, req job.Request) (gateway.Submission, error)
}

// Factories are variables so tests can swap in fakes.
var (
	newGatewayClient = func(region config.RegionConfig) gatewayClient {
		return api.NewClient(region.GatewayURL, region.APIKey, nil)
	}
	newRetriever = func(logger *zap.Logger) retriever {
		return retrieval.New(retrieval.WithLogger(logger))
	}
)

type retriever interface {
	Retrieve(ctx context.Context, url, dest string) (retrieval.Outcome, error)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "sitecapture",
		Short: "Capture websites through an intercepting proxy, one job per worker.",
		Long: `sitecapture runs the submission gateway, the single-use capture workers it
scales up, and the client commands that submit jobs to regional gateways and
download the resulting archives.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "gateway config file")
	cmd.PersistentFlags().StringVar(&opts.clientConfigFile, "regions", defaultClientConfig(), "client region table")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging for client commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(),
		newRegionsCmd(opts),
		newUserAgentsCmd(opts),
		newStatusCmd(opts),
		newSubmitCmd(opts),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultClientConfig() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sitecapture-regions.yaml"
	}
	return home + "/.sitecapture/regions.yaml"
}

// clientLogger builds the logger for client commands; errors go to stderr.
func clientLogger(opts *options) (*zap.Logger, error) {
	logger, err := logging.New(opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	if !opts.verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	return logger, nil
}
