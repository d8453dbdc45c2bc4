package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/gateway"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/retrieval"
)

type submitFlags struct {
	url            string
	ipVersion      string
	mode           string
	userAgent      string
	recursionLevel int
	region         string
	outputDir      string
}

// regionResult is one region's submission and, if it got that far, its retrieval.
type regionResult struct {
	region    string
	sub       gateway.Submission
	submitErr error
	outcome   retrieval.Outcome
	path      string
	fetchErr  error
}

func newSubmitCmd(opts *options) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a capture job to one or all regions and download the archives",
		Long: `Submits the same capture job to each selected region, then waits for every
returned capability and downloads the archive into the output directory. The
archive name is <job id>-<region>.tar.gz. Existing files are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := job.Request{
				URL:       f.url,
				Mode:      job.Mode(f.mode),
				IPVersion: job.IPVersion(f.ipVersion),
				UserAgent: f.userAgent,
			}
			if cmd.Flags().Changed("recursion-level") {
				level := f.recursionLevel
				req.RecursionLevel = &level
			}
			if res := job.Validate(req); !res.OK() {
				return res.Err()
			}

			regions, err := selectRegions(opts, f.region)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			logger, err := clientLogger(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			results := runSubmit(cmd.Context(), logger, regions, req, f.outputDir)
			return report(cmd, results)
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "", "target URL (http or https)")
	cmd.Flags().StringVar(&f.ipVersion, "ip-version", string(job.IPv4), "address family: v4 or v6")
	cmd.Flags().StringVar(&f.mode, "crawl-mode", string(job.ModeSinglePage), "single-page or recursive")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", "firefox_nt10", "user-agent profile name")
	cmd.Flags().IntVar(&f.recursionLevel, "recursion-level", job.MinRecursionLevel, "recursion depth for recursive mode")
	cmd.Flags().StringVar(&f.region, "region", "", "region name or "+config.AllRegions)
	cmd.Flags().StringVar(&f.outputDir, "output-dir", ".", "directory for downloaded archives")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

// runSubmit submits to every region concurrently, then retrieves every capability
// concurrently. A failing region never cancels the others.
func runSubmit(ctx context.Context, logger *zap.Logger, regions []config.RegionConfig, req job.Request, outputDir string) []*regionResult {
	results := make([]*regionResult, len(regions))
	var submits errgroup.Group
	for i, r := range regions {
		results[i] = &regionResult{region: r.Name}
		submits.Go(func() error {
			sub, err := newGatewayClient(r).Submit(ctx, req)
			results[i].sub, results[i].submitErr = sub, err
			if err != nil {
				logger.Warn("submission failed", zap.String("region", r.Name), zap.Error(err))
				return nil
			}
			logger.Info("submission accepted",
				zap.String("region", r.Name),
				zap.String("job_id", sub.JobID),
				zap.String("key", sub.Capability.Key),
				zap.Time("expires_at", sub.Capability.ExpiresAt))
			return nil
		})
	}
	_ = submits.Wait()

	rc := newRetriever(logger)
	var fetches errgroup.Group
	for _, res := range results {
		if res.submitErr != nil {
			continue
		}
		fetches.Go(func() error {
			dest := filepath.Join(outputDir, filepath.Base(res.sub.Capability.Key))
			out, err := rc.Retrieve(ctx, res.sub.Capability.URL, dest)
			res.outcome, res.path, res.fetchErr = out, dest, err
			return nil
		})
	}
	_ = fetches.Wait()
	return results
}

func report(cmd *cobra.Command, results []*regionResult) error {
	sort.Slice(results, func(i, j int) bool { return results[i].region < results[j].region })
	out := cmd.OutOrStdout()
	var errs []error
	for _, res := range results {
		switch {
		case res.submitErr != nil:
			fmt.Fprintf(out, "%s: submit failed: %v\n", res.region, res.submitErr)
			errs = append(errs, fmt.Errorf("%s: %w", res.region, res.submitErr))
		case res.fetchErr != nil:
			fmt.Fprintf(out, "%s: job %s: retrieval failed: %v\n", res.region, res.sub.JobID, res.fetchErr)
			errs = append(errs, fmt.Errorf("%s: %w", res.region, res.fetchErr))
		case res.outcome == retrieval.AlreadyExists:
			fmt.Fprintf(out, "%s: job %s: %s already exists, skipped\n", res.region, res.sub.JobID, res.path)
		default:
			fmt.Fprintf(out, "%s: job %s: saved %s\n", res.region, res.sub.JobID, res.path)
		}
	}
	return errors.Join(errs...)
}
