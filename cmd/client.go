package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecapture/internal/autoscale"
	"github.com/JakeFAU/sitecapture/internal/config"
)

func newRegionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List the configured regions and whether each is enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(opts.clientConfigFile)
			if err != nil {
				return err
			}
			regions := append([]config.RegionConfig(nil), cfg.Regions...)
			sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME\tENABLED")
			for _, r := range regions {
				fmt.Fprintf(w, "%s\t%s\t%t\n", r.Name, r.DisplayName, r.Enabled())
			}
			return w.Flush()
		},
	}
}

func newUserAgentsCmd(opts *options) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "user-agents",
		Short: "List the user-agent profiles a gateway accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			regions, err := selectRegions(opts, region)
			if err != nil {
				return err
			}
			// Every gateway serves the same table, so the first one answers.
			agents, err := newGatewayClient(regions[0]).UserAgents(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s: %w", regions[0].Name, err)
			}
			names := make([]string, 0, len(agents))
			for name := range agents {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, agents[name])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&region, "region", config.AllRegions, "region to ask")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and worker pool size per region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			regions, err := selectRegions(opts, region)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGION\tVISIBLE\tIN FLIGHT\tDESIRED\tMIN\tMAX")
			var failed int
			instances := map[string][]autoscale.Instance{}
			for _, r := range regions {
				st, err := newGatewayClient(r).Status(cmd.Context())
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s\terror: %v\n", r.Name, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
					r.Name, st.Queue.Visible, st.Queue.InFlight, st.Pool.Desired, st.Pool.Min, st.Pool.Max)
				instances[r.Name] = st.Pool.Instances
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if err := writeInstances(cmd, regions, instances); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d regions failed", failed, len(regions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", config.AllRegions, "region name or "+config.AllRegions)
	return cmd
}

// writeInstances lists each region's pool members with their lifecycle state.
func writeInstances(cmd *cobra.Command, regions []config.RegionConfig, instances map[string][]autoscale.Instance) error {
	var total int
	for _, list := range instances {
		total += len(list)
	}
	if total == 0 {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout())
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tINSTANCE\tSTATE")
	for _, r := range regions {
		for _, in := range instances[r.Name] {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, in.ID, in.State)
		}
	}
	return w.Flush()
}

func selectRegions(opts *options, name string) ([]config.RegionConfig, error) {
	cfg, err := config.LoadClient(opts.clientConfigFile)
	if err != nil {
		return nil, err
	}
	return cfg.Select(name)
}
