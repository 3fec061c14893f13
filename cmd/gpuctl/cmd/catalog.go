package cmd

import (
	"fmt"
	"text/tabwriter"

	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/app"
	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"

	"github.com/spf13/cobra"
)

func catalogCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List placements in the order they are tried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalogFor(cmd, cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(e.out, 1, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tPROVIDER\tREGION\tACCELERATOR\tMACHINE\tSPOT\tUSD/HOUR")
			for _, opt := range cat.ListPlacements() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%.3f\n",
					opt.Priority, opt.Provider, opt.Region, accelerator(opt), opt.MachineShape, opt.Preemptible, opt.PricePerHour)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("preemptible", true, "Include spot variants")
	return cmd
}

func quotaCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Probe live quota for every GPU placement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalogFor(cmd, cfg)
			if err != nil {
				return err
			}
			checker, err := e.checker(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(e.out, 1, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tREGION\tACCELERATOR\tSPOT\tLIMIT\tUSED\tAVAILABLE\tHEADROOM")
			available, total := 0, 0
			for _, opt := range cat.ListPlacements() {
				if opt.IsCPU() {
					continue
				}
				total++
				snap := checker.CheckAvailability(cmd.Context(), quota.QueryFor(opt))
				headroom := snap.HasHeadroom(opt.QuotaDemand())
				if headroom {
					available++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
					opt.Provider, opt.Region, accelerator(opt), opt.Preemptible,
					quantity(snap, snap.Limit), quantity(snap, snap.Used), quantity(snap, snap.Available),
					headroomText(snap, headroom))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			switch {
			case total > 0 && available == 0:
				fmt.Fprintf(e.out, "\nNo GPU quota available, renders fall back to %s\n", cat.Terminal())
			case available < total:
				fmt.Fprintf(e.out, "\n%d of %d GPU placements have quota\n", available, total)
			default:
				fmt.Fprintln(e.out, "\nAll GPU placements have quota")
			}
			return nil
		},
	}
	cmd.Flags().Bool("preemptible", true, "Include spot variants")
	return cmd
}

// catalogFor loads the configured base catalog, with spot variants unless --preemptible=false
func catalogFor(cmd *cobra.Command, cfg *config.Config) (*catalog.Catalog, error) {
	base, err := app.BaseCatalog(cfg)
	if err != nil {
		return nil, err
	}
	if preemptible, _ := cmd.Flags().GetBool("preemptible"); !preemptible {
		return catalog.OnDemandOnly(base), nil
	}
	return catalog.WithPreemptibleVariants(base), nil
}

func accelerator(opt models.PlacementOption) string {
	if opt.IsCPU() {
		return "none"
	}
	return fmt.Sprintf("%dx %s", opt.AcceleratorCount, opt.AcceleratorType)
}

func quantity(snap models.QuotaSnapshot, v float64) string {
	if !snap.Known || snap.Unlimited {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}

func headroomText(snap models.QuotaSnapshot, headroom bool) string {
	if !snap.Known {
		return "unknown: " + snap.Err
	}
	if headroom {
		return "yes"
	}
	return "no"
}
