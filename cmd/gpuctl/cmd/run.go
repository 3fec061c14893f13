package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/app"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/spec"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func runCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render one request and wait for the final result",
		Long: `Render one request under full supervision: placement, capacity fallback,
preemption retries and the forced on-demand attempt.

Example request.yaml:

render:
  script: "A lighthouse keeper finds a message in a bottle"
  assets:
    images: [scene_01.png, scene_02.png]
    audio: narration.mp3
  duration_seconds: 45
  execution:
    preemptible: true
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("request")
			req, err := spec.LoadRenderRequest(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("preemptible") {
				req.Preemptible, _ = cmd.Flags().GetBool("preemptible")
			}

			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			final, err := e.render(ctx, cfg, req)
			if final != nil {
				printRecord(e, final)
			}
			if err != nil {
				return err
			}
			if final.Status != models.JobStatusCompleted {
				return errors.Errorf("render %s ended %s: %s", final.LineageID, final.Status, final.LastError)
			}
			return nil
		},
	}
	cmd.Flags().String("request", "", "Render request YAML or JSON file")
	cmd.Flags().Bool("preemptible", true, "Allow spot placements")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

// runRender supervises one lineage in-process
func runRender(ctx context.Context, cfg *config.Config, req *models.RenderRequest) (*models.JobRecord, error) {
	orchestrator, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer orchestrator.Close()

	if req.LineageID == "" {
		req.LineageID = "lineage-" + uuid.NewString()
	}
	log.WithFields(log.Fields{
		"lineage_id":  req.LineageID,
		"preemptible": req.Preemptible,
	}).Info("Starting render")

	final, err := orchestrator.Supervisor.Run(ctx, req)
	if final != nil {
		cost := orchestrator.Costs.GetLineageCost(req.LineageID)
		log.WithFields(log.Fields{
			"lineage_id": req.LineageID,
			"attempts":   cost.Attempts,
			"total_usd":  fmt.Sprintf("%.4f", cost.TotalUSD),
			"wasted_usd": fmt.Sprintf("%.4f", cost.WastedUSD),
		}).Info("Render cost")
	}
	return final, err
}

func printRecord(e *env, rec *models.JobRecord) {
	fmt.Fprintf(e.out, "lineage:   %s\n", rec.LineageID)
	fmt.Fprintf(e.out, "job:       %s (attempt %d)\n", rec.JobID, rec.Attempt)
	fmt.Fprintf(e.out, "placement: %s\n", rec.Placement)
	fmt.Fprintf(e.out, "status:    %s\n", rec.Status)
	if rec.Forced {
		fmt.Fprintln(e.out, "forced:    true")
	}
	if rec.LastError != "" {
		fmt.Fprintf(e.out, "error:     %s\n", rec.LastError)
	}
	if rec.VideoURL != "" {
		fmt.Fprintf(e.out, "video:     %s\n", rec.VideoURL)
	}
}
