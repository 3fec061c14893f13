package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func statusCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status file a render worker wrote for a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, _ := cmd.Flags().GetString("job-id")

			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			sf, found, err := storage.ReadStatusFile(cmd.Context(), store, jobID)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(e.out, "No status file for %s yet\n", jobID)
				return nil
			}

			data, err := json.MarshalIndent(sf, "", "  ")
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintln(e.out, string(data))
			return nil
		},
	}
	cmd.Flags().String("job-id", "", "Job ID")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func reportCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a job's status file, as a render worker does when it finishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, _ := cmd.Flags().GetString("job-id")
			status, _ := cmd.Flags().GetString("status")
			message, _ := cmd.Flags().GetString("error")
			videoURL, _ := cmd.Flags().GetString("video-url")

			sf := storage.StatusFile{Status: status, JobID: jobID, Error: message, VideoURL: videoURL}
			if _, terminal := sf.JobStatus(); !terminal && status != "running" {
				return errors.Errorf("unknown status %q", status)
			}

			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if sf.Status == "completed" && sf.VideoURL == "" {
				sf.VideoURL = store.URI(storage.OutputKey(jobID))
			}
			uri, err := storage.WriteStatusFile(cmd.Context(), store, sf, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "Wrote %s\n", uri)
			return nil
		},
	}
	cmd.Flags().String("job-id", "", "Job ID")
	cmd.Flags().String("status", "completed", "completed, failed, error or running")
	cmd.Flags().String("error", "", "Failure message")
	cmd.Flags().String("video-url", "", "URI of the rendered video, defaults to the job's output key")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}
