package cmd

import (
	"context"
	"io"
	"os"

	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/app"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"
	"gpu-render-orchestrator/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AvailabilityChecker probes quota for one placement
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, q quota.Query) models.QuotaSnapshot
}

// env is what the commands need from the outside world
type env struct {
	v   *viper.Viper
	out io.Writer

	load      func(v *viper.Viper) (*config.Config, error)
	openStore func(ctx context.Context, cfg *config.Config) (storage.AssetStore, error)
	checker   func(ctx context.Context, cfg *config.Config) (AvailabilityChecker, error)
	render    func(ctx context.Context, cfg *config.Config, req *models.RenderRequest) (*models.JobRecord, error)
}

func defaultEnv() *env {
	return &env{
		v:   viper.GetViper(),
		out: os.Stdout,
		load: func(*viper.Viper) (*config.Config, error) {
			return config.Load()
		},
		openStore: func(ctx context.Context, cfg *config.Config) (storage.AssetStore, error) {
			clients, err := app.Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return app.NewAssetStore(cfg, clients)
		},
		checker: func(ctx context.Context, cfg *config.Config) (AvailabilityChecker, error) {
			clients, err := app.Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return app.NewProbe(cfg, clients), nil
		},
		render: runRender,
	}
}

// RootCmd is the root Cobra command that gets called from the main func
func RootCmd() *cobra.Command {
	return newRootCmd(defaultEnv())
}

func newRootCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gpuctl",
		Short:         "gpuctl places, supervises and inspects GPU render jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("project-id", "", "GCP project ID")
	flags.String("bucket-name", "", "GCS bucket for job configs, assets and status files")
	flags.String("catalog", "", "Path to a placement catalog YAML file")
	flags.Int("max-retries", models.DefaultRetryPolicy().MaxRetries, "Retries before the forced on-demand attempt")
	flags.Int("retry-delay", models.DefaultRetryPolicy().RetryDelaySeconds, "Initial retry delay in seconds")
	flags.Float64("backoff-multiplier", models.DefaultRetryPolicy().BackoffMultiplier, "Retry delay growth factor")
	flags.String("config", "", "Optional config file")

	bindings := map[string]string{
		"project-id":         config.KeyProjectID,
		"bucket-name":        config.KeyBucketName,
		"catalog":            config.KeyCatalogPath,
		"max-retries":        config.KeyMaxRetries,
		"retry-delay":        config.KeyRetryDelay,
		"backoff-multiplier": config.KeyBackoffMultiplier,
		"config":             config.KeyConfigFile,
	}
	for flag, key := range bindings {
		_ = e.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(
		runCmd(e),
		statusCmd(e),
		reportCmd(e),
		catalogCmd(e),
		quotaCmd(e),
	)
	return cmd
}

// loadConfig reads the configuration and sets up logging for the command
func (e *env) loadConfig() (*config.Config, error) {
	cfg, err := e.load(e.v)
	if err != nil {
		return nil, err
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}
