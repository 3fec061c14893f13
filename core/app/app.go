// Package app assembles the render services from configuration. The server and the
// CLI share it so both place and supervise renders the same way.
package app

import (
	"context"
	"time"

	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/monitoring"
	"gpu-render-orchestrator/core/placement"
	"gpu-render-orchestrator/core/quota"
	"gpu-render-orchestrator/core/repository"
	"gpu-render-orchestrator/core/scheduler"
	"gpu-render-orchestrator/core/submitter"
	"gpu-render-orchestrator/core/supervisor"
	"gpu-render-orchestrator/providers/aws"
	"gpu-render-orchestrator/providers/gcp"
	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	storeAttempts = 3
	storeDelay    = time.Second
)

// Clients are the cloud clients the services share. AWS is nil unless enabled.
type Clients struct {
	GCP *gcp.Client
	AWS *aws.Client
}

// Connect creates the cloud clients. A project that cannot be resolved is fatal.
func Connect(ctx context.Context, cfg *config.Config) (*Clients, error) {
	gcpClient, err := gcp.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	clients := &Clients{GCP: gcpClient}

	if cfg.EnableAWS {
		clients.AWS, err = aws.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// BaseCatalog loads the configured catalog file, or the built-in matrix
func BaseCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogPath)
}

// PricedCatalog refreshes EC2 prices in the base catalog. Pricing failures keep the listed prices.
func PricedCatalog(ctx context.Context, base *catalog.Catalog, clients *Clients) *catalog.Catalog {
	if clients.AWS == nil {
		return base
	}
	prices, err := aws.NewPriceFetcher(clients.AWS).FetchPrices(ctx, base)
	if err != nil {
		log.WithError(err).Warn("Failed to refresh EC2 prices, using catalog prices")
		return base
	}
	log.WithField("prices", len(prices)).Info("Refreshed EC2 prices")
	return catalog.Annotate(base, prices)
}

// NewProbe creates the quota probe over every enabled provider
func NewProbe(cfg *config.Config, clients *Clients) *quota.Probe {
	router := quota.NewRouter().
		Register(models.ProviderVertex, gcp.NewQuotaBackend(clients.GCP))
	if clients.AWS != nil {
		router.Register(models.ProviderEC2, aws.NewQuotaBackend(clients.AWS))
	}
	return quota.NewProbe(router, cfg.QuotaTimeout)
}

// NewAssetStore returns the GCS bucket behind a retrying store
func NewAssetStore(cfg *config.Config, clients *Clients) (storage.AssetStore, error) {
	if cfg.BucketName == "" {
		return nil, models.FatalConfigf("%s is required", config.KeyBucketName)
	}
	return storage.NewRetryingStore(gcp.NewAssetStore(clients.GCP, cfg.BucketName), storeAttempts, storeDelay), nil
}

// NewBackends routes job submissions to Vertex and, when enabled, EC2
func NewBackends(cfg *config.Config, clients *Clients) *submitter.BackendRouter {
	router := submitter.NewBackendRouter().
		Register(models.ProviderVertex, gcp.NewVertexBackend(clients.GCP))
	if clients.AWS != nil {
		router.Register(models.ProviderEC2, aws.NewEC2Backend(clients.AWS, aws.EC2Settings{
			AMI:             cfg.AWSAMI,
			InstanceProfile: cfg.AWSProfile,
			SubnetID:        cfg.AWSSubnetID,
			MaxSpotPrice:    cfg.AWSMaxSpotPrice,
		}))
	}
	return router
}

// App holds every long-lived service of a running orchestrator
type App struct {
	Config     *config.Config
	Clients    *Clients
	Catalog    *catalog.Catalog // Base catalog, prices applied
	Probe      *quota.Probe
	Store      storage.AssetStore
	Supervisor *supervisor.Supervisor
	Scheduler  *scheduler.Scheduler
	Lineages   *scheduler.LineageStore
	Costs      *monitoring.CostTracker
	Events     *repository.EventRepository // nil without a database
	Archive    *repository.Archive         // nil without a database

	db *repository.DB
}

// New wires the services. Without a database URL lineages are tracked in memory only.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	clients, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base, err := BaseCatalog(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewAssetStore(cfg, clients)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Clients:  clients,
		Catalog:  PricedCatalog(ctx, base, clients),
		Probe:    NewProbe(cfg, clients),
		Store:    store,
		Lineages: scheduler.NewLineageStore(),
		Costs:    monitoring.NewCostTracker(placement.NewCostCalculator()),
	}

	recorders := supervisor.MultiRecorder{a.Lineages, a.Costs}
	if cfg.DatabaseURL != "" {
		a.db, err = repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := a.db.EnsureSchema(ctx); err != nil {
			a.db.Close()
			return nil, err
		}
		recorders = append(recorders, repository.NewRecorder(a.db))
		a.Events = repository.NewEventRepository(a.db)
		a.Archive = repository.NewArchive(a.db)
		log.Info("Database connected successfully")
	}

	clk := clock.RealClock{}
	backends := NewBackends(cfg, clients)
	sub := submitter.NewSubmitter(
		submitter.Config{
			ProjectID:      clients.GCP.ProjectID(),
			BucketName:     cfg.BucketName,
			ContainerImage: cfg.ContainerImage,
		},
		a.Catalog,
		placement.NewSelector(a.Probe),
		backends,
		store,
		clk,
	)
	monitor := monitoring.NewJobMonitor(store, backends, clk, cfg.PollInterval)

	a.Supervisor = supervisor.NewSupervisor(sub, monitor, recorders, clk, cfg.RetryPolicy(), cfg.JobTimeout)
	a.Scheduler = scheduler.NewScheduler(a.Supervisor, a.Lineages, clk, cfg.Workers)

	log.WithFields(log.Fields{
		"project_id": clients.GCP.ProjectID(),
		"bucket":     cfg.BucketName,
		"backends":   backends.Providers(),
		"placements": a.Catalog.Len(),
	}).Info("Render orchestrator initialized")
	return a, nil
}

// Close releases the database connection
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return errors.WithStack(a.db.Close())
}
