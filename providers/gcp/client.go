package gcp

import (
	"context"
	"fmt"
	"sync"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

// Client is the GCP provider client. Vertex AI needs a regional endpoint, so one
// aiplatform service is kept per location.
type Client struct {
	projectID string
	opts      []option.ClientOption

	compute *compute.Service
	storage *gcs.Service

	mu     sync.Mutex
	vertex map[string]*aiplatform.Service
}

// ResolveProject returns projectID, or the project of the application default credentials
func ResolveProject(ctx context.Context, projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, compute.CloudPlatformScope)
	if err != nil || creds.ProjectID == "" {
		return "", models.FatalConfigf("no GCP project configured and none found in default credentials")
	}
	return creds.ProjectID, nil
}

// NewClient creates a new GCP client
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	project, err := ResolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	computeService, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating compute service")
	}
	storageService, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage service")
	}

	log.WithField("project", project).Info("GCP client ready")
	return &Client{
		projectID: project,
		opts:      opts,
		compute:   computeService,
		storage:   storageService,
		vertex:    make(map[string]*aiplatform.Service),
	}, nil
}

// ProjectID returns the resolved project
func (c *Client) ProjectID() string {
	return c.projectID
}

func (c *Client) vertexService(ctx context.Context, location string) (*aiplatform.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.vertex[location]; ok {
		return svc, nil
	}
	opts := append([]option.ClientOption{option.WithEndpoint(vertexEndpoint(location))}, c.opts...)
	svc, err := aiplatform.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating Vertex AI service for %s", location)
	}
	c.vertex[location] = svc
	return svc, nil
}

func vertexEndpoint(location string) string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/", location)
}
