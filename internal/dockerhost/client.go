// Package dockerhost queries one container-runtime host over the
// Docker Engine API.
package dockerhost

import (
	"context"
	"fmt"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/erinolivia/trivy-scheduler/internal/inventory"
)

// Client lists running containers on a single host. It holds no state
// beyond the connection; one client per configured endpoint.
type Client struct {
	endpoint string
	cli      *client.Client
}

// New creates a client for one host endpoint. A value prefixed with
// unix:// addresses a local daemon socket; anything else must be a
// daemon URL (tcp://, http://, https://). Endpoint syntax errors are
// configuration errors and surface here, at startup.
func New(endpoint string) (*Client, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid host endpoint %q: %w", endpoint, err)
	}

	return &Client{endpoint: endpoint, cli: cli}, nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("empty host endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		return fmt.Errorf("invalid host endpoint %q: missing scheme (expected unix:// or a daemon URL)", endpoint)
	}
	return nil
}

// Name identifies the host in logs.
func (c *Client) Name() string {
	return c.endpoint
}

// ListImages returns one Image per running container on the host.
func (c *Client) ListImages(ctx context.Context) ([]inventory.Image, error) {
	containers, err := c.cli.ContainerList(ctx, containertypes.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	images := make([]inventory.Image, 0, len(containers))
	for _, ctr := range containers {
		images = append(images, inventory.NewImage(ctr.Image, ctr.ImageID))
	}
	return images, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}
