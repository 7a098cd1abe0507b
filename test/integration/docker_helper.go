package integration

import (
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
)

// containerPrefix is the name prefix of the docker terminal containers.
const containerPrefix = "autopilot-"

// dockerHelper provides utilities for interacting with Docker in tests.
type dockerHelper struct {
	client *client.Client
}

// newDockerHelper creates a new Docker helper for tests.
func newDockerHelper(t *testing.T) *dockerHelper {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err, "Failed to create Docker client")

	if _, err := cli.Ping(context.Background()); err != nil {
		t.Skipf("Skipping docker test: docker is not reachable: %s", err)
	}

	return &dockerHelper{client: cli}
}

// terminalContainers returns the names of the docker terminal containers.
func (d *dockerHelper) terminalContainers(t *testing.T) []string {
	containers, err := d.client.ContainerList(context.Background(), container.ListOptions{All: true})
	require.NoError(t, err, "Failed to list containers")

	var names []string
	for _, c := range containers {
		for _, name := range c.Names {
			// Docker names start with /
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, containerPrefix) {
				names = append(names, name)
			}
		}
	}
	return names
}

// cleanupContainers force removes the docker terminal containers.
func (d *dockerHelper) cleanupContainers(t *testing.T) {
	for _, name := range d.terminalContainers(t) {
		err := d.client.ContainerRemove(context.Background(), name, container.RemoveOptions{Force: true})
		if err != nil {
			t.Logf("Failed to remove container %s: %v", name, err)
		}
	}
}
