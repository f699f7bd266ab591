package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"gopkg.in/yaml.v3"
)

func init() {
	register("docker", []string{"socket"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			dc := dockerOptions{Socket: "/var/run/docker.sock"}
			if node != nil {
				if err := node.Decode(&dc); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			return &Docker{state: newState(name, "docker", opts), socket: dc.Socket}, nil
		})
}

type dockerOptions struct {
	Socket string `yaml:"socket"`
}

// Docker reports fleet-level container counts from the local Docker
// daemon: total, running, exited, restarting, paused. The query string
// is ignored; every fetch returns the full summary.
type Docker struct {
	state
	socket string

	clientMu sync.Mutex
	client   *client.Client
}

func (d *Docker) Connect(ctx context.Context) error {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	if d.client != nil {
		return nil
	}
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+d.socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return &FetchError{Source: d.name, Err: fmt.Errorf("docker client: %w", err)}
	}
	d.client = c
	return nil
}

func (d *Docker) Close() error {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	return nil
}

func (d *Docker) Fetch(ctx context.Context, query string) (map[string]any, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, &FetchError{Source: d.name, Err: fmt.Errorf("container list: %w", err)}
	}

	var running, exited, restarting, paused int
	for _, c := range containers {
		switch c.State {
		case "running":
			running++
		case "exited":
			exited++
		case "restarting":
			restarting++
		case "paused":
			paused++
		}
	}
	return map[string]any{
		"containers_total":      len(containers),
		"containers_running":    running,
		"containers_exited":     exited,
		"containers_restarting": restarting,
		"containers_paused":     paused,
	}, nil
}

func (d *Docker) HealthCheck(ctx context.Context) bool {
	if err := d.Connect(ctx); err != nil {
		return false
	}
	_, err := d.client.Ping(ctx)
	return err == nil
}
