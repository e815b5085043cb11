// Package docker implements a local development backend that maps resource
// groups to Docker containers, so launcher changes can be exercised without
// an AWS account. The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker
// client (DOCKER_HOST etc.).
package docker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/drover-io/drover/cluster"
	drovernet "github.com/drover-io/drover/internal/net"
	"go.uber.org/zap"
)

const (
	groupLabel = "drover.group"
	nfsPort    = "2049"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// Backend implements cluster.Backend against a local Docker daemon. Security
// groups and key pairs have no local equivalent, so those calls record names
// and return synthetic values; containers share the host network namespace's
// bridge with no isolation.
type Backend struct {
	Log          *zap.SugaredLogger
	BaseImage    string
	DockerClient *client.Client

	mut       sync.Mutex
	prefix    string
	templates map[string]cluster.LaunchTemplateRequest
	counter   int
}

// NewBackend creates a local Docker backend.
func NewBackend() (*Backend, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Backend{
		Log:          log.Sugar().Named("docker_backend"),
		BaseImage:    "amazonlinux:2",
		DockerClient: dockerClient,
		prefix:       randString(6),
		templates:    map[string]cluster.LaunchTemplateRequest{},
	}, nil
}

func (b *Backend) WithLogger(l *zap.SugaredLogger) *Backend {
	b.Log = l.Named("docker_backend")
	return b
}

func (b *Backend) WithBaseImage(img string) *Backend {
	b.BaseImage = img
	return b
}

func (b *Backend) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	b.Log.Debugw("local backend has no network isolation, recording security group name only", "name", name)
	return "local-" + name, nil
}

func (b *Backend) AddIngressRule(ctx context.Context, securityGroup, cidr, protocol string, fromPort, toPort int64) error {
	return nil
}

func (b *Backend) CreateKeyPair(ctx context.Context, name string) (string, error) {
	return "local-key-material", nil
}

func (b *Backend) CreateLaunchTemplate(ctx context.Context, req cluster.LaunchTemplateRequest) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if _, exists := b.templates[req.Name]; exists {
		return fmt.Errorf("launch template %q already exists", req.Name)
	}
	b.templates[req.Name] = req
	return nil
}

func (b *Backend) ensureImagePulled(ctx context.Context, image string) error {
	out, err := b.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	return nil
}

// CreateAutoscalingGroup launches the desired count of containers from the
// stored launch template, each running the template's boot script. Min and
// max are recorded in labels only; there is no local autoscaler.
func (b *Backend) CreateAutoscalingGroup(ctx context.Context, req cluster.AutoscalingGroupRequest) error {
	b.mut.Lock()
	tmpl, ok := b.templates[req.LaunchTemplateName]
	b.mut.Unlock()
	if !ok {
		return fmt.Errorf("launch template %q does not exist", req.LaunchTemplateName)
	}

	image := b.BaseImage
	if tmpl.AMIID != "" {
		image = tmpl.AMIID
	}
	if err := b.ensureImagePulled(ctx, image); err != nil {
		return fmt.Errorf("pulling image %q: %w", image, err)
	}

	for i := 0; i < req.DesiredCount; i++ {
		b.mut.Lock()
		b.counter++
		id := b.counter
		b.mut.Unlock()
		containerName := fmt.Sprintf("drover-%s-%d", b.prefix, id)

		hostPort, err := drovernet.GetEphemeralTCPPort()
		if err != nil {
			return fmt.Errorf("acquiring ephemeral port: %w", err)
		}

		createResp, err := b.DockerClient.ContainerCreate(
			ctx,
			&container.Config{
				Image:      image,
				Entrypoint: []string{"/bin/sh", "-c", tmpl.UserData},
				Labels: map[string]string{
					groupLabel:       req.Name,
					"drover.tag.key": req.TagKey,
					"drover.tag.val": req.TagValue,
					"drover.min":     strconv.Itoa(req.MinCount),
					"drover.max":     strconv.Itoa(req.MaxCount),
				},
				ExposedPorts: nat.PortSet{nfsPort: struct{}{}},
			},
			&container.HostConfig{
				PortBindings: nat.PortMap{nfsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
			},
			nil,
			nil,
			containerName,
		)
		if err != nil {
			return fmt.Errorf("creating container %q: %w", containerName, err)
		}

		err = b.DockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{})
		if err != nil {
			return fmt.Errorf("starting container %q: %w", createResp.ID, err)
		}
		b.Log.Infow("started container", "group", req.Name, "name", containerName)
	}

	return nil
}

func (b *Backend) ListInstances(ctx context.Context, groupName, stateFilter string) ([]cluster.InstanceDescriptor, error) {
	containers, err := b.DockerClient.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", groupLabel+"="+groupName)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers of group %q: %w", groupName, err)
	}

	var descriptors []cluster.InstanceDescriptor
	for _, c := range containers {
		if stateFilter != "" && c.State != stateFilter {
			continue
		}
		d := cluster.InstanceDescriptor{ID: c.ID, State: c.State}
		if c.NetworkSettings != nil {
			for _, netw := range c.NetworkSettings.Networks {
				d.PublicAddress = netw.IPAddress
				break
			}
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// Cleanup force-removes every container this backend created. It is not part
// of the Backend interface; provisioning failures intentionally leave
// resources behind, and this is the operator-facing escape hatch locally.
func (b *Backend) Cleanup(ctx context.Context) error {
	containers, err := b.DockerClient.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", groupLabel)),
	})
	if err != nil {
		return fmt.Errorf("listing drover containers: %w", err)
	}
	for _, c := range containers {
		err := b.DockerClient.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
		if err != nil {
			return fmt.Errorf("removing container %q: %w", c.ID, err)
		}
	}
	return nil
}
