package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hemostat/internal/schema"
)

// Container is the identity and state slice the pipeline needs from a listed
// container.
type Container struct {
	ID     string
	Name   string
	Image  string
	Status schema.ContainerStatus
	Labels map[string]string
}

// Stats carries one raw cumulative observation. CPU fields are counters, not
// rates; callers derive percentages from two consecutive observations.
type Stats struct {
	CPUTotal           uint64
	SystemCPU          uint64
	OnlineCPUs         uint32
	MemoryUsage        uint64
	MemoryLimit        uint64
	MemoryInactiveFile uint64
	NetworkRxBytes     uint64
	NetworkTxBytes     uint64
	BlkioReadBytes     uint64
	BlkioWriteBytes    uint64
}

// Inspection is the liveness slice of a container inspect.
type Inspection struct {
	Health       schema.HealthStatus
	Status       schema.ContainerStatus
	ExitCode     int
	RestartCount int
	Labels       map[string]string
	Image        string
}

// ExecResult is the captured output of a diagnostic exec.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Docker adapts the Docker Engine SDK to the pipeline's needs.
type Docker struct {
	cli *client.Client
}

// NewDocker connects via the standard environment (DOCKER_HOST et al).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

// List returns running and exited containers. Exited containers are included
// so non-zero exit codes are observable.
func (d *Docker) List(ctx context.Context) ([]Container, error) {
	f := filters.NewArgs(
		filters.Arg("status", "running"),
		filters.Arg("status", "exited"),
	)
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: parseStatus(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// Stats takes one non-streaming stats snapshot.
func (d *Docker) Stats(ctx context.Context, id string) (Stats, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", id, err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode stats %s: %w", id, err)
	}

	s := Stats{
		CPUTotal:    raw.CPUStats.CPUUsage.TotalUsage,
		SystemCPU:   raw.CPUStats.SystemUsage,
		OnlineCPUs:  raw.CPUStats.OnlineCPUs,
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if s.OnlineCPUs == 0 {
		s.OnlineCPUs = uint32(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	// cgroup v2 reports inactive_file, v1 total_inactive_file.
	if v, ok := raw.MemoryStats.Stats["inactive_file"]; ok && v > 0 {
		s.MemoryInactiveFile = v
	} else {
		s.MemoryInactiveFile = raw.MemoryStats.Stats["total_inactive_file"]
	}
	for _, net := range raw.Networks {
		s.NetworkRxBytes += net.RxBytes
		s.NetworkTxBytes += net.TxBytes
	}
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch e.Op {
		case "Read":
			s.BlkioReadBytes += e.Value
		case "Write":
			s.BlkioWriteBytes += e.Value
		}
	}
	return s, nil
}

// Inspect reads health, exit and restart state.
func (d *Docker) Inspect(ctx context.Context, id string) (Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Inspection{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	ins := Inspection{
		Health:       schema.HealthNone,
		RestartCount: info.RestartCount,
	}
	if info.Config != nil {
		ins.Labels = info.Config.Labels
		ins.Image = info.Config.Image
	}
	if info.State != nil {
		ins.Status = parseStatus(info.State.Status)
		ins.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			ins.Health = parseHealth(info.State.Health.Status)
		}
	}
	return ins, nil
}

// Restart stops and starts the container with the given stop timeout.
func (d *Docker) Restart(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}
	return nil
}

// Status reports the current lifecycle state, used to confirm restarts.
func (d *Docker) Status(ctx context.Context, id string) (schema.ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return schema.StatusUnknown, fmt.Errorf("inspect %s: %w", id, err)
	}
	if info.State == nil {
		return schema.StatusUnknown, nil
	}
	return parseStatus(info.State.Status), nil
}

// SwarmServiceName resolves the owning swarm service, if any.
func (d *Docker) SwarmServiceName(ctx context.Context, id string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", id, err)
	}
	if info.Config == nil {
		return "", nil
	}
	return info.Config.Labels["com.docker.swarm.service.name"], nil
}

// ScaleService increments the replica count of a swarm service by delta.
func (d *Docker) ScaleService(ctx context.Context, name string, delta uint64) (uint64, error) {
	svc, _, err := d.cli.ServiceInspectWithRaw(ctx, name, types.ServiceInspectOptions{})
	if err != nil {
		return 0, fmt.Errorf("inspect service %s: %w", name, err)
	}
	if svc.Spec.Mode.Replicated == nil || svc.Spec.Mode.Replicated.Replicas == nil {
		return 0, fmt.Errorf("service %s is not replicated", name)
	}
	replicas := *svc.Spec.Mode.Replicated.Replicas + delta
	svc.Spec.Mode.Replicated.Replicas = &replicas
	_, err = d.cli.ServiceUpdate(ctx, svc.ID, svc.Version, svc.Spec, types.ServiceUpdateOptions{})
	if err != nil {
		return 0, fmt.Errorf("update service %s: %w", name, err)
	}
	return replicas, nil
}

// RemoveContainer deletes a stopped container.
func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// ListExited returns exited containers matching the given label filters.
func (d *Docker) ListExited(ctx context.Context, labels map[string]string) ([]Container, error) {
	f := filters.NewArgs(filters.Arg("status", "exited"))
	for k, v := range labels {
		f.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list exited: %w", err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{ID: c.ID, Name: name, Image: c.Image, Status: parseStatus(c.State), Labels: c.Labels})
	}
	return out, nil
}

// PruneVolumes removes dangling volumes matching the label filters. Returns
// bytes reclaimed.
func (d *Docker) PruneVolumes(ctx context.Context, labels map[string]string) (uint64, error) {
	f := filters.NewArgs()
	for k, v := range labels {
		f.Add("label", k+"="+v)
	}
	report, err := d.cli.VolumesPrune(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("prune volumes: %w", err)
	}
	return report.SpaceReclaimed, nil
}

// Exec runs cmd inside the container and captures combined output.
func (d *Docker) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create %s: %w", id, err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach %s: %w", id, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read %s: %w", id, err)
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect %s: %w", id, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Output: buf.String()}, nil
}

// Close releases the SDK client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func parseStatus(s string) schema.ContainerStatus {
	switch s {
	case "running":
		return schema.StatusRunning
	case "exited":
		return schema.StatusExited
	case "restarting":
		return schema.StatusRestarting
	case "paused":
		return schema.StatusPaused
	case "dead":
		return schema.StatusDead
	default:
		return schema.StatusUnknown
	}
}

func parseHealth(s string) schema.HealthStatus {
	switch s {
	case "healthy":
		return schema.HealthHealthy
	case "unhealthy":
		return schema.HealthUnhealthy
	case "starting":
		return schema.HealthStarting
	default:
		return schema.HealthNone
	}
}
