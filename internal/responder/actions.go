package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hemostat/internal/schema"
)

// execAllowlist is the set of diagnostic commands exec requests may run.
// Matching is by prefix so arguments are permitted.
var execAllowlist = []string{
	"ps aux", "ps", "top", "df", "free", "netstat", "ss",
	"env", "pwd", "whoami", "date", "uptime", "uname",
}

const maxExecOutput = 1000

func commandAllowed(command string) bool {
	for _, safe := range execAllowlist {
		if strings.HasPrefix(command, safe) {
			return true
		}
	}
	return false
}

// execute routes the request to its action handler. The returned rejection
// reason is only set when result is rejected.
func (r *Responder) execute(ctx context.Context, req schema.RemediationRequest) (schema.Result, schema.RejectionReason, string, error) {
	switch req.Action {
	case schema.ActionRestart:
		detail, err := r.doRestart(ctx, req.Container)
		if err != nil {
			return schema.ResultFailed, "", "", err
		}
		return schema.ResultSuccess, "", detail, nil
	case schema.ActionScaleUp:
		return r.doScaleUp(ctx, req.Container)
	case schema.ActionCleanup:
		detail, err := r.doCleanup(ctx, req.Container)
		if err != nil {
			return schema.ResultFailed, "", "", err
		}
		return schema.ResultSuccess, "", detail, nil
	case schema.ActionExec:
		return r.doExec(ctx, req)
	}
	return schema.ResultRejected, schema.RejectUnsupportedAction, "", nil
}

// doRestart restarts the container and polls until it reports running.
func (r *Responder) doRestart(ctx context.Context, container string) (string, error) {
	r.Log().Warn("restarting container", "container", container)
	if err := r.rt.Restart(ctx, container, r.cfg.StopTimeout); err != nil {
		return "", err
	}

	deadline := time.NewTimer(r.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.ConfirmInterval)
	defer ticker.Stop()
	for {
		st, err := r.rt.Status(ctx, container)
		if err == nil && st == schema.StatusRunning {
			return "container restarted and running", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("container did not reach running state within %s", r.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// doScaleUp adds one replica to the owning swarm service. Standalone
// containers have nothing to scale.
func (r *Responder) doScaleUp(ctx context.Context, container string) (schema.Result, schema.RejectionReason, string, error) {
	service, err := r.rt.SwarmServiceName(ctx, container)
	if err != nil {
		return schema.ResultFailed, "", "", err
	}
	if service == "" {
		return schema.ResultNotApplicable, "", "standalone container, no swarm service to scale", nil
	}
	replicas, err := r.rt.ScaleService(ctx, service, 1)
	if err != nil {
		return schema.ResultFailed, "", "", err
	}
	r.Log().Warn("scaled swarm service", "service", service, "replicas", replicas)
	return schema.ResultSuccess, "", fmt.Sprintf("service %s scaled to %d replicas", service, replicas), nil
}

// doCleanup removes exited containers scoped to the target's compose project
// or image, then prunes compose-labelled volumes.
func (r *Responder) doCleanup(ctx context.Context, container string) (string, error) {
	ins, err := r.rt.Inspect(ctx, container)
	if err != nil {
		return "", err
	}

	labels := map[string]string{}
	if project := ins.Labels["com.docker.compose.project"]; project != "" {
		labels["com.docker.compose.project"] = project
		if service := ins.Labels["com.docker.compose.service"]; service != "" {
			labels["com.docker.compose.service"] = service
		}
	}

	exited, err := r.rt.ListExited(ctx, labels)
	if err != nil {
		return "", err
	}
	removed := 0
	for _, c := range exited {
		// Without compose labels, scope by image instead of removing
		// every exited container on the host.
		if len(labels) == 0 && c.Image != ins.Image {
			continue
		}
		if err := r.rt.RemoveContainer(ctx, c.ID); err != nil {
			r.Log().Warn("container removal failed", "container", c.Name, "error", err)
			continue
		}
		removed++
	}

	var reclaimed uint64
	if len(labels) > 0 {
		reclaimed, err = r.rt.PruneVolumes(ctx, labels)
		if err != nil {
			r.Log().Warn("volume prune failed", "container", container, "error", err)
		}
	}

	return fmt.Sprintf("removed %d containers, reclaimed %d bytes", removed, reclaimed), nil
}

// doExec runs a diagnostic command inside a running container.
func (r *Responder) doExec(ctx context.Context, req schema.RemediationRequest) (schema.Result, schema.RejectionReason, string, error) {
	command := req.Command
	if command == "" {
		command = "ps aux"
	}

	if !commandAllowed(command) {
		if r.cfg.EnforceExecAllowlist {
			return schema.ResultRejected, schema.RejectUnsupportedAction,
				fmt.Sprintf("command not in allowlist: %s", command), nil
		}
		r.Log().Warn("command not in allowlist, executing anyway", "command", command)
	}

	st, err := r.rt.Status(ctx, req.Container)
	if err != nil {
		return schema.ResultFailed, "", "", err
	}
	if st != schema.StatusRunning {
		return schema.ResultFailed, "", "", fmt.Errorf("container not running (status %s)", st)
	}

	res, err := r.rt.Exec(ctx, req.Container, strings.Fields(command))
	if err != nil {
		return schema.ResultFailed, "", "", err
	}
	output := res.Output
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput]
	}
	r.Log().Info("command executed", "container", req.Container, "command", command, "exit_code", res.ExitCode)
	return schema.ResultSuccess, "", fmt.Sprintf("exit_code=%d output: %s", res.ExitCode, output), nil
}
