package capability

import (
	"context"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// DefaultPollInterval is the wait between deployment status checks.
const DefaultPollInterval = 3 * time.Second

// DeployAndWait starts a deployment and polls it until ready or error.
// onStatus, when non-nil, is called after every poll. The wait between polls
// ends early if ctx is cancelled.
func DeployAndWait(ctx context.Context, d Deployer, files map[string]string, project string,
	interval time.Duration, onStatus func(*Deployment)) (*Deployment, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	dep, err := d.Deploy(ctx, files, project)
	if err != nil {
		return nil, err
	}
	if onStatus != nil {
		onStatus(dep)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for !dep.Terminal() {
		select {
		case <-ctx.Done():
			return dep, ctx.Err()
		case <-timer.C:
		}
		next, err := d.Status(ctx, dep.ID)
		if err != nil {
			return dep, err
		}
		dep = next
		if onStatus != nil {
			onStatus(dep)
		}
		timer.Reset(interval)
	}

	if dep.Status == DeployError {
		msg := dep.Error
		if msg == "" {
			msg = "deployment failed"
		}
		return dep, schema.NewErrorf(schema.ErrCodeProvider, "deploy %s: %s", dep.ID, msg).
			WithDetails(map[string]any{"deployment_id": dep.ID})
	}
	return dep, nil
}
