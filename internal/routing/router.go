package routing

import (
	"context"
	"math/rand"

	"github.com/modelpilot/canary/internal/api"
)

// DeploymentSource supplies the current deployment record for a request's
// target pool. The lifecycle manager satisfies it.
type DeploymentSource interface {
	Get(ctx context.Context, id string) (*api.CanaryDeployment, error)
}

// Router assigns each request to production or canary by weighted random
// draw. The per-request decision reads only a snapshot of the deployment's
// current configuration, so calls need no locking and are safe for
// unrestricted concurrency. The realized split converges to the configured
// split only in aggregate over many calls.
type Router struct {
	source DeploymentSource
}

// NewRouter creates a router over the given deployment source.
func NewRouter(source DeploymentSource) *Router {
	return &Router{source: source}
}

// Route returns the model assignment for one request against the given
// deployment. A uniform draw in [0,100) below the canary percentage selects
// the canary; deployments not in the active state route all traffic to
// production.
func (r *Router) Route(ctx context.Context, deploymentID string) (*api.RouteResult, error) {
	d, err := r.source.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return RouteWith(d, rand.Float64()*100), nil
}

// RouteWith applies the routing rule to a deployment snapshot using the
// given draw in [0,100). Split out so tests can pin the draw.
func RouteWith(d *api.CanaryDeployment, draw float64) *api.RouteResult {
	if d.Status != api.StatusActive {
		return &api.RouteResult{
			DeploymentID:    d.ID,
			SelectedModelID: d.ProductionModelID,
			IsCanary:        false,
		}
	}
	if draw < d.TrafficSplit.Canary {
		return &api.RouteResult{
			DeploymentID:    d.ID,
			SelectedModelID: d.CanaryModelID,
			IsCanary:        true,
		}
	}
	return &api.RouteResult{
		DeploymentID:    d.ID,
		SelectedModelID: d.ProductionModelID,
		IsCanary:        false,
	}
}
