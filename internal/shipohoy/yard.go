package shipohoy

import (
	"context"

	"pkt.systems/pslog"
)

// Yard wraps a Runtime so every container it creates carries the plan's
// labels, environment and resource caps. Every other call passes through.
type Yard struct {
	Runtime
	plan Plan
}

// Commission returns a yard over runtime using plan.
func Commission(plan Plan, runtime Runtime) *Yard {
	return &Yard{Runtime: runtime, plan: plan}
}

// CreateContainer merges the plan into spec and creates the container.
func (y *Yard) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	log := pslog.Ctx(ctx).With("container_name", spec.Name, "image", spec.Image)
	log.Debug("yard ship out start")
	id, err := y.Runtime.CreateContainer(ctx, mergeSpec(spec, y.plan))
	if err != nil {
		log.Warn("yard ship out failed", "err", err)
		return "", err
	}
	log.Debug("yard ship out ok", "container", id)
	return id, nil
}

// ListContainers restricts listings to containers carrying the plan's labels.
func (y *Yard) ListContainers(ctx context.Context, filter ListFilter) ([]ContainerSummary, error) {
	if len(y.plan.Labels) > 0 {
		labels := make(map[string]string, len(filter.Labels)+len(y.plan.Labels))
		for k, v := range y.plan.Labels {
			labels[k] = v
		}
		for k, v := range filter.Labels {
			labels[k] = v
		}
		filter.Labels = labels
	}
	return y.Runtime.ListContainers(ctx, filter)
}
