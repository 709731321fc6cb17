package k8s

import (
	"context"
	"fmt"

	"github.com/PeladoCollado/machinegun/types"
	v1 "k8s.io/api/core/v1"
)

type TargetMode string

const (
	TargetModeURL     TargetMode = "url"
	TargetModeService TargetMode = "service"
)

type TargetResolverConfig struct {
	Mode TargetMode
	URL  string

	Namespace string
	Service   string
	PortName  string
	Scheme    string
	// Deployment, when set, selects the pods whose usage is watched.
	Deployment string
}

type TargetResolver struct {
	client *Client
	config TargetResolverConfig
}

func NewTargetResolver(client *Client, config TargetResolverConfig) (*TargetResolver, error) {
	switch config.Mode {
	case TargetModeURL:
		if err := types.ValidateTargetURL(config.URL); err != nil {
			return nil, err
		}
	case TargetModeService:
		if config.Service == "" || config.Namespace == "" {
			return nil, fmt.Errorf("service mode requires namespace and service")
		}
	default:
		return nil, fmt.Errorf("unsupported target mode %q", config.Mode)
	}
	if client == nil && (config.Mode == TargetModeService || config.Deployment != "") {
		return nil, fmt.Errorf("a kubernetes client is required for %s mode", config.Mode)
	}
	return &TargetResolver{client: client, config: config}, nil
}

// ResolveTarget returns the URL the attack is aimed at.
func (r *TargetResolver) ResolveTarget(ctx context.Context) (string, error) {
	if r.config.Mode == TargetModeURL {
		return r.config.URL, nil
	}
	return r.client.ServiceTargetURL(ctx, r.config.Namespace, r.config.Service, r.config.PortName, r.config.Scheme)
}

// CurrentPods returns the running pods backing the target, if any are known.
func (r *TargetResolver) CurrentPods(ctx context.Context) ([]v1.Pod, error) {
	if r.config.Deployment != "" {
		return r.client.PodsForDeployment(ctx, r.config.Namespace, r.config.Deployment)
	}
	if r.config.Mode == TargetModeService {
		return r.client.PodsForService(ctx, r.config.Namespace, r.config.Service)
	}
	return nil, nil
}

// WatchesPods reports whether CurrentPods can return anything.
func (r *TargetResolver) WatchesPods() bool {
	return r.config.Deployment != "" || r.config.Mode == TargetModeService
}

func (r *TargetResolver) Namespace() string {
	return r.config.Namespace
}
