package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/ota-client/internal/config"
	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/info"
)

var (
	errIndexOutOfRange = errors.New("rollback index out of range")
	errUnknownPolicy   = errors.New("unknown rollback policy")
)

// Selection tells Refresh which deployment is the rollback candidate.
type Selection struct {
	index    int
	explicit bool
}

// AutoDetect picks the candidate with the tracker's policy.
func AutoDetect() Selection {
	return Selection{}
}

// Explicit picks the deployment at index in boot order.
func Explicit(index int) Selection {
	return Selection{index: index, explicit: true}
}

// Index returns the explicit index, ok is false for AutoDetect.
func (s Selection) Index() (int, bool) {
	return s.index, s.explicit
}

// String implements fmt.Stringer.
func (s Selection) String() string {
	if !s.explicit {
		return "auto"
	}

	return fmt.Sprintf("explicit(%d)", s.index)
}

// InfoFetcher reads metadata documents.
type InfoFetcher interface {
	Fetch(ctx context.Context, target ota.QueryTarget, revision ota.Revision) (info.Result, error)
}

// NotifyFunc receives every newly published state.
type NotifyFunc func(state ota.RollbackState)

// Option configures a Tracker.
type Option func(*Tracker)

// WithPolicy sets the auto-detection policy, config.PolicyMostRecent or config.PolicyBooted.
func WithPolicy(policy string) Option {
	return func(t *Tracker) {
		if policy != "" {
			t.policy = policy
		}
	}
}

// WithNotify installs the publication callback.
func WithNotify(notify NotifyFunc) Option {
	return func(t *Tracker) {
		t.notify = notify
	}
}

// Tracker keeps the last published RollbackState.
type Tracker struct {
	fetcher InfoFetcher
	policy  string
	notify  NotifyFunc

	mu    sync.Mutex
	state ota.RollbackState
}

// NewTracker creates a Tracker with an empty state.
func NewTracker(fetcher InfoFetcher, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		fetcher: fetcher,
		policy:  config.PolicyMostRecent,
	}

	for _, opt := range opts {
		opt(t)
	}

	switch t.policy {
	case config.PolicyMostRecent, config.PolicyBooted:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownPolicy, t.policy)
	}

	return t, nil
}

// State returns the last published state.
func (t *Tracker) State() ota.RollbackState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// ComputeIndex returns the boot-order index of the rollback candidate.
// ok is false when fewer than two deployments exist.
func (t *Tracker) ComputeIndex(deployments []ota.Deployment) (int, bool) {
	if len(deployments) < 2 {
		return 0, false
	}

	if t.policy == config.PolicyBooted {
		if index, ok := bootedIndex(deployments); ok {
			return index, true
		}
	}

	return firstNonDefault(deployments)
}

// bootedIndex follows the deployment tool: the entry after the booted one
// when booted is the default, otherwise the first entry unless it is the default.
func bootedIndex(deployments []ota.Deployment) (int, bool) {
	booted := -1

	for i, deployment := range deployments {
		if deployment.IsBooted {
			booted = i

			break
		}
	}

	switch {
	case booted < 0:
		return 0, false
	case booted == 0:
		return 1, true
	case !deployments[0].IsDefault:
		return 0, true
	default:
		return 0, false
	}
}

func firstNonDefault(deployments []ota.Deployment) (int, bool) {
	for i, deployment := range deployments {
		if !deployment.IsDefault {
			return i, true
		}
	}

	return 0, false
}

// Refresh derives the state from deployments and publishes it when it differs from
// the previous one. changed reports whether a publication happened.
// On failure the previous state is kept.
func (t *Tracker) Refresh(
	ctx context.Context,
	deployments []ota.Deployment,
	selection Selection,
) (state ota.RollbackState, changed bool, err error) {
	next, err := t.derive(ctx, deployments, selection)
	if err != nil {
		return t.State(), false, err
	}

	t.mu.Lock()
	previous := t.state

	if previous.Equal(next) {
		t.mu.Unlock()

		return previous, false, nil
	}

	t.state = next
	notify := t.notify
	t.mu.Unlock()

	logger.DebugKV(ctx, "Rollback state changed",
		"selection", selection.String(),
		"revision", next.Revision.Short(),
		"deployments", next.DeploymentCount,
		"diff", cmp.Diff(snapshotOf(previous), snapshotOf(next), protocmp.Transform()))

	if notify != nil {
		notify(next)
	}

	return next, true, nil
}

// derive builds the state without publishing it.
func (t *Tracker) derive(
	ctx context.Context,
	deployments []ota.Deployment,
	selection Selection,
) (ota.RollbackState, error) {
	state := ota.RollbackState{DeploymentCount: len(deployments)}
	if len(deployments) < 2 {
		return state, nil
	}

	index, explicit := selection.Index()
	if !explicit {
		var ok bool

		index, ok = t.ComputeIndex(deployments)
		if !ok {
			return state, nil
		}
	}

	if index < 0 || index >= len(deployments) {
		return state, fmt.Errorf("%w: %d of %d", errIndexOutOfRange, index, len(deployments))
	}

	state.Revision = deployments[index].Revision

	result, err := t.fetcher.Fetch(ctx, ota.RollbackDeployment, state.Revision)
	if err != nil {
		return state, fmt.Errorf("refresh rollback state: %w", err)
	}

	state.Info = result.Info

	return state, nil
}

// snapshot is the loggable view of a RollbackState.
type snapshot struct {
	Revision        ota.Revision
	DeploymentCount int
	InfoRevision    ota.Revision
	Document        *structpb.Struct
}

func snapshotOf(state ota.RollbackState) snapshot {
	return snapshot{
		Revision:        state.Revision,
		DeploymentCount: state.DeploymentCount,
		InfoRevision:    state.Info.Revision(),
		Document:        state.Info.Document(),
	}
}
