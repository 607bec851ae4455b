// Package jobs implements the job pipeline (spec §4.4): admission with
// conflict detection, per-node deploy locking, agent selection, optional
// image pre-flight, dispatch, and stuck-job retry/dead-lettering.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/archetype-labs/archetyped/infrastructure/errors"
	"github.com/archetype-labs/archetyped/infrastructure/metrics"
	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/core/bus"
	"github.com/archetype-labs/archetyped/internal/app/core/cleanup"
	"github.com/archetype-labs/archetyped/internal/app/core/registry"
	"github.com/archetype-labs/archetyped/internal/app/core/service"
	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// DeployLockTTL bounds how long a per-node deploy lock survives if its
// holder crashes before releasing it (spec §5: "deploy lock TTL minutes").
const DeployLockTTL = 5 * time.Minute

// AgentCaller is the subset of agentrpc.Client the pipeline dispatches
// through; callers supply one client per agent (addresses vary per agent).
type AgentCaller interface {
	Deploy(ctx context.Context, req agentrpc.DeployRequest) (agentrpc.DeployResponse, error)
	Destroy(ctx context.Context, req agentrpc.DestroyRequest) error
	NodeAction(ctx context.Context, req agentrpc.NodeActionRequest) error
	CheckImage(ctx context.Context, imageRef string) (agentrpc.CheckImageResponse, error)
}

// AgentClientFactory resolves an AgentCaller for a given agent address.
// Implementations typically cache one agentrpc.Client per agent ID.
type AgentClientFactory func(agentAddress string) (AgentCaller, error)

// NodeRequest is one node's piece of a deploy/destroy/action job.
type NodeRequest struct {
	NodeID        string
	ContainerName string
	Kind          string
	Image         string
}

// Pipeline admits, locks, dispatches, and monitors jobs.
type Pipeline struct {
	store          storage.JobStore
	states         storage.NodeStateStore
	registry       *registry.Registry
	bus            *bus.Bus
	clientFor      AgentClientFactory
	imagePreflight bool
	dispatcher     *cleanup.Dispatcher
	retryPolicy    service.RetryPolicy
	hooks          service.DispatchHooks
	log            *logger.Logger
}

// Config configures a Pipeline.
type Config struct {
	ImagePreDeployCheck bool
	// AgentRetryPolicy governs retries of the per-node agent RPC issued
	// during dispatch (transport hiccups, not application failures). The
	// zero value preserves prior behavior: a single attempt, no backoff.
	AgentRetryPolicy service.RetryPolicy
}

// New builds a Pipeline. dispatcher may be nil, in which case a completed
// destroy job does not feed the cleanup substrate (e.g. in tests that don't
// care about workspace teardown).
func New(store storage.JobStore, states storage.NodeStateStore, reg *registry.Registry, b *bus.Bus, clientFor AgentClientFactory, cfg Config, dispatcher *cleanup.Dispatcher, log *logger.Logger) *Pipeline {
	policy := cfg.AgentRetryPolicy
	if policy.Attempts <= 0 {
		policy = service.DefaultRetryPolicy
	}

	p := &Pipeline{
		store:          store,
		states:         states,
		registry:       reg,
		bus:            b,
		clientFor:      clientFor,
		imagePreflight: cfg.ImagePreDeployCheck,
		dispatcher:     dispatcher,
		retryPolicy:    policy,
		log:            log,
	}
	p.hooks = service.DispatchHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			if p.log != nil {
				p.log.Debugf("job dispatch start lab=%s job=%s verb=%s", meta["lab_id"], meta["job_id"], meta["verb"])
			}
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			if p.log == nil {
				return
			}
			if err != nil {
				p.log.WithError(err).Warnf("job dispatch failed lab=%s job=%s verb=%s after %s", meta["lab_id"], meta["job_id"], meta["verb"], duration)
			} else {
				p.log.Debugf("job dispatch complete lab=%s job=%s verb=%s in %s", meta["lab_id"], meta["job_id"], meta["verb"], duration)
			}
		},
	}
	return p
}

// SetDesired records a desired-state change for one node and, per spec §8
// scenario 6, immediately clears its enforcement cooldown so the next
// enforcement pass is not suppressed by a cooldown started under the old
// desired state.
func (p *Pipeline) SetDesired(ctx context.Context, labID, nodeID string, desired nodestate.Desired) error {
	_, err := p.states.WithNodeStateLock(ctx, labID, nodeID, false, func(ns *nodestate.NodeState) error {
		ns.SetDesired(desired)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set desired state: %w", err)
	}
	if p.bus != nil {
		if err := p.bus.ClearCooldown(ctx, labID, nodeID); err != nil && p.log != nil {
			p.log.WithError(err).Warnf("clear cooldown failed for node %s/%s", labID, nodeID)
		}
	}
	return nil
}

// Submit admits a job, failing with ErrCodeConflictJob if an active job for
// the lab conflicts per the verb matrix (spec §4.4, §5: admission and
// insert are one transaction).
func (p *Pipeline) Submit(ctx context.Context, labID, userID, actionStr string) (job.Job, error) {
	action, err := job.ParseAction(actionStr)
	if err != nil {
		return job.Job{}, apperrors.InvalidInput("action", err.Error())
	}

	j := job.Job{
		ID:        uuid.NewString(),
		LabID:     labID,
		UserID:    userID,
		Action:    action,
		Status:    job.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	created, conflictID, err := p.store.CreateJobIfNoConflict(ctx, j)
	if err != nil {
		return job.Job{}, fmt.Errorf("admit job: %w", err)
	}
	if conflictID != "" {
		return job.Job{}, apperrors.ConflictJob(labID, conflictID)
	}
	return created, nil
}

// Dispatch acquires deploy locks for every node in the job, selects an
// agent, optionally pre-flights images, and issues the agent call. It marks
// the job running on start and completed/failed on terminal outcome.
//
// requiredProvider narrows agent selection (spec §4.2); nodes carries the
// per-node payload for deploy/destroy/action verbs.
func (p *Pipeline) Dispatch(ctx context.Context, j job.Job, requiredProvider string, nodes []NodeRequest) error {
	lockKeys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		lockKeys = append(lockKeys, bus.DeployLockKey(j.LabID, n.NodeID))
	}

	conflicting, err := p.bus.AcquireDeployLocks(ctx, j.ID, DeployLockTTL, lockKeys)
	if err != nil {
		// Fail open per spec §4.4: a lock-store outage must not block the
		// whole pipeline, so we proceed without locks rather than reject.
		if p.log != nil {
			p.log.WithError(err).Warn("deploy lock acquisition degraded, proceeding without locks")
		}
	} else if len(conflicting) > 0 {
		return apperrors.ConflictDesiredState(conflicting[0], "node has a deploy lock held by another job")
	} else {
		defer p.bus.ReleaseDeployLocks(ctx, lockKeys)
	}

	agent, err := p.registry.PickForLab(ctx, j.LabID, requiredProvider)
	if err != nil {
		return apperrors.AgentUnavailable("", err)
	}

	client, err := p.clientFor(agent.Address)
	if err != nil {
		return apperrors.AgentUnavailable(agent.ID, err)
	}

	if p.imagePreflight {
		for _, n := range nodes {
			if n.Image == "" {
				continue
			}
			resp, err := client.CheckImage(ctx, n.Image)
			if err != nil {
				return err // already a classified ServiceError from agentrpc
			}
			if !resp.Present {
				return apperrors.ResourcePressure(fmt.Sprintf("image %s", n.Image), 100)
			}
		}
	}

	j.Status = job.StatusRunning
	now := time.Now().UTC()
	j.StartedAt = &now
	j.AgentID = agent.ID
	j.LastHeartbeat = &now
	if err := p.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	if desired, ok := desiredForVerb(j.Action.Verb); ok && p.states != nil {
		for _, n := range nodes {
			if err := p.SetDesired(ctx, j.LabID, n.NodeID, desired); err != nil && p.log != nil {
				p.log.WithError(err).Warnf("desired-state update failed for node %s/%s", j.LabID, n.NodeID)
			}
		}
	}

	finishObservation := service.StartDispatch(ctx, p.hooks, map[string]string{
		"lab_id": j.LabID,
		"job_id": j.ID,
		"verb":   string(j.Action.Verb),
	})
	dispatchErr := p.dispatchToAgent(ctx, client, j, nodes)
	finishObservation(dispatchErr)

	completed := time.Now().UTC()
	j.CompletedAt = &completed
	if dispatchErr != nil {
		reason := ClassifyFailure(dispatchErr.Error())
		j.Status = job.StatusFailed
		j.Log = fmt.Sprintf("[%s] %s", reason, dispatchErr.Error())
		metrics.Global().RecordJobFailure(string(j.Action.Verb), reason)
	} else {
		j.Status = job.StatusCompleted
		if j.Action.Verb == job.VerbDown && p.dispatcher != nil {
			p.dispatcher.Enqueue(cleanup.Event{
				Type:      cleanup.EventDestroyFinished,
				LabID:     j.LabID,
				JobID:     j.ID,
				Timestamp: completed,
			})
		}
	}
	if err := p.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("mark job terminal: %w", err)
	}
	return dispatchErr
}

// desiredForVerb maps a job verb to the desired state it expresses for each
// of its target nodes (spec §4.5); sync jobs carry no desired-state change.
func desiredForVerb(v job.Verb) (nodestate.Desired, bool) {
	switch v {
	case job.VerbUp:
		return nodestate.DesiredRunning, true
	case job.VerbDown:
		return nodestate.DesiredStopped, true
	default:
		return "", false
	}
}

func (p *Pipeline) dispatchToAgent(ctx context.Context, client AgentCaller, j job.Job, nodes []NodeRequest) error {
	switch j.Action.Verb {
	case job.VerbUp:
		for _, n := range nodes {
			err := service.Retry(ctx, p.retryPolicy, func() error {
				_, err := client.Deploy(ctx, agentrpc.DeployRequest{
					LabID:         j.LabID,
					NodeID:        n.NodeID,
					ContainerName: n.ContainerName,
					Kind:          n.Kind,
					Image:         n.Image,
				})
				return err
			})
			if err != nil {
				return err
			}
		}
	case job.VerbDown:
		for _, n := range nodes {
			err := service.Retry(ctx, p.retryPolicy, func() error {
				err := client.Destroy(ctx, agentrpc.DestroyRequest{
					LabID:         j.LabID,
					NodeID:        n.NodeID,
					ContainerName: n.ContainerName,
				})
				// Multi-host destroy tolerates a node already gone on a
				// recovered/offline host (spec §4.4); only a transport
				// failure against a reachable agent is retried/reported.
				if err != nil && apperrors.GetHTTPStatus(err) == 422 {
					return nil
				}
				return err
			})
			if err != nil {
				return err
			}
		}
	case job.VerbSync:
		for _, n := range nodes {
			err := service.Retry(ctx, p.retryPolicy, func() error {
				return client.NodeAction(ctx, agentrpc.NodeActionRequest{
					LabID:         j.LabID,
					NodeID:        n.NodeID,
					ContainerName: n.ContainerName,
					Action:        "sync",
				})
			})
			if err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported job verb %q", j.Action.Verb)
	}
	return nil
}

// RetryStuck finds jobs whose heartbeat has gone silent past threshold and
// supersedes each with a fresh retry job (for transport-class failures) or
// marks it failed outright once retry budget is exhausted (spec §4.4:
// "transport-retriable via a new superseding Job row; application failures
// do not retry").
func (p *Pipeline) RetryStuck(ctx context.Context, heartbeatThreshold time.Time, maxRetries int) ([]job.Job, error) {
	stuck, err := p.store.ListStuckJobs(ctx, heartbeatThreshold)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}

	var retried []job.Job
	for _, j := range stuck {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Status = job.StatusFailed
		j.Log = "job heartbeat timed out"
		if err := p.store.UpdateJob(ctx, j); err != nil {
			return retried, fmt.Errorf("mark stuck job failed: %w", err)
		}

		if j.RetryCount >= maxRetries {
			continue // dead-lettered: exceeded retry budget, left failed
		}

		retry := job.Job{
			ID:          uuid.NewString(),
			LabID:       j.LabID,
			UserID:      j.UserID,
			Action:      j.Action,
			Status:      job.StatusQueued,
			CreatedAt:   now,
			RetryCount:  j.RetryCount + 1,
			ParentJobID: j.ID,
		}
		created, err := p.store.CreateJob(ctx, retry)
		if err != nil {
			return retried, fmt.Errorf("create retry job: %w", err)
		}
		retried = append(retried, created)
	}
	return retried, nil
}
