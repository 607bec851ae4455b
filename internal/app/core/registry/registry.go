// Package registry implements the agent registry (spec §4.2): agent
// registration, heartbeats, staleness detection, and selection for job
// dispatch (by capability, by lab affinity, or by name).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/storage"
)

// Registry selects and tracks worker agents.
type Registry struct {
	agents      storage.AgentStore
	placements  storage.PlacementStore
	jobs        storage.JobStore
	staleTimeout time.Duration
}

// New builds a Registry. staleTimeout governs the online predicate: an
// agent reporting status=online whose heartbeat is older than staleTimeout
// is treated as offline for selection purposes (spec §4.2).
func New(agents storage.AgentStore, placements storage.PlacementStore, jobs storage.JobStore, staleTimeout time.Duration) *Registry {
	return &Registry{agents: agents, placements: placements, jobs: jobs, staleTimeout: staleTimeout}
}

// Register creates or updates an agent's row on first contact or
// redeploy.
func (r *Registry) Register(ctx context.Context, h agenthost.Host) (agenthost.Host, error) {
	h.Status = agenthost.StatusOnline
	h.LastHeartbeat = time.Now().UTC()
	return r.agents.UpsertAgent(ctx, h)
}

// Heartbeat records a liveness ping and resource snapshot from an agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, usage agenthost.ResourceUsage) error {
	return r.agents.UpdateHeartbeat(ctx, agentID, usage, time.Now().UTC())
}

// MarkStale transitions every agent whose heartbeat has exceeded the
// configured staleness timeout to offline (spec §4.2 mark_stale).
func (r *Registry) MarkStale(ctx context.Context) ([]string, error) {
	stale, err := r.agents.ListStaleAgentIDs(ctx, time.Now().UTC(), r.staleTimeout)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := r.agents.MarkOffline(ctx, stale); err != nil {
		return nil, fmt.Errorf("mark offline: %w", err)
	}
	return stale, nil
}

// online reports whether h currently passes the registry's online
// predicate (status + heartbeat freshness).
func (r *Registry) online(h agenthost.Host) bool {
	return h.Online(time.Now().UTC(), r.staleTimeout)
}

// SelectOptions narrows candidate agents for Pick.
type SelectOptions struct {
	RequiredProvider string
	Prefer           []string // agent IDs to try before the rest
	Exclude          []string // agent IDs to never select
}

// Pick selects an online, under-capacity agent satisfying opts (spec §4.2
// pick). Candidates are ranked by preference order first, then by load
// (active job count against the agent's declared concurrency capacity),
// then by ID for determinism.
func (r *Registry) Pick(ctx context.Context, opts SelectOptions) (agenthost.Host, error) {
	candidates, err := r.candidates(ctx, opts)
	if err != nil {
		return agenthost.Host{}, err
	}
	return r.leastLoaded(ctx, candidates, opts.Prefer)
}

// PickForLab selects an online agent already hosting at least one node in
// the lab (affinity), falling back to an unconstrained Pick if the lab has
// no existing placements (spec §4.2 pick_for_lab).
func (r *Registry) PickForLab(ctx context.Context, labID string, requiredProvider string) (agenthost.Host, error) {
	placements, err := r.placements.GetPlacementsByLab(ctx, labID)
	if err != nil {
		return agenthost.Host{}, fmt.Errorf("get placements: %w", err)
	}
	if len(placements) == 0 {
		return r.Pick(ctx, SelectOptions{RequiredProvider: requiredProvider})
	}

	affine := make(map[string]bool, len(placements))
	for _, p := range placements {
		affine[p.HostID] = true
	}

	candidates, err := r.candidates(ctx, SelectOptions{RequiredProvider: requiredProvider})
	if err != nil {
		return agenthost.Host{}, err
	}
	var inLab []agenthost.Host
	for _, c := range candidates {
		if affine[c.ID] {
			inLab = append(inLab, c)
		}
	}
	if len(inLab) == 0 {
		// Every host hosting this lab is offline or excluded; fall back to
		// any capable agent rather than blocking the lab entirely.
		return r.leastLoaded(ctx, candidates, nil)
	}
	return r.leastLoaded(ctx, inLab, nil)
}

// PickByName resolves an agent by its registered name, requiring it to be
// online (spec §4.2 pick_by_name).
func (r *Registry) PickByName(ctx context.Context, name string) (agenthost.Host, error) {
	h, err := r.agents.GetAgentByName(ctx, name)
	if err != nil {
		return agenthost.Host{}, err
	}
	if !r.online(h) {
		return agenthost.Host{}, fmt.Errorf("agent %q is offline", name)
	}
	return h, nil
}

func (r *Registry) candidates(ctx context.Context, opts SelectOptions) ([]agenthost.Host, error) {
	all, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	var out []agenthost.Host
	for _, h := range all {
		if !r.online(h) {
			continue
		}
		if excluded[h.ID] {
			continue
		}
		if opts.RequiredProvider != "" && !h.Capabilities.HasProvider(opts.RequiredProvider) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (r *Registry) leastLoaded(ctx context.Context, candidates []agenthost.Host, prefer []string) (agenthost.Host, error) {
	if len(candidates) == 0 {
		return agenthost.Host{}, fmt.Errorf("no online agent satisfies the requested capabilities")
	}

	preferRank := make(map[string]int, len(prefer))
	for i, id := range prefer {
		preferRank[id] = i
	}

	var scoredCandidates []scoredAgent
	for _, h := range candidates {
		active, err := r.jobs.CountActiveJobsByAgent(ctx, h.ID)
		if err != nil {
			return agenthost.Host{}, fmt.Errorf("count active jobs for %s: %w", h.ID, err)
		}
		rank, preferred := preferRank[h.ID]
		if !preferred {
			rank = len(prefer)
		}
		scoredCandidates = append(scoredCandidates, scoredAgent{
			host:  h,
			load:  active,
			rank:  rank,
			under: h.UnderCapacity(active),
		})
	}

	best := scoredCandidates[0]
	for _, c := range scoredCandidates[1:] {
		if c.better(best) {
			best = c
		}
	}
	if !best.under {
		return agenthost.Host{}, fmt.Errorf("every candidate agent is at capacity")
	}
	return best.host, nil
}

// scoredAgent ranks one candidate for leastLoaded's selection.
type scoredAgent struct {
	host  agenthost.Host
	load  int
	rank  int
	under bool
}

func (a scoredAgent) better(b scoredAgent) bool {
	if a.under != b.under {
		return a.under
	}
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if a.load != b.load {
		return a.load < b.load
	}
	return a.host.ID < b.host.ID
}
