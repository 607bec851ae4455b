// Package memory provides an in-memory storage.Store implementation, used
// as the default store and in unit tests throughout the core packages,
// mirroring the teacher's mutex-guarded-map memory store idiom.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/domain/placement"
	"github.com/archetype-labs/archetyped/internal/app/domain/snapshot"
	"github.com/archetype-labs/archetyped/internal/app/storage"
)

// Store is an in-memory, mutex-guarded implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	labs         map[string]lab.Lab
	nodes        map[string]node.Node
	nodeStates   map[string]nodestate.NodeState // key: labID+"/"+nodeID
	links        map[string]link.Link
	linkStates   map[string]link.LinkState // key: labID+"/"+canonicalName
	reservations map[string]link.EndpointReservation // key: labID+"/"+nodeName+"/"+iface
	tunnels      map[string]link.VxlanTunnel // key: labID+"/"+linkName
	agents       map[string]agenthost.Host
	jobs         map[string]job.Job
	placements   map[string]placement.Placement // key: labID+"/"+nodeName
	snapshots    map[string]snapshot.ConfigSnapshot
	imageSyncs   map[string]snapshot.ImageSyncJob // key: agentID+"/"+imageRef

	// nodeStateLocked tracks rows currently held, for WithNodeStateLock's
	// SKIP LOCKED emulation.
	nodeStateLocked map[string]bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		labs:            make(map[string]lab.Lab),
		nodes:           make(map[string]node.Node),
		nodeStates:      make(map[string]nodestate.NodeState),
		links:           make(map[string]link.Link),
		linkStates:      make(map[string]link.LinkState),
		reservations:    make(map[string]link.EndpointReservation),
		tunnels:         make(map[string]link.VxlanTunnel),
		agents:          make(map[string]agenthost.Host),
		jobs:            make(map[string]job.Job),
		placements:      make(map[string]placement.Placement),
		snapshots:       make(map[string]snapshot.ConfigSnapshot),
		imageSyncs:      make(map[string]snapshot.ImageSyncJob),
		nodeStateLocked: make(map[string]bool),
	}
}

var _ storage.Store = (*Store)(nil)

func nsKey(labID, nodeID string) string  { return labID + "/" + nodeID }
func lsKey(labID, name string) string    { return labID + "/" + name }
func resvKey(labID, n, iface string) string { return labID + "/" + n + "/" + iface }
func plKey(labID, n string) string       { return labID + "/" + n }
func isKey(agentID, ref string) string   { return agentID + "/" + ref }

// --- LabStore ---

func (s *Store) CreateLab(ctx context.Context, l lab.Lab) (lab.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.State == "" {
		l.State = lab.StateStopped
	}
	s.labs[l.ID] = l
	return l, nil
}

func (s *Store) GetLab(ctx context.Context, id string) (lab.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labs[id]
	if !ok {
		return lab.Lab{}, storage.ErrNotFound
	}
	return l, nil
}

func (s *Store) ListLabs(ctx context.Context, owner string) ([]lab.Lab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lab.Lab
	for _, l := range s.labs {
		if owner == "" || l.Owner == owner {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateLabState(ctx context.Context, id string, state lab.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labs[id]
	if !ok {
		return storage.ErrNotFound
	}
	l.State = state
	l.LastStateChange = time.Now().UTC()
	s.labs[id] = l
	return nil
}

func (s *Store) DeleteLab(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.labs, id)
	for k, n := range s.nodes {
		if n.LabID == id {
			delete(s.nodes, k)
		}
	}
	for k, ns := range s.nodeStates {
		if ns.LabID == id {
			delete(s.nodeStates, k)
		}
	}
	for k, ls := range s.linkStates {
		if ls.LabID == id {
			delete(s.linkStates, k)
		}
	}
	for k, l := range s.links {
		if l.LabID == id {
			delete(s.links, k)
		}
	}
	for k, r := range s.reservations {
		if r.LabID == id {
			delete(s.reservations, k)
		}
	}
	for k, t := range s.tunnels {
		if t.LabID == id {
			delete(s.tunnels, k)
		}
	}
	for k, p := range s.placements {
		if p.LabID == id {
			delete(s.placements, k)
		}
	}
	return nil
}

// --- NodeStore ---

func (s *Store) CreateNode(ctx context.Context, n node.Node) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.nodes[n.ID] = n
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return node.Node{}, storage.ErrNotFound
	}
	return n, nil
}

func (s *Store) ListNodesByLab(ctx context.Context, labID string) ([]node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []node.Node
	for _, n := range s.nodes {
		if n.LabID == labID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

// --- NodeStateStore ---

func (s *Store) CreateNodeState(ctx context.Context, ns nodestate.NodeState) (nodestate.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nsKey(ns.LabID, ns.NodeID)
	if _, exists := s.nodeStates[key]; exists {
		return nodestate.NodeState{}, fmt.Errorf("node state for (%s,%s) already exists", ns.LabID, ns.NodeID)
	}
	s.nodeStates[key] = ns
	return ns, nil
}

func (s *Store) GetNodeState(ctx context.Context, labID, nodeID string) (nodestate.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.nodeStates[nsKey(labID, nodeID)]
	if !ok {
		return nodestate.NodeState{}, storage.ErrNotFound
	}
	return ns, nil
}

func (s *Store) ListNodeStatesByLab(ctx context.Context, labID string) ([]nodestate.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nodestate.NodeState
	for _, ns := range s.nodeStates {
		if ns.LabID == labID {
			out = append(out, ns)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *Store) UpdateNodeState(ctx context.Context, ns nodestate.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nsKey(ns.LabID, ns.NodeID)
	if _, ok := s.nodeStates[key]; !ok {
		return storage.ErrNotFound
	}
	s.nodeStates[key] = ns
	return nil
}

func (s *Store) WithNodeStateLock(ctx context.Context, labID, nodeID string, skipLocked bool, fn func(ns *nodestate.NodeState) error) (bool, error) {
	key := nsKey(labID, nodeID)

	s.mu.Lock()
	if s.nodeStateLocked[key] {
		s.mu.Unlock()
		if skipLocked {
			return false, nil
		}
		// Without SKIP LOCKED semantics, a real FOR UPDATE would block; the
		// in-memory store has no blocking queue, so it treats contention as
		// a conflict the caller should retry.
		return false, fmt.Errorf("node state (%s,%s) is locked", labID, nodeID)
	}
	s.nodeStateLocked[key] = true
	ns, ok := s.nodeStates[key]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.nodeStateLocked, key)
		s.mu.Unlock()
	}()

	if !ok {
		return false, storage.ErrNotFound
	}
	if err := fn(&ns); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.nodeStates[key] = ns
	s.mu.Unlock()
	return true, nil
}

// --- LinkStore ---

func (s *Store) CreateLink(ctx context.Context, l link.Link) (link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	s.links[l.ID] = l
	return l, nil
}

func (s *Store) GetLink(ctx context.Context, id string) (link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return link.Link{}, storage.ErrNotFound
	}
	return l, nil
}

func (s *Store) ListLinksByLab(ctx context.Context, labID string) ([]link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []link.Link
	for _, l := range s.links {
		if l.LabID == labID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteLink(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, id)
	return nil
}

func (s *Store) CreateLinkState(ctx context.Context, ls link.LinkState) (link.LinkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lsKey(ls.LabID, ls.CanonicalName)
	s.linkStates[key] = ls
	return ls, nil
}

func (s *Store) GetLinkState(ctx context.Context, labID, canonicalName string) (link.LinkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.linkStates[lsKey(labID, canonicalName)]
	if !ok {
		return link.LinkState{}, storage.ErrNotFound
	}
	return ls, nil
}

func (s *Store) ListLinkStatesByLab(ctx context.Context, labID string) ([]link.LinkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []link.LinkState
	for _, ls := range s.linkStates {
		if ls.LabID == labID {
			out = append(out, ls)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

func (s *Store) UpdateLinkState(ctx context.Context, ls link.LinkState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lsKey(ls.LabID, ls.CanonicalName)
	if _, ok := s.linkStates[key]; !ok {
		return storage.ErrNotFound
	}
	s.linkStates[key] = ls
	return nil
}

func (s *Store) WithLinkStateLock(ctx context.Context, labID, canonicalName string, fn func(ls *link.LinkState) error) error {
	s.mu.Lock()
	ls, ok := s.linkStates[lsKey(labID, canonicalName)]
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	if err := fn(&ls); err != nil {
		return err
	}
	s.mu.Lock()
	s.linkStates[lsKey(labID, canonicalName)] = ls
	s.mu.Unlock()
	return nil
}

func (s *Store) ReserveEndpoints(ctx context.Context, labID, linkName string, a, b node.Endpoint) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyA := resvKey(labID, a.NodeName, a.Interface)
	keyB := resvKey(labID, b.NodeName, b.Interface)

	var conflicts []string
	if existing, ok := s.reservations[keyA]; ok && existing.LinkName != linkName {
		conflicts = append(conflicts, existing.LinkName)
	}
	if existing, ok := s.reservations[keyB]; ok && existing.LinkName != linkName {
		conflicts = append(conflicts, existing.LinkName)
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}

	s.reservations[keyA] = link.EndpointReservation{LabID: labID, NodeName: a.NodeName, Interface: a.Interface, LinkName: linkName}
	s.reservations[keyB] = link.EndpointReservation{LabID: labID, NodeName: b.NodeName, Interface: b.Interface, LinkName: linkName}
	return nil, nil
}

func (s *Store) ReleaseEndpoints(ctx context.Context, labID, linkName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.reservations {
		if r.LabID == labID && r.LinkName == linkName {
			delete(s.reservations, k)
		}
	}
	return nil
}

func (s *Store) CreateVxlanTunnel(ctx context.Context, t link.VxlanTunnel) (link.VxlanTunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tunnels[lsKey(t.LabID, t.LinkName)] = t
	return t, nil
}

func (s *Store) GetVxlanTunnel(ctx context.Context, labID, linkName string) (link.VxlanTunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[lsKey(labID, linkName)]
	if !ok {
		return link.VxlanTunnel{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListVxlanTunnels(ctx context.Context) ([]link.VxlanTunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []link.VxlanTunnel
	for _, t := range s.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkName < out[j].LinkName })
	return out, nil
}

func (s *Store) UpdateVxlanTunnelStatus(ctx context.Context, labID, linkName string, status link.TunnelStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lsKey(labID, linkName)
	t, ok := s.tunnels[key]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = status
	s.tunnels[key] = t
	return nil
}

func (s *Store) DeleteVxlanTunnel(ctx context.Context, labID, linkName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, lsKey(labID, linkName))
	return nil
}

// --- AgentStore ---

func (s *Store) UpsertAgent(ctx context.Context, h agenthost.Host) (agenthost.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[h.ID] = h
	return h, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agenthost.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.agents[id]
	if !ok {
		return agenthost.Host{}, storage.ErrNotFound
	}
	return h, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (agenthost.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.agents {
		if h.ID == name {
			return h, nil
		}
	}
	return agenthost.Host{}, storage.ErrNotFound
}

func (s *Store) ListAgents(ctx context.Context) ([]agenthost.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agenthost.Host
	for _, h := range s.agents {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, id string, usage agenthost.ResourceUsage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	h.ResourceUsage = usage
	h.LastHeartbeat = at
	h.Status = agenthost.StatusOnline
	s.agents[id] = h
	return nil
}

func (s *Store) MarkOffline(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		h, ok := s.agents[id]
		if !ok {
			continue
		}
		h.Status = agenthost.StatusOffline
		s.agents[id] = h
	}
	return nil
}

func (s *Store) ListStaleAgentIDs(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, h := range s.agents {
		if h.Status == agenthost.StatusOnline && now.Sub(h.LastHeartbeat) >= timeout {
			out = append(out, h.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return storage.ErrNotFound
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) ListActiveJobsByLab(ctx context.Context, labID string) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.LabID == labID && j.Status.Active() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStuckJobs(ctx context.Context, heartbeatThreshold time.Time) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		if j.LastHeartbeat == nil || j.LastHeartbeat.Before(heartbeatThreshold) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) CountActiveJobsByAgent(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.AgentID == agentID && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateJobIfNoConflict(ctx context.Context, j job.Job) (job.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.LabID != j.LabID || !existing.Status.Active() {
			continue
		}
		if job.Conflicts(existing.Action.Verb, j.Action.Verb) {
			return job.Job{}, existing.ID, nil
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = j
	return j, "", nil
}

func (s *Store) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if !j.IsTerminal() || !j.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

// --- PlacementStore ---

func (s *Store) SetPlacement(ctx context.Context, p placement.Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placements[plKey(p.LabID, p.NodeName)] = p
	return nil
}

func (s *Store) GetPlacementsByLab(ctx context.Context, labID string) ([]placement.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []placement.Placement
	for _, p := range s.placements {
		if p.LabID == labID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

func (s *Store) DeletePlacement(ctx context.Context, labID, nodeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placements, plKey(labID, nodeName))
	return nil
}

// --- SnapshotStore ---

func (s *Store) CreateConfigSnapshot(ctx context.Context, sn snapshot.ConfigSnapshot) (snapshot.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now().UTC()
	}
	s.snapshots[sn.ID] = sn
	return sn, nil
}

func (s *Store) DeleteConfigSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sn := range s.snapshots {
		if sn.CreatedAt.Before(cutoff) {
			delete(s.snapshots, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) (snapshot.ImageSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.imageSyncs[isKey(j.AgentID, j.ImageRef)] = j
	return j, nil
}

func (s *Store) GetImageSyncJob(ctx context.Context, agentID, imageRef string) (snapshot.ImageSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.imageSyncs[isKey(agentID, imageRef)]
	if !ok {
		return snapshot.ImageSyncJob{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *Store) UpdateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := isKey(j.AgentID, j.ImageRef)
	if _, ok := s.imageSyncs[key]; !ok {
		return storage.ErrNotFound
	}
	s.imageSyncs[key] = j
	return nil
}

func (s *Store) DeleteImageSyncJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, j := range s.imageSyncs {
		if j.CreatedAt.Before(cutoff) {
			delete(s.imageSyncs, k)
			n++
		}
	}
	return n, nil
}
