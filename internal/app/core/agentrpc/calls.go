package agentrpc

import "context"

// DeployRequest describes a node to bring up on the target agent.
type DeployRequest struct {
	LabID         string            `json:"lab_id"`
	NodeID        string            `json:"node_id"`
	ContainerName string            `json:"container_name"`
	Kind          string            `json:"kind"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
}

// DeployResponse reports the agent's view immediately after a deploy call
// returns; actual/ready state still flows through reconciliation.
type DeployResponse struct {
	Accepted bool `json:"accepted"`
}

// Deploy asks the agent to create and start a node's container/VM.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (DeployResponse, error) {
	var resp DeployResponse
	err := c.call(ctx, "POST", "/v1/nodes/deploy", req, &resp)
	return resp, err
}

// DestroyRequest identifies a node to tear down.
type DestroyRequest struct {
	LabID         string `json:"lab_id"`
	NodeID        string `json:"node_id"`
	ContainerName string `json:"container_name"`
}

// Destroy asks the agent to stop and remove a node's container/VM. Agents
// return success for an already-absent node so multi-host destroy stays
// idempotent across offline/recovered hosts (spec §4.4).
func (c *Client) Destroy(ctx context.Context, req DestroyRequest) error {
	return c.call(ctx, "POST", "/v1/nodes/destroy", req, nil)
}

// NodeActionRequest carries a start/stop/restart verb for a running node.
type NodeActionRequest struct {
	LabID         string `json:"lab_id"`
	NodeID        string `json:"node_id"`
	ContainerName string `json:"container_name"`
	Action        string `json:"action"`
}

// NodeAction issues a lifecycle action (start, stop, restart) against an
// already-deployed node.
func (c *Client) NodeAction(ctx context.Context, req NodeActionRequest) error {
	return c.call(ctx, "POST", "/v1/nodes/action", req, nil)
}

// NodeStatus is one entry in a GetLabStatus/DiscoverLabs response.
type NodeStatus struct {
	NodeID       string `json:"node_id"`
	State        string `json:"state"`
	IsReady      bool   `json:"is_ready"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GetLabStatusResponse lists the agent's observed state for every node it
// hosts in a lab.
type GetLabStatusResponse struct {
	Nodes []NodeStatus `json:"nodes"`
}

// GetLabStatus queries the agent for its observed state of every node it
// hosts for the given lab (reconciliation, spec §4.7).
func (c *Client) GetLabStatus(ctx context.Context, labID string) (GetLabStatusResponse, error) {
	var resp GetLabStatusResponse
	err := c.call(ctx, "GET", "/v1/labs/"+labID+"/status", nil, &resp)
	return resp, err
}

// DiscoverLabsResponse reports every lab/node the agent currently hosts,
// including ones the controller has no record of (orphans, spec §4.7).
type DiscoverLabsResponse struct {
	Labs map[string][]NodeStatus `json:"labs"`
}

// DiscoverLabs asks the agent to enumerate everything it is running,
// independent of any lab ID the controller supplies.
func (c *Client) DiscoverLabs(ctx context.Context) (DiscoverLabsResponse, error) {
	var resp DiscoverLabsResponse
	err := c.call(ctx, "GET", "/v1/labs/discover", nil, &resp)
	return resp, err
}

// CreateLinkRequest wires two same-host node endpoints together.
type CreateLinkRequest struct {
	LabID       string `json:"lab_id"`
	LinkName    string `json:"link_name"`
	SourceNode  string `json:"source_node"`
	SourceIface string `json:"source_iface"`
	TargetNode  string `json:"target_node"`
	TargetIface string `json:"target_iface"`
}

// CreateLinkResponse returns the VLAN tag the agent assigned the link.
type CreateLinkResponse struct {
	VLANTag int `json:"vlan_tag"`
}

// CreateLink connects two endpoints that live on the same host with a
// single call (spec §4.8 same-host connect).
func (c *Client) CreateLink(ctx context.Context, req CreateLinkRequest) (CreateLinkResponse, error) {
	var resp CreateLinkResponse
	err := c.call(ctx, "POST", "/v1/links/create", req, &resp)
	return resp, err
}

// DeleteLinkRequest identifies a same-host link to tear down.
type DeleteLinkRequest struct {
	LabID    string `json:"lab_id"`
	LinkName string `json:"link_name"`
}

// DeleteLink removes a same-host link with a single call.
func (c *Client) DeleteLink(ctx context.Context, req DeleteLinkRequest) error {
	return c.call(ctx, "POST", "/v1/links/delete", req, nil)
}

// SetupCrossHostLinkRequest asks one side of a cross-host link to bring up
// its half of the VXLAN tunnel and attach its local endpoint.
type SetupCrossHostLinkRequest struct {
	LabID       string `json:"lab_id"`
	LinkName    string `json:"link_name"`
	VNI         int    `json:"vni"`
	LocalNode   string `json:"local_node"`
	LocalIface  string `json:"local_iface"`
	PeerAgentIP string `json:"peer_agent_ip"`
	PortName    string `json:"port_name"`
}

// SetupCrossHostLinkResponse returns the VLAN tag assigned on this side.
type SetupCrossHostLinkResponse struct {
	VLANTag int `json:"vlan_tag"`
}

// SetupCrossHostLink establishes one side of a cross-host VXLAN tunnel
// (spec §4.8 cross-host connect, called once per host in the pair).
func (c *Client) SetupCrossHostLink(ctx context.Context, req SetupCrossHostLinkRequest) (SetupCrossHostLinkResponse, error) {
	var resp SetupCrossHostLinkResponse
	err := c.call(ctx, "POST", "/v1/links/cross-host/setup", req, &resp)
	return resp, err
}

// DetachOverlayInterfaceRequest identifies one side of a cross-host tunnel
// to detach during teardown.
type DetachOverlayInterfaceRequest struct {
	LabID    string `json:"lab_id"`
	LinkName string `json:"link_name"`
	PortName string `json:"port_name"`
}

// DetachOverlayInterface removes one side's VXLAN port during two-phase
// cross-host teardown (spec §4.8).
func (c *Client) DetachOverlayInterface(ctx context.Context, req DetachOverlayInterfaceRequest) error {
	return c.call(ctx, "POST", "/v1/links/cross-host/detach", req, nil)
}

// AttachOverlayInterfaceRequest re-attaches a side's VXLAN port, used to
// roll back a detach that already happened when the other side's detach
// failed.
type AttachOverlayInterfaceRequest struct {
	LabID       string `json:"lab_id"`
	LinkName    string `json:"link_name"`
	VNI         int    `json:"vni"`
	LocalNode   string `json:"local_node"`
	LocalIface  string `json:"local_iface"`
	PeerAgentIP string `json:"peer_agent_ip"`
	PortName    string `json:"port_name"`
}

// AttachOverlayInterface re-attaches a previously detached side.
func (c *Client) AttachOverlayInterface(ctx context.Context, req AttachOverlayInterfaceRequest) error {
	return c.call(ctx, "POST", "/v1/links/cross-host/attach", req, nil)
}

// OverlayEntry is one declared tunnel endpoint in a DeclareOverlayState
// call.
type OverlayEntry struct {
	LinkName    string `json:"link_name"`
	VNI         int    `json:"vni"`
	LocalNode   string `json:"local_node"`
	LocalIface  string `json:"local_iface"`
	PeerAgentIP string `json:"peer_agent_ip"`
	PortName    string `json:"port_name"`
}

// DeclareOverlayStateRequest is the declared set of tunnels this host
// should have attached; anything the agent has but isn't listed here is an
// orphan to remove (spec §4.9).
type DeclareOverlayStateRequest struct {
	Entries []OverlayEntry `json:"entries"`
}

// OverlayResult reports one entry's convergence outcome.
type OverlayResult struct {
	LinkName     string `json:"link_name"`
	Status       string `json:"status"` // converged | created | error
	ErrorMessage string `json:"error_message,omitempty"`
}

// DeclareOverlayStateResponse reports per-entry convergence results plus
// the orphaned ports the agent removed.
type DeclareOverlayStateResponse struct {
	Results        []OverlayResult `json:"results"`
	OrphansRemoved []string        `json:"orphans_removed"`
	Unsupported    bool            `json:"unsupported"`
}

// DeclareOverlayState converges a host's full set of VXLAN attachments in
// one call (spec §4.9). Callers fall back to ReconcileVxlanPorts if
// Unsupported comes back true.
func (c *Client) DeclareOverlayState(ctx context.Context, req DeclareOverlayStateRequest) (DeclareOverlayStateResponse, error) {
	var resp DeclareOverlayStateResponse
	err := c.call(ctx, "POST", "/v1/overlay/declare", req, &resp)
	return resp, err
}

// SetCarrierRequest flips the carrier state of a node's interface without
// touching its admin state, which is how cross-host carrier propagation
// avoids an echo loop (spec §4.10).
type SetCarrierRequest struct {
	LabID    string `json:"lab_id"`
	NodeName string `json:"node_name"`
	Iface    string `json:"iface"`
	Carrier  bool   `json:"carrier"`
}

// SetCarrier sets a remote peer interface's carrier signal.
func (c *Client) SetCarrier(ctx context.Context, req SetCarrierRequest) error {
	return c.call(ctx, "POST", "/v1/links/set-carrier", req, nil)
}

// IsolateEndpointRequest asks an agent to detach an endpoint from its peer
// without destroying either node, e.g. for link-level maintenance.
type IsolateEndpointRequest struct {
	LabID    string `json:"lab_id"`
	NodeName string `json:"node_name"`
	Iface    string `json:"iface"`
}

// IsolateEndpoint detaches one endpoint from the fabric.
func (c *Client) IsolateEndpoint(ctx context.Context, req IsolateEndpointRequest) error {
	return c.call(ctx, "POST", "/v1/links/isolate", req, nil)
}

// CheckNodeReadinessRequest asks the agent to run its kind-aware readiness
// probe for one node.
type CheckNodeReadinessRequest struct {
	LabID         string `json:"lab_id"`
	NodeID        string `json:"node_id"`
	ContainerName string `json:"container_name"`
	Kind          string `json:"kind"`
}

// CheckNodeReadinessResponse reports the probe result.
type CheckNodeReadinessResponse struct {
	Ready bool `json:"ready"`
}

// CheckNodeReadiness runs the agent's readiness probe for a node (spec
// §4.7: "is_ready from a kind-aware readiness probe").
func (c *Client) CheckNodeReadiness(ctx context.Context, req CheckNodeReadinessRequest) (CheckNodeReadinessResponse, error) {
	var resp CheckNodeReadinessResponse
	err := c.call(ctx, "POST", "/v1/nodes/readiness", req, &resp)
	return resp, err
}

// ReconcileVxlanPortsResponse reports the VXLAN ports the agent found and
// fixed up against its own kernel/OVS state.
type ReconcileVxlanPortsResponse struct {
	PortsReconciled int `json:"ports_reconciled"`
}

// ReconcileVxlanPorts asks the agent to reconcile its local VXLAN port
// table against its current overlay declarations.
func (c *Client) ReconcileVxlanPorts(ctx context.Context) (ReconcileVxlanPortsResponse, error) {
	var resp ReconcileVxlanPortsResponse
	err := c.call(ctx, "POST", "/v1/overlay/reconcile-ports", nil, &resp)
	return resp, err
}

// CleanupWorkspaceRequest asks the agent to remove a lab's on-disk
// workspace after it has been destroyed.
type CleanupWorkspaceRequest struct {
	LabID string `json:"lab_id"`
}

// CleanupWorkspace removes a lab's workspace directory on the agent host.
func (c *Client) CleanupWorkspace(ctx context.Context, req CleanupWorkspaceRequest) error {
	return c.call(ctx, "POST", "/v1/cleanup/workspace", req, nil)
}

// CleanupOrphansResponse reports counts of orphaned resources removed.
type CleanupOrphansResponse struct {
	ContainersRemoved int `json:"containers_removed"`
	NetworksRemoved   int `json:"networks_removed"`
}

// CleanupOrphans asks the agent to remove containers/networks it hosts
// that the controller has no record of.
func (c *Client) CleanupOrphans(ctx context.Context) (CleanupOrphansResponse, error) {
	var resp CleanupOrphansResponse
	err := c.call(ctx, "POST", "/v1/cleanup/orphans", nil, &resp)
	return resp, err
}

// PruneDockerResponse reports space reclaimed by a docker prune sweep.
type PruneDockerResponse struct {
	SpaceReclaimedBytes int64 `json:"space_reclaimed_bytes"`
}

// PruneDocker asks the agent to prune dangling images, volumes, and build
// cache (spec §4.11 periodic sweeps).
func (c *Client) PruneDocker(ctx context.Context) (PruneDockerResponse, error) {
	var resp PruneDockerResponse
	err := c.call(ctx, "POST", "/v1/cleanup/prune-docker", nil, &resp)
	return resp, err
}

// SyncImageRequest asks the agent to pull/import a node image ahead of
// deploy.
type SyncImageRequest struct {
	ImageRef string `json:"image_ref"`
}

// SyncImage pulls an image onto the agent host.
func (c *Client) SyncImage(ctx context.Context, req SyncImageRequest) error {
	return c.call(ctx, "POST", "/v1/images/sync", req, nil)
}

// CheckImageResponse reports whether the agent already has an image
// locally, used for deploy pre-flight checks.
type CheckImageResponse struct {
	Present bool `json:"present"`
}

// CheckImage checks whether an image is present on the agent host without
// triggering a pull (spec §4.4 image pre-flight).
func (c *Client) CheckImage(ctx context.Context, imageRef string) (CheckImageResponse, error) {
	var resp CheckImageResponse
	err := c.call(ctx, "GET", "/v1/images/check?ref="+imageRef, nil, &resp)
	return resp, err
}
