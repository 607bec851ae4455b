package jobs

import "strings"

// failureRules maps substrings found in a dispatch error or agent log to a
// bounded failure-reason label. Checked in order; the first match wins, so
// more specific needles are listed before the general ones they overlap
// with (e.g. "timed out after 1200s" before "timed out after").
var failureRules = []struct {
	needle string
	reason string
}{
	{"preflight connectivity check failed", "preflight_connectivity_failed"},
	{"preflight image check failed", "preflight_image_check_failed"},
	{"preflight image validation failed", "preflight_image_validation_failed"},
	{"job timed out after maximum retries", "timeout_retries_exhausted"},
	{"timed out after 1200s", "timeout_1200s"},
	{"timed out after 300s", "timeout_300s"},
	{"timed out after", "timeout"},
	{"retry failed: no healthy agent available", "no_healthy_agent"},
	{"no healthy agent available", "no_healthy_agent"},
	{"agent became unavailable", "agent_unavailable"},
	{"agent unavailable", "agent_unavailable"},
	{"connection refused", "agent_connection_refused"},
	{"name or service not known", "agent_dns_failure"},
	{"host unreachable", "agent_unreachable"},
	{"network is unreachable", "agent_unreachable"},
	{"cannot deploy - explicit host assignments failed", "host_assignment_failed"},
	{"missing or unhealthy agents for hosts", "host_assignment_failed"},
	{"assigned host", "host_assignment_offline"},
	{"no image found", "image_pull_failed"},
	{"docker image not found", "image_pull_failed"},
	{"required images not available on agent", "image_pull_failed"},
	{"upload/sync required images", "image_pull_failed"},
	{"pull access denied", "image_pull_failed"},
	{"manifest unknown", "image_pull_failed"},
	{"oomkilled", "oom"},
	{"out of memory", "oom"},
	{"killed (oom)", "oom"},
	{"parent job completed or missing", "orphaned_child"},
	{"insufficient resources", "insufficient_resources"},
	{"capacity", "capacity_check_failed"},
	{"link setup failed", "link_setup_failed"},
	{"deployment failed on one or more hosts", "deploy_partial_failure"},
	{"rollback failed", "deploy_rollback_failed"},
	{"per-link tunnel creation failed", "link_tunnel_creation_failed"},
	{"could not find ovs port", "ovs_port_missing"},
	{"stale - cleared after api restart", "stale_after_restart"},
	{"docker api error", "docker_api_error"},
	{"completed with 1 error", "partial_failure"},
	{"completed with ", "partial_failure"},
	{"container creation failed", "container_create_failed"},
	{"unknown action", "unknown_action"},
	{"job execution failed on agent", "agent_job_error"},
	{"unexpected error during job execution", "unexpected_job_error"},
	{"failed to create node", "create_node_failed"},
	{"failed to start node", "start_node_failed"},
	{"failed to stop node", "stop_node_failed"},
	{"failed to destroy node", "destroy_node_failed"},
	{"no agents found for multi-host destroy", "no_agents_for_multihost_destroy"},
}

// ClassifyFailure maps a dispatch error or agent-reported failure message to
// a bounded reason label, so dashboards and alerts can group job failures
// without parsing free-form text. Returns "unknown" when nothing matches.
func ClassifyFailure(message string) string {
	if message == "" {
		return "unknown"
	}
	text := strings.ToLower(message)
	for _, rule := range failureRules {
		if strings.Contains(text, rule.needle) {
			return rule.reason
		}
	}
	return "unknown"
}
