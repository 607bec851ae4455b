package jobs

import "testing"

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"empty", "", "unknown"},
		{"no match", "something went sideways", "unknown"},
		{"most specific timeout wins", "job timed out after 1200s during dispatch", "timeout_1200s"},
		{"generic timeout falls back", "node start timed out after 45s", "timeout"},
		{"missing image", "no image found for node r1", "image_pull_failed"},
		{"oom", "node r2 exited: OOMKilled", "oom"},
		{"connection refused", "dial tcp 10.0.0.5:9443: connection refused", "agent_connection_refused"},
		{"case insensitive", "PREFLIGHT CONNECTIVITY CHECK FAILED", "preflight_connectivity_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.message); got != tc.want {
				t.Fatalf("ClassifyFailure(%q) = %q, want %q", tc.message, got, tc.want)
			}
		})
	}
}
