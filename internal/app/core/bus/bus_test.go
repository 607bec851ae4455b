package bus

import "testing"

func TestDeployLockKey(t *testing.T) {
	got := DeployLockKey("lab-1", "node-1")
	want := "deploy_lock:lab-1:node-1"
	if got != want {
		t.Fatalf("DeployLockKey() = %q, want %q", got, want)
	}
}

func TestCooldownKey(t *testing.T) {
	got := CooldownKey("lab-1", "node-1")
	want := "enforcement_cooldown:lab-1:node-1"
	if got != want {
		t.Fatalf("CooldownKey() = %q, want %q", got, want)
	}
}
