package runtime

import (
	"os"
	"testing"
)

func TestEnvDefaultsToDevelopment(t *testing.T) {
	saved := os.Getenv("ENVIRONMENT")
	defer os.Setenv("ENVIRONMENT", saved)

	os.Unsetenv("ENVIRONMENT")
	ResetEnvCache()
	if Env() != Development {
		t.Errorf("expected Development, got %s", Env())
	}
}

func TestEnvParsesProduction(t *testing.T) {
	saved := os.Getenv("ENVIRONMENT")
	defer os.Setenv("ENVIRONMENT", saved)

	os.Setenv("ENVIRONMENT", "Production")
	ResetEnvCache()
	if !IsProduction() {
		t.Error("expected IsProduction() true")
	}
}

func TestResolveIntPrefersConfigThenEnvThenFallback(t *testing.T) {
	if got := ResolveInt(5, "ARCHETYPED_TEST_INT", 10); got != 5 {
		t.Errorf("expected cfgValue to win, got %d", got)
	}

	os.Setenv("ARCHETYPED_TEST_INT", "7")
	defer os.Unsetenv("ARCHETYPED_TEST_INT")
	if got := ResolveInt(0, "ARCHETYPED_TEST_INT", 10); got != 7 {
		t.Errorf("expected env value, got %d", got)
	}

	os.Unsetenv("ARCHETYPED_TEST_INT")
	if got := ResolveInt(0, "ARCHETYPED_TEST_INT", 10); got != 10 {
		t.Errorf("expected fallback, got %d", got)
	}
}
