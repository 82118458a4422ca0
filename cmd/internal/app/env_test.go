package app

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_STR", "  value  ")
	t.Setenv("CHATSYNC_TEST_BOOL", "true")
	t.Setenv("CHATSYNC_TEST_INT", "42")
	t.Setenv("CHATSYNC_TEST_INT_BAD", "-3")
	t.Setenv("CHATSYNC_TEST_DUR", "90s")

	if got := EnvString("CHATSYNC_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString = %q", got)
	}
	if got := EnvString("CHATSYNC_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default = %q", got)
	}
	if !EnvBool("CHATSYNC_TEST_BOOL", false) {
		t.Fatalf("EnvBool = false")
	}
	if got := EnvInt("CHATSYNC_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt = %d", got)
	}
	if got := EnvInt("CHATSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("EnvInt non-positive = %d", got)
	}
	if got := EnvDuration("CHATSYNC_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration = %v", got)
	}
	if got := EnvDuration("CHATSYNC_TEST_MISSING", time.Second); got != time.Second {
		t.Fatalf("EnvDuration default = %v", got)
	}
}
