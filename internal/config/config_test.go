package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if got := GetEnv("TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q, want %q", got, "value")
	}
	if got := GetEnv("TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")
	if got := GetEnvInt("TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("GetEnvInt = %d, want fallback 7", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !GetEnvBool("TEST_BOOL", false) {
		t.Error("GetEnvBool = false, want true")
	}
	if GetEnvBool("TEST_BOOL_MISSING", false) {
		t.Error("GetEnvBool = true, want fallback false")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "45s")
	t.Setenv("TEST_DUR_BAD", "soon")
	if got := GetEnvDuration("TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("GetEnvDuration = %v, want 45s", got)
	}
	if got := GetEnvDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Errorf("GetEnvDuration = %v, want fallback 1m", got)
	}
}
