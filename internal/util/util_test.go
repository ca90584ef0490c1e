package util

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("DEALERPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("DEALERPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{" 2m ", 2 * time.Minute},
		{"soon", 5 * time.Minute},
		{"-1m", 5 * time.Minute},
		{"0s", 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("DEALERPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("DEALERPIPE_TEST_DURATION", 5*time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 20},
		{"5", 5},
		{"0", 0},
		{"-3", 20},
		{"veinte", 20},
	}
	for _, tt := range tests {
		t.Setenv("DEALERPIPE_TEST_INT", tt.value)
		if got := ParseIntEnv("DEALERPIPE_TEST_INT", 20); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("DEALERPIPE_TEST_STRING", "  ")
	if got := GetenvDefault("DEALERPIPE_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	t.Setenv("DEALERPIPE_TEST_STRING", "value")
	if got := GetenvDefault("DEALERPIPE_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if a == b {
		t.Error("request ids should differ")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("request id %q is not a UUID: %v", a, err)
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestID("abc-123"); got != "abc-123" {
		t.Errorf("inbound id should be kept, got %q", got)
	}
	for _, bad := range []string{"", "   ", "a\r\nInjected: 1", strings.Repeat("x", 200)} {
		got := RequestID(bad)
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("RequestID(%q) = %q, want a fresh UUID", bad, got)
		}
	}
}
