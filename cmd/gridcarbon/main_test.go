package main

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWeatherFreshness(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		expected string
	}{
		{name: "forecast rows in the future", age: -12 * time.Hour, expected: "active"},
		{name: "just ingested", age: 30 * time.Minute, expected: "active"},
		{name: "boundary of active", age: 2 * time.Hour, expected: "active"},
		{name: "a few hours old", age: 6 * time.Hour, expected: "stale"},
		{name: "boundary of stale", age: 24 * time.Hour, expected: "stale"},
		{name: "days old", age: 72 * time.Hour, expected: "inactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := weatherFreshness(tt.age); got != tt.expected {
				t.Errorf("weatherFreshness(%v) = %q, want %q", tt.age, got, tt.expected)
			}
		})
	}
}

func TestExitErrorClassification(t *testing.T) {
	misconfigured := fmt.Errorf("%w: database URL is required", errMisconfigured)
	if !errors.Is(misconfigured, errMisconfigured) {
		t.Error("wrapped misconfiguration error should match errMisconfigured")
	}
	if errors.Is(misconfigured, errNoData) {
		t.Error("misconfiguration error must not match errNoData")
	}

	noData := fmt.Errorf("%w: no carbon intensity data; run 'gridcarbon seed' first", errNoData)
	if !errors.Is(noData, errNoData) {
		t.Error("wrapped no-data error should match errNoData")
	}
}

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	root := newRootCommand()

	expected := []string{"now", "forecast", "seed", "ingest", "serve", "status", "factors", "migrate"}
	registered := make(map[string]bool)
	for _, c := range root.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("command %q is not registered", name)
		}
	}

	for _, flag := range []string{"config", "verbose"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag --%s is not registered", flag)
		}
	}
}
