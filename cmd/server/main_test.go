package main

import (
	"strings"
	"testing"

	"farmapos/internal/config"
)

func TestValidateSecurityConfig(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: ""}); err == nil {
		t.Fatalf("empty auth secret must be rejected")
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: "too-short"}); err == nil {
		t.Fatalf("short auth secret must be rejected")
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: strings.Repeat("s", 32)}); err != nil {
		t.Fatalf("32-char auth secret must pass: %v", err)
	}
}
