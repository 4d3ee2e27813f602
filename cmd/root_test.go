package cmd

import (
	"errors"
	"fmt"
	"testing"

	agentoauth "mcpgate/internal/agent/oauth"
)

func TestSetVersion(t *testing.T) {
	original := rootCmd.Version
	defer func() { rootCmd.Version = original }()

	SetVersion("1.2.3")
	if GetVersion() != "1.2.3" {
		t.Errorf("GetVersion() = %q, want 1.2.3", GetVersion())
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "mcpgate" {
		t.Errorf("Use = %q", rootCmd.Use)
	}
	if !rootCmd.SilenceUsage {
		t.Error("expected SilenceUsage to be set")
	}
}

func TestSubcommands(t *testing.T) {
	want := map[string]bool{"agent": false, "auth": false, "version": false}
	for _, sub := range rootCmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered", name)
		}
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "auth required",
			err:  agentoauth.ErrAuthRequired,
			want: ExitCodeAuthRequired,
		},
		{
			name: "wrapped auth required",
			err:  fmt.Errorf("connecting: %w", agentoauth.ErrAuthRequired),
			want: ExitCodeAuthRequired,
		},
		{
			name: "generic error",
			err:  errors.New("boom"),
			want: ExitCodeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.want {
				t.Errorf("getExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
