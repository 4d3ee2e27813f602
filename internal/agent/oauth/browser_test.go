package oauth

import (
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
)

func TestOpenBrowser(t *testing.T) {
	originalLauncher := browserLauncher
	defer func() { browserLauncher = originalLauncher }()

	var launched *exec.Cmd
	browserLauncher = func(cmd *exec.Cmd) error {
		launched = cmd
		return nil
	}

	err := OpenBrowser("https://auth.example.com/authorize")

	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if launched == nil {
			t.Fatal("expected a launch command")
		}
		found := false
		for _, arg := range launched.Args {
			if arg == "https://auth.example.com/authorize" {
				found = true
			}
		}
		if !found {
			t.Errorf("URL not passed to launcher: %v", launched.Args)
		}
	default:
		if err == nil || !strings.Contains(err.Error(), "unsupported platform") {
			t.Errorf("expected unsupported platform error, got %v", err)
		}
	}
}

func TestOpenBrowser_LauncherError(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("no launcher on this platform")
	}

	originalLauncher := browserLauncher
	defer func() { browserLauncher = originalLauncher }()

	launchErr := errors.New("launch failed")
	browserLauncher = func(cmd *exec.Cmd) error {
		return launchErr
	}

	err := OpenBrowser("https://example.com")
	if err == nil || !errors.Is(err, launchErr) {
		t.Errorf("expected wrapped launcher error, got %v", err)
	}
}
