package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tgrelay/internal/app"
	"tgrelay/internal/config"
)

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", want: ExitOK},
		{name: "plain", err: errors.New("boom"), want: ExitError},
		{name: "config", err: &config.Error{Path: "bot.token", Err: errors.New("required")}, want: ExitConfig},
		{name: "wrapped config", err: fmt.Errorf("load: %w", &config.Error{Err: errors.New("x")}), want: ExitConfig},
		{name: "auth", err: fmt.Errorf("reader: %w", app.ErrAuth), want: ExitAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode(%v)=%d want %d", tt.err, got, tt.want)
			}
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRoot(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "tgrelay "+Version) {
		t.Fatalf("out=%q", out)
	}
}

func writeConfig(t *testing.T, retention int) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`source_channels:
  - id: "@news"
    destination: "@mirror_chat"
    poll_interval: "5m"
dedup_retention_days: %d
reader:
  driver: webpreview
bot:
  token: "123:abc"
storage:
  driver: file
  path: %q
logging:
  level: error
`, retention, filepath.Join(dir, "state"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCursorsEmptyStore(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "cursors", "--log-level", "error", "-c", writeConfig(t, 30))
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	if !strings.Contains(out, "no cursors") {
		t.Fatalf("out=%q", out)
	}
}

func TestPruneRetentionDisabled(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "prune", "--log-level", "error", "-c", writeConfig(t, 0))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "pruned 0") {
		t.Fatalf("out=%q", out)
	}
}

func TestMissingConfigIsConfigError(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "cursors", "--log-level", "error", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	if got := ExitCode(err); got != ExitConfig {
		t.Fatalf("exit=%d err=%v", got, err)
	}
}

func TestLoginRequiresPhone(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "login", "-c", writeConfig(t, 30))
	if err == nil || !strings.Contains(err.Error(), "--phone") {
		t.Fatalf("err=%v", err)
	}
}
