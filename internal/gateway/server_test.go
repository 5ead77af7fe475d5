package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aussielabs/aussie/config"
)

func TestServerReloadFromFile(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(t.TempDir(), "aussie.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("aussie:\n  server:\n    listen: \":18080\"\n")

	srv := NewServer(f.gw, config.DefaultConfig(), path)
	srv.Reload()
	if srv.cfg.Server.Listen != ":18080" {
		t.Fatalf("listen = %q, want :18080", srv.cfg.Server.Listen)
	}

	// A broken file keeps the previous configuration in place.
	write("aussie: [not a mapping")
	srv.Reload()
	if srv.cfg.Server.Listen != ":18080" {
		t.Errorf("listen = %q, want the last good value", srv.cfg.Server.Listen)
	}
}

func TestServerReloadWithoutPathIsNoop(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.gw, config.DefaultConfig(), "")
	srv.Reload()
}
