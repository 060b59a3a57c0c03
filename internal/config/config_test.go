package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[peer]
role = "client"
name = "scout"
host_address = "127.0.0.1:7420"

[lockstep]
sync_policy = "interval"
sync_interval = "250ms"

[world]
map_id = 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Peer.Role != "client" || cfg.Peer.Name != "scout" {
		t.Fatalf("peer section not applied: %+v", cfg.Peer)
	}
	if cfg.Lockstep.SyncInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms interval, got %v", cfg.Lockstep.SyncInterval)
	}
	if cfg.World.MapID != 3 || cfg.World.MaxPushouts != 32 {
		t.Fatalf("world section: %+v", cfg.World)
	}
	if cfg.Network.Transport != "tcp" || cfg.Lockstep.TickRate != 50*time.Millisecond {
		t.Fatalf("defaults lost: %+v %+v", cfg.Network, cfg.Lockstep)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"role":      "[peer]\nrole = \"observer\"\n",
		"client":    "[peer]\nrole = \"client\"\n",
		"policy":    "[lockstep]\nsync_policy = \"sometimes\"\n",
		"transport": "[network]\ntransport = \"udp\"\n",
		"pushouts":  "[world]\nmax_pushouts = 0\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
	if _, err := Load(writeConfig(t, "[peer\n")); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestPathFromEnvironment(t *testing.T) {
	t.Setenv(EnvPath, "")
	if Path() != DefaultPath {
		t.Fatalf("expected default path, got %s", Path())
	}
	t.Setenv(EnvPath, "/etc/outpost.toml")
	if Path() != "/etc/outpost.toml" {
		t.Fatalf("env override ignored, got %s", Path())
	}
}
