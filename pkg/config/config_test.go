// SPDX-License-Identifier: APACHE-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    func() Config
		wantErr string
	}{
		{
			name: "file backend",
			yaml: "path: /var/lib/zerotier/controller.d\nflush_interval: 1s\nwatch_external_edits: true\n",
			want: func() Config {
				c := DefaultConfig()
				c.Path = "/var/lib/zerotier/controller.d"
				c.FlushInterval = time.Second
				c.WatchExternalEdits = true
				return c
			},
		},
		{
			name: "lf backend",
			yaml: `backend: lf
controller_address: 8056c2e21c
store_online_state: true
lf:
  endpoint: http://127.0.0.1:9980
  owner_public: "@owner"
  poll_interval: 10s
  cache_path: /var/cache/lfdb.bolt
  cache_size: 1000
  reset_cache: true
`,
			want: func() Config {
				c := DefaultConfig()
				c.Backend = BackendLF
				c.ControllerAddress = "8056c2e21c"
				c.StoreOnlineState = true
				c.LF.Endpoint = "http://127.0.0.1:9980"
				c.LF.OwnerPublic = "@owner"
				c.LF.PollInterval = 10 * time.Second
				c.LF.CachePath = "/var/cache/lfdb.bolt"
				c.LF.CacheSize = 1000
				c.LF.ResetCache = true
				return c
			},
		},
		{
			name:    "unknown backend",
			yaml:    "backend: sql\n",
			wantErr: "unsupported backend",
		},
		{
			name:    "file backend without path",
			yaml:    "backend: file\n",
			wantErr: "path is required",
		},
		{
			name:    "short controller address",
			yaml:    "backend: lf\ncontroller_address: 8056c2\nlf:\n  endpoint: http://127.0.0.1:9980\n  owner_public: o\n",
			wantErr: "must be 10 hex digits",
		},
		{
			name:    "every lf error is reported",
			yaml:    "backend: lf\ncontroller_address: 0000000000\nlf:\n  endpoint: nope\n",
			wantErr: "lf.owner_public is required",
		},
		{
			name:    "bad duration",
			yaml:    "path: /tmp\nflush_interval: soon\n",
			wantErr: "parsing config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Parse() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	if err := os.WriteFile(path, []byte("path: /srv/controller\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path != "/srv/controller" || cfg.Backend != BackendFile {
		t.Errorf("Load() = %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestController(t *testing.T) {
	c := Config{ControllerAddress: "8056C2E21C"}
	addr, err := c.Controller()
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x8056c2e21c {
		t.Errorf("Controller() = %x", addr)
	}
}
