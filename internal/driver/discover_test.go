package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func benchTree(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/benches/b1/Procfile":                            "web: bench serve\n",
		"/benches/b1/sites/common_site_config.json":       "{}",
		"/benches/b1/sites/acme.local/site_config.json":   "{}",
		"/benches/b1/sites/globex.local/site_config.json": "{}",
		"/benches/b1/sites/assets/css/app.css":            "",
		"/benches/b1/apps/frappe/frappe/hooks.py":         "app_name = \"frappe\"\napp_title = \"Frappe Framework\"\n",
		"/benches/b1/apps/frappe/.git/config":             "[remote \"origin\"]\n\turl = https://github.com/frappe/frappe\n[remote \"upstream\"]\n\turl = https://github.com/frappe/frappe.git\n",
		"/benches/b1/apps/erpnext/.git/config":            "[remote \"origin\"]\n\turl = https://github.com/frappe/erpnext\n",
		"/benches/b2/Procfile":                            "",
		"/benches/b2/sites/common_site_config.json":       "{}",
		"/benches/notabench/sites/x":                      "",
		"/benches/README.md":                              "",
	}
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestDiscoverBenches(t *testing.T) {
	fs := benchTree(t)
	version := func(ctx context.Context, benchPath string) (string, error) {
		if benchPath == "/benches/b2" {
			return "", errors.New("exit status 1")
		}
		return `WARN: some noise
[{"app": "frappe", "version": "15.10.0", "branch": "version-15", "commit": "abc123"},
 {"app": "erpnext_custom", "version": "1.0.0", "branch": "main", "commit": "def456"}]`, nil
	}

	benches, err := discoverBenches(context.Background(), fs, "/benches", version)
	if err != nil {
		t.Fatalf("discoverBenches failed: %v", err)
	}
	if len(benches) != 2 {
		t.Fatalf("expected 2 benches, got %d: %+v", len(benches), benches)
	}

	b1 := benches[0]
	if b1.ID != "b1" || b1.Path != "/benches/b1" {
		t.Errorf("unexpected bench: %+v", b1)
	}
	if b1.Version != "15.10.0" || b1.Branch != "version-15" {
		t.Errorf("framework version not taken from frappe app: %s %s", b1.Version, b1.Branch)
	}
	if len(b1.Sites) != 2 || b1.Sites[0].Name != "acme.local" {
		t.Errorf("unexpected sites: %+v", b1.Sites)
	}
	if len(b1.Apps) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(b1.Apps))
	}
	if b1.Apps[0].Title != "Frappe Framework" {
		t.Errorf("title = %q, want from hooks.py", b1.Apps[0].Title)
	}
	if b1.Apps[0].Repository != "https://github.com/frappe/frappe.git" {
		t.Errorf("repository = %q, want upstream remote", b1.Apps[0].Repository)
	}
	if b1.Apps[1].Title != "Erpnext Custom" {
		t.Errorf("fallback title = %q", b1.Apps[1].Title)
	}

	if benches[1].Error == "" {
		t.Error("bench with failing version command should carry an error")
	}
}

func TestDiscoverBenches_UnparsableVersions(t *testing.T) {
	fs := benchTree(t)
	version := func(ctx context.Context, benchPath string) (string, error) {
		return "Traceback (most recent call last):", nil
	}

	benches, err := discoverBenches(context.Background(), fs, "/benches", version)
	if err != nil {
		t.Fatalf("discoverBenches failed: %v", err)
	}
	for _, b := range benches {
		if b.Error == "" {
			t.Errorf("bench %s: unparsable version output should set Error", b.ID)
		}
		if len(b.Apps) != 0 || b.Version != "" {
			t.Errorf("bench %s: no metadata expected, got %+v", b.ID, b)
		}
	}
}

func TestDiscoverBenches_MissingRoot(t *testing.T) {
	_, err := discoverBenches(context.Background(), afero.NewMemMapFs(), "/nowhere", nil)
	if err == nil {
		t.Error("expected error for missing root")
	}
}

func TestParseVersions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"plain list", `[{"app":"frappe","version":"15.0.0"}]`, 1, false},
		{"wrapped", `{"apps":[{"app":"frappe"},{"app":"hrms"}]}`, 2, false},
		{"noise around", "Some warning\n[{\"app\":\"frappe\"}]\ntrailing", 1, false},
		{"empty", "", 0, false},
		{"garbage", "not json at all", 0, true},
		{"skips nameless", `[{"version":"1"},{"app":"x"}]`, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apps, err := parseVersions(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(apps) != tt.want {
				t.Errorf("got %d apps, want %d", len(apps), tt.want)
			}
		})
	}
}
