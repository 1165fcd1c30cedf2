package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"benchmate/internal/store"

	"github.com/spf13/afero"
)

// Discover lists the benches under the configured root. A bench is a
// directory holding both a sites/ directory and a Procfile. Benches whose
// apps cannot be listed are still returned, with Error set.
func (d *ExecDriver) Discover(ctx context.Context) ([]BenchInfo, error) {
	return discoverBenches(ctx, d.fs, d.cfg.Root, func(ctx context.Context, benchPath string) (string, error) {
		return d.runner.Run(ctx, Command{Dir: benchPath, Name: d.cfg.BenchBin, Args: []string{"version", "--format", "json"}})
	})
}

type versionFunc func(ctx context.Context, benchPath string) (string, error)

func discoverBenches(ctx context.Context, fs afero.Fs, root string, version versionFunc) ([]BenchInfo, error) {
	root = expandHome(root)
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read benches root %s: %w", root, err)
	}

	var benches []BenchInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return benches, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if !isBench(fs, path) {
			continue
		}

		info := BenchInfo{ID: entry.Name(), Path: path, Sites: listSites(fs, path)}

		out, err := version(ctx, path)
		if err != nil {
			info.Error = fmt.Sprintf("%s - bench version --format json - %v", path, err)
		} else if apps, err := parseVersions(out); err != nil {
			info.Error = fmt.Sprintf("%s - bench version --format json - %v", path, err)
		} else {
			for i := range apps {
				appPath := filepath.Join(path, "apps", apps[i].Name)
				apps[i].Title = appTitle(fs, appPath, apps[i].Name)
				apps[i].Repository = gitRemote(fs, appPath)
				if apps[i].Name == "frappe" {
					info.Version, info.Branch = apps[i].Version, apps[i].Branch
				}
			}
			info.Apps = apps
		}
		benches = append(benches, info)
	}
	return benches, nil
}

func isBench(fs afero.Fs, path string) bool {
	sites, err := fs.Stat(filepath.Join(path, "sites"))
	if err != nil || !sites.IsDir() {
		return false
	}
	procfile, err := fs.Stat(filepath.Join(path, "Procfile"))
	return err == nil && !procfile.IsDir()
}

func listSites(fs afero.Fs, benchPath string) []SiteInfo {
	entries, err := afero.ReadDir(fs, filepath.Join(benchPath, "sites"))
	if err != nil {
		return nil
	}
	var sites []SiteInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "assets" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sites = append(sites, SiteInfo{Name: e.Name(), Path: filepath.Join(benchPath, "sites", e.Name())})
	}
	return sites
}

type versionEntry struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`
}

// parseVersions decodes `bench version --format json`. The command may print
// warnings around the JSON, and some versions wrap the list in an object.
func parseVersions(raw string) ([]store.App, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []versionEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		var wrapped map[string]json.RawMessage
		if json.Unmarshal([]byte(raw), &wrapped) == nil {
			keys := make([]string, 0, len(wrapped))
			for k := range wrapped {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if json.Unmarshal(wrapped[k], &entries) == nil {
					break
				}
			}
		} else {
			start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]")
			if start == -1 || end <= start {
				return nil, fmt.Errorf("unable to parse bench version output")
			}
			if err := json.Unmarshal([]byte(raw[start:end+1]), &entries); err != nil {
				return nil, fmt.Errorf("unable to parse bench version output: %w", err)
			}
		}
	}

	apps := make([]store.App, 0, len(entries))
	for _, e := range entries {
		if e.App == "" {
			continue
		}
		apps = append(apps, store.App{Name: e.App, Version: e.Version, Branch: e.Branch, Commit: e.Commit})
	}
	return apps, nil
}

var appTitleRe = regexp.MustCompile(`(?m)^app_title\s*=\s*["']([^"']+)["']`)

// appTitle reads app_title from hooks.py, falling back to a prettified name.
func appTitle(fs afero.Fs, appPath, name string) string {
	if raw, err := afero.ReadFile(fs, filepath.Join(appPath, name, "hooks.py")); err == nil {
		if m := appTitleRe.FindSubmatch(raw); m != nil {
			return strings.TrimSpace(string(m[1]))
		}
	}
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// gitRemote returns the upstream remote URL, else origin, from .git/config.
func gitRemote(fs afero.Fs, appPath string) string {
	raw, err := afero.ReadFile(fs, filepath.Join(appPath, ".git", "config"))
	if err != nil {
		return ""
	}
	remotes := make(map[string]string)
	section := ""
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			section = strings.Trim(line, "[]")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == "url" {
			if _, dup := remotes[section]; !dup {
				remotes[section] = strings.TrimSpace(value)
			}
		}
	}
	if u := remotes[`remote "upstream"`]; u != "" {
		return u
	}
	return remotes[`remote "origin"`]
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
