package driver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	pidFile          = "config/benchmate.pid"
	startLogFile     = "logs/benchmate-start.log"
	commonSiteConfig = "sites/common_site_config.json"
)

func readPID(fs afero.Fs, benchPath string) (int, error) {
	raw, err := afero.ReadFile(fs, filepath.Join(benchPath, pidFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file: %w", err)
	}
	return pid, nil
}

func writePID(fs afero.Fs, benchPath string, pid int) error {
	path := filepath.Join(benchPath, pidFile)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePID(fs afero.Fs, benchPath string) {
	_ = fs.Remove(filepath.Join(benchPath, pidFile))
}

type siteConfig struct {
	WebserverPort int `json:"webserver_port"`
	SocketioPort  int `json:"socketio_port"`
}

func readSiteConfig(fs afero.Fs, path string) (siteConfig, error) {
	var cfg siteConfig
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// webserverPort returns the port the bench web server listens on, or 0.
func webserverPort(fs afero.Fs, benchPath string) int {
	cfg, err := readSiteConfig(fs, filepath.Join(benchPath, commonSiteConfig))
	if err != nil {
		return 0
	}
	return cfg.WebserverPort
}

// benchPorts collects every TCP port a bench's processes listen on: redis
// ports from config/redis_*.conf and web/socketio ports from the common and
// per-site configs.
func benchPorts(fs afero.Fs, benchPath string) []int {
	seen := make(map[int]bool)

	confs, _ := afero.Glob(fs, filepath.Join(benchPath, "config", "redis_*.conf"))
	for _, conf := range confs {
		raw, err := afero.ReadFile(fs, conf)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 2 && fields[0] == "port" {
				if p, err := strconv.Atoi(fields[1]); err == nil && p > 0 {
					seen[p] = true
				}
			}
		}
	}

	configs := []string{filepath.Join(benchPath, commonSiteConfig)}
	siteConfigs, _ := afero.Glob(fs, filepath.Join(benchPath, "sites", "*", "site_config.json"))
	configs = append(configs, siteConfigs...)
	for _, path := range configs {
		cfg, err := readSiteConfig(fs, path)
		if err != nil {
			continue
		}
		for _, p := range []int{cfg.WebserverPort, cfg.SocketioPort} {
			if p > 0 {
				seen[p] = true
			}
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func joinPorts(ports []int) string {
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}

// backupArtifact extracts the database dump path from `bench backup` output:
//
//	Database: ./acme.local/private/backups/20240101_000000-acme_local-database.sql.gz  1.2MiB
//
// Relative paths are resolved against the bench's sites directory.
func backupArtifact(benchPath, output string) string {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		label, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(label) != "Database" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		path := fields[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(benchPath, "sites", path)
		}
		return path
	}
	return ""
}
