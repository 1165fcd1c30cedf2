package driver

import "fmt"

// Argument lists for the bench CLI, shared by the host and container drivers.

func newSiteArgs(site, dbRootPassword, adminPassword string) []string {
	args := []string{"new-site", site}
	if dbRootPassword != "" {
		args = append(args, "--db-root-password", dbRootPassword)
	}
	return append(args, "--admin-password", adminPassword, "--verbose")
}

func dropSiteArgs(site, dbRootPassword string) []string {
	args := []string{"drop-site", site}
	if dbRootPassword != "" {
		args = append(args, "--db-root-password", dbRootPassword)
	}
	return append(args, "--no-backup", "--force")
}

func backupArgs(site string) []string {
	return []string{"--site", site, "backup", "--with-files"}
}

func restoreArgs(site string, files RestoreFiles, dbRootPassword string) ([]string, error) {
	if files.Database == "" {
		return nil, fmt.Errorf("database file is required for restore")
	}
	args := []string{"--site", site, "--force", "restore", files.Database}
	if files.PublicFiles != "" {
		args = append(args, "--with-public-files", files.PublicFiles)
	}
	if files.PrivateFiles != "" {
		args = append(args, "--with-private-files", files.PrivateFiles)
	}
	if dbRootPassword != "" {
		args = append(args, "--mariadb-root-password", dbRootPassword)
	}
	return args, nil
}
