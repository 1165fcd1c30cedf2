package cmd

import (
	"context"
	"fmt"

	"benchmate/pkg/api"

	"github.com/spf13/cobra"
)

var wait bool

var (
	restoreDBFile       string
	restorePublicFiles  string
	restorePrivateFiles string
)

type submitFunc func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error)

// submitCommand builds a command that queues one job and optionally follows
// it to a terminal state.
func submitCommand(use, short string, nargs int, submit submitFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := client()
			job, err := submit(cmd.Context(), client, args)
			if err != nil {
				return err
			}
			if !wait {
				if done, err := render(cmd, job); done {
					return err
				}
				cmd.Printf("%s %s queued as job %s\n", stateIcon(job.State), job.Kind, titleStyle.Render(job.ID))
				return nil
			}
			return watchJob(cmd, client, job.ID)
		},
	}
	c.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	return c
}

var startCmd = submitCommand("start [bench]", "Start a bench", 1,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		return c.StartBench(ctx, args[0])
	})

var stopCmd = submitCommand("stop [bench]", "Stop a bench", 1,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		return c.StopBench(ctx, args[0])
	})

var createSiteCmd = submitCommand("create-site [bench] [site]", "Create a site on a bench", 2,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		return c.CreateSite(ctx, args[0], args[1])
	})

var dropSiteCmd = submitCommand("drop-site [bench] [site]", "Drop a site from a bench", 2,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		return c.DropSite(ctx, args[0], args[1])
	})

var backupSiteCmd = submitCommand("backup-site [bench] [site]", "Back up a site's database and files", 2,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		return c.BackupSite(ctx, args[0], args[1])
	})

var restoreSiteCmd = submitCommand("restore-site [bench] [site]", "Restore a site from backup files", 2,
	func(ctx context.Context, c *BenchClient, args []string) (*api.JobResponse, error) {
		if restoreDBFile == "" {
			return nil, fmt.Errorf("--db-file is required")
		}
		return c.RestoreSite(ctx, args[0], args[1], api.RestoreSiteRequest{
			DatabaseFile: restoreDBFile,
			PublicFiles:  restorePublicFiles,
			PrivateFiles: restorePrivateFiles,
		})
	})

var syncCmd = submitCommand("sync", "Reconcile stored benches with the filesystem", 0,
	func(ctx context.Context, c *BenchClient, _ []string) (*api.JobResponse, error) {
		return c.Sync(ctx)
	})

func init() {
	restoreSiteCmd.Flags().StringVar(&restoreDBFile, "db-file", "", "database backup file (required)")
	restoreSiteCmd.Flags().StringVar(&restorePublicFiles, "public-files", "", "public files archive")
	restoreSiteCmd.Flags().StringVar(&restorePrivateFiles, "private-files", "", "private files archive")

	rootCmd.AddCommand(startCmd, stopCmd, createSiteCmd, dropSiteCmd, backupSiteCmd, restoreSiteCmd, syncCmd)
}
