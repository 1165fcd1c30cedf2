package cmd

import (
	"time"

	"benchmate/pkg/api"

	"github.com/spf13/cobra"
)

var follow bool

// logPollInterval is how often --follow refetches logs.
var logPollInterval = time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Show driver output for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		c := client()
		following := follow
		var lastID int64

		for {
			logs, err := c.GetLogs(cmd.Context(), id)
			if err != nil {
				return err
			}
			if done, err := render(cmd, api.GetLogsResponse{Logs: logs}); done {
				return err
			}

			for _, log := range logs {
				if log.ID <= lastID {
					continue
				}
				cmd.Print(log.Content)
				if len(log.Content) > 0 && log.Content[len(log.Content)-1] != '\n' {
					cmd.Println()
				}
				lastID = log.ID
			}

			if !following {
				return nil
			}
			job, err := c.GetJob(cmd.Context(), id, 0)
			if err != nil {
				return err
			}
			if job.Terminal() {
				following = false
				continue
			}

			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(logPollInterval):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output until the job finishes")
}
