package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"benchmate/pkg/api"

	"github.com/spf13/cobra"
)

// pollWait is the long-poll window of each request made while watching.
var pollWait = 30 * time.Second

var statusWait time.Duration

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve the current state of a job (Queued, Running, Succeeded, Failed, Cancelled), its result and timestamps. With --wait the daemon holds the request until the job finishes or the duration elapses.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client().GetJob(cmd.Context(), args[0], statusWait)
		if err != nil {
			return err
		}
		return printJob(cmd, *job)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [job_id]",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(cmd, client(), args[0])
	},
}

// watchJob long-polls a job, printing each state change, until it is
// terminal. A job that did not succeed is reported as an error.
func watchJob(cmd *cobra.Command, c *BenchClient, id string) error {
	last := ""
	for {
		job, err := c.GetJob(cmd.Context(), id, pollWait)
		if err != nil {
			return err
		}
		if job.State != last && !job.Terminal() {
			cmd.Printf("%s %s %s\n", labelStyle.Render(time.Now().Format(time.TimeOnly)), job.Kind, colorizeState(job.State))
			last = job.State
		}
		if !job.Terminal() {
			continue
		}
		if err := printJob(cmd, *job); err != nil {
			return err
		}
		if job.State != "Succeeded" {
			return fmt.Errorf("job %s %s", job.ID, job.State)
		}
		return nil
	}
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client().CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, *job)
	},
}

var (
	jobsState string
	jobsKind  string
	jobsBench string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := url.Values{}
		if jobsState != "" {
			filter.Set("state", jobsState)
		}
		if jobsKind != "" {
			filter.Set("kind", jobsKind)
		}
		if jobsBench != "" {
			filter.Set("bench", jobsBench)
		}
		if jobsLimit > 0 {
			filter.Set("limit", strconv.Itoa(jobsLimit))
		}

		jobs, err := client().ListJobs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if done, err := render(cmd, api.ListJobsResponse{Jobs: jobs}); done {
			return err
		}
		if len(jobs) == 0 {
			cmd.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			cmd.Printf("%-36s  %-18s  %-28s  %s\n", j.ID, j.Kind, j.Target, colorizeState(j.State))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusWait, "wait", 0, "wait up to this long for the job to finish (max 60s)")

	jobsCmd.Flags().StringVar(&jobsState, "state", "", "filter by state")
	jobsCmd.Flags().StringVar(&jobsKind, "kind", "", "filter by kind")
	jobsCmd.Flags().StringVar(&jobsBench, "bench", "", "filter by bench")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 0, "maximum number of jobs")

	rootCmd.AddCommand(statusCmd, watchCmd, cancelCmd, jobsCmd)
}
