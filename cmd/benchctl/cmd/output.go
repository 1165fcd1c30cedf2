package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"benchmate/pkg/api"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	labelStyle = lipgloss.NewStyle().Faint(true)
	titleStyle = lipgloss.NewStyle().Bold(true)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	idleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// render writes v as yaml or json when requested. It returns false for the
// text format so the caller prints its own layout.
func render(cmd *cobra.Command, v any) (bool, error) {
	switch format := viper.GetString("output"); format {
	case "", "text":
		return false, nil
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		cmd.Print(string(out))
		return true, nil
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, err
		}
		cmd.Println(string(out))
		return true, nil
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}

func stateIcon(state string) string {
	switch state {
	case "Succeeded", "Running", "Active":
		return goodStyle.Render("✓")
	case "Failed":
		return badStyle.Render("✗")
	case "Queued", "Starting", "Stopping", "Creating", "Dropping", "BackingUp", "Restoring":
		return busyStyle.Render("⏳")
	case "Cancelled", "Stopped", "Absent":
		return idleStyle.Render("◯")
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case "Succeeded", "Running", "Active":
		return icon + " " + goodStyle.Render(state)
	case "Failed":
		return icon + " " + badStyle.Render(state)
	case "Cancelled", "Stopped", "Absent":
		return icon + " " + idleStyle.Render(state)
	case "":
		return "-"
	default:
		return icon + " " + busyStyle.Render(state)
	}
}

func field(cmd *cobra.Command, label, value string) {
	cmd.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func printJob(cmd *cobra.Command, job api.JobResponse) error {
	if done, err := render(cmd, job); done {
		return err
	}

	cmd.Printf("%s %s\n", stateIcon(job.State), titleStyle.Render("Job Details"))
	cmd.Println("──────────────────────────────")
	field(cmd, "ID", job.ID)
	field(cmd, "Kind", job.Kind)
	field(cmd, "Target", job.Target)
	field(cmd, "State", colorizeState(job.State))
	field(cmd, "Attempt", fmt.Sprint(job.Attempt))
	if job.Message != "" {
		field(cmd, "Message", job.Message)
	}
	if job.ErrorKind != "" {
		field(cmd, "Error", badStyle.Render(job.ErrorKind+": "+job.ErrorDetail))
	}
	for k, v := range job.Result {
		field(cmd, k, v)
	}
	field(cmd, "Submitted", formatTimeWithRelative(&job.SubmittedAt))
	field(cmd, "Started", formatTimeWithRelative(job.StartedAt))
	if job.StartedAt != nil && job.FinishedAt != nil {
		field(cmd, "Finished", fmt.Sprintf("%s (%s)", formatTimeWithRelative(job.FinishedAt), formatDuration(job.FinishedAt.Sub(*job.StartedAt))))
	} else {
		field(cmd, "Finished", formatTimeWithRelative(job.FinishedAt))
	}
	return nil
}

func printBench(cmd *cobra.Command, b api.BenchResponse) {
	cmd.Printf("%s %s %s\n", stateIcon(b.State), titleStyle.Render(b.ID), labelStyle.Render(b.Path))
	field(cmd, "  State", colorizeState(b.State))
	if b.Version != "" {
		field(cmd, "  Version", b.Version)
	}
	if b.ErrorMessage != "" {
		field(cmd, "  Error", badStyle.Render(b.ErrorMessage))
	}
	for _, app := range b.Apps {
		field(cmd, "  App", fmt.Sprintf("%s %s", app.Name, labelStyle.Render(app.Version)))
	}
	for _, site := range b.Sites {
		field(cmd, "  Site", fmt.Sprintf("%s %s", site.Name, colorizeState(site.State)))
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s %s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), labelStyle.Render("("+relativeTime(*t)+" ago)"))
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	case duration < time.Hour:
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
