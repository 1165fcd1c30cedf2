package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "benchctl",
	Short: "benchctl is a command line tool for the benchmate bench orchestrator",
	Long: `benchctl is the command-line interface for benchmate, the daemon that manages
Frappe benches and their sites on one host.

Every mutating command queues a job. The daemon serializes jobs per target so
at most one operation runs against a bench or any of its sites at a time.

Common workflows:

  Start a bench and wait for it to come up:
    benchctl start bench-1 --wait

  Create a site:
    benchctl create-site bench-1 acme.localhost

  Back up a site and follow the job:
    benchctl backup-site bench-1 acme.localhost
    benchctl watch <job-id>

  Show job output:
    benchctl logs <job-id> --follow

Configuration:
  Set the daemon endpoint via flag, environment variable or config file:
    BENCHMATE_URL       Daemon endpoint (default: http://localhost:6161)
    BENCHMATE_OUTPUT    Output format: text, yaml or json`,
	SilenceUsage: true,
}

// Execute runs the root command. Ctrl+C cancels any request or watch in
// flight.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			// Search config in home directory with name ".benchctl"
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".benchctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BENCHMATE_VARNAME"
	viper.SetEnvPrefix("BENCHMATE")
	viper.AutomaticEnv()
	bindFlags()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func bindFlags() {
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

func client() *BenchClient {
	return NewBenchClient(viper.GetString("url"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.benchctl.yaml)")
	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "benchmate daemon URL")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format: text, yaml or json")
	bindFlags()
}
