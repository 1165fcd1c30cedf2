package cmd

import (
	"path/filepath"

	"benchmate/pkg/api"

	"github.com/spf13/cobra"
)

var benchesCmd = &cobra.Command{
	Use:   "benches [bench]",
	Short: "List benches, or show one bench",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		if len(args) == 1 {
			bench, err := c.GetBench(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := render(cmd, bench); done {
				return err
			}
			printBench(cmd, *bench)
			return nil
		}

		benches, err := c.ListBenches(cmd.Context())
		if err != nil {
			return err
		}
		if done, err := render(cmd, api.ListBenchesResponse{Benches: benches}); done {
			return err
		}
		if len(benches) == 0 {
			cmd.Println("No benches registered.")
			return nil
		}
		for _, b := range benches {
			printBench(cmd, b)
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [bench] [path]",
	Short: "Register a bench directory with the daemon",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		bench, err := client().RegisterBench(cmd.Context(), args[0], path)
		if err != nil {
			return err
		}
		if done, err := render(cmd, bench); done {
			return err
		}
		printBench(cmd, *bench)
		return nil
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Show held target locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		locks, err := client().ListLocks(cmd.Context())
		if err != nil {
			return err
		}
		if done, err := render(cmd, api.ListLocksResponse{Locks: locks}); done {
			return err
		}
		if len(locks) == 0 {
			cmd.Println("No locks held.")
			return nil
		}
		for _, l := range locks {
			cmd.Printf("%-28s  %s  %s\n", l.Key, l.Holder, formatTimeWithRelative(&l.AcquiredAt))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchesCmd, registerCmd, locksCmd)
}
