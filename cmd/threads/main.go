// Package main provides the threads CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	projectDir string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "threads",
	Short:         "threads - a kernel for permissioned, budgeted agent threads",
	Long:          `threads runs directives as isolated threads with capability checks, budgets, hooks and signed executor chains.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; real environment wins.
		_ = godotenv.Load()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "threads %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .threads/config.yaml, then $THREADS_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
