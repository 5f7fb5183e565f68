package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	agentFlag string
)

var rootCmd = &cobra.Command{
	Use:           "engram",
	Short:         "Entity store and workflow engine for coding agents",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable coloured output")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "agent to attribute writes to (default: agent.default)")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(taskCmd, contextCmd, showCmd, linkCmd)
	rootCmd.AddCommand(workflowCmd, askCmd, sessionCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// versionString is what serve prints on startup.
func versionString() string {
	return fmt.Sprintf("engram version %s", version)
}
