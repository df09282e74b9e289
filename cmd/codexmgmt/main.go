package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	codexmgmt "github.com/Tafka-4/codex-agent-management"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile string
)

func main() {
	root := &cobra.Command{
		Use:   "codexmgmt",
		Short: "Session orchestration service for Codex-driven challenge solving",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Starting codexmgmt v%s", Version)
			return codexmgmt.Run(configFile)
		},
	}
	serve.Flags().StringVarP(&configFile, "config", "c", getEnv("CONFIG_FILE", ""), "Configuration file")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	root.AddCommand(serve, version)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
