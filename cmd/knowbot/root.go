package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/knowbot/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "knowbot",
	Short: "DingTalk bot that files shared documents into an assistant knowledge base",
	Long: `knowbot receives files sent to a DingTalk robot, stores them in the
sender's DingDrive space and registers the preview link with an AI assistant.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = config.DefaultConfigPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "Path to the TOML config file")
	rootCmd.AddCommand(serveCmd, sealCmd, openCmd)
}
