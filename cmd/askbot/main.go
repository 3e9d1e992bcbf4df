// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command askbot runs the Mattermost↔Jira assistant.
//
// Configuration comes from environment variables; see pkg/config for
// the full list. The two that have no default are MATTERMOST_TOKEN and
// ASKBOT_SECRET_KEY.
//
// # Usage
//
//	# Build
//	go build -o askbot ./cmd/askbot
//
//	# Validate the environment without connecting anywhere
//	./askbot check-config
//
//	# Run
//	./askbot serve
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onebit-support/askbot/pkg/config"
	"github.com/onebit-support/askbot/pkg/logging"
	"github.com/onebit-support/askbot/services/bot"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "askbot",
	Short:        "Mattermost bot that answers Jira questions in plain language",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Service: cfg.BotName,
		})
		slog.SetDefault(logger)

		svc, err := bot.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return svc.Run(ctx)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the environment configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("configuration ok (bot %q, mattermost %s, jira %s)\n",
			cfg.BotName, cfg.MattermostURL, cfg.JiraURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, checkConfigCmd)
}
