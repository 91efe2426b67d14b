// Copyright 2023 The biasalert-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the biasalert broadcast server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/turtacn/biasalert-go/pkg/auth"
	"github.com/turtacn/biasalert-go/pkg/config"
	"github.com/turtacn/biasalert-go/pkg/logging"
	"github.com/turtacn/biasalert-go/pkg/server"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "biasalert",
		Short: "Real-time bias alert broadcast server",
		Long: `biasalert pushes bias alerts, dashboard updates, system status and
analysis results to subscribed clients over WebSocket.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newGenConfigCmd(), newHashTokenCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			server.Version = version

			srv, err := server.New(cfg, server.Deps{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info().Msg("Shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Dispose(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (.yaml, .yml or .json)")
	return cmd
}

func newGenConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Write the default configuration to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "biasalert.yaml", "destination file")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	var (
		algorithm   string
		salt        string
		userID      string
		configPath  string
		permissions []string
	)
	cmd := &cobra.Command{
		Use:   "hash-token TOKEN",
		Short: "Hash a client token for auth.tokens",
		Long: `Hash a client token for the auth.tokens section of the configuration.
With --config and --user the entry is added to that file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg := auth.HashAlgorithm(algorithm)
			if alg == auth.HashSHA256 && salt == "" {
				salt = userID
			}
			hash, err := auth.HashToken(args[0], salt, alg)
			if err != nil {
				return err
			}

			if configPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			}
			if userID == "" {
				return fmt.Errorf("--user is required with --config")
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			entry := config.TokenConfig{
				UserID:      userID,
				Token:       hash,
				Algorithm:   algorithm,
				Permissions: permissions,
				Enabled:     true,
			}
			if alg == auth.HashSHA256 {
				entry.Salt = salt
			}
			if err := cfg.AddToken(entry); err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added token for %s to %s\n", userID, configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(auth.HashBcrypt), "hash algorithm: plain, sha256 or bcrypt")
	cmd.Flags().StringVar(&salt, "salt", "", "salt for sha256 (defaults to the user id)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id the token belongs to")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file to add the token to")
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "permission granted to the token (repeatable)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
