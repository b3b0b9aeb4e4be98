// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dentalocal is the entry point of the clinical-documentation
// backend: it serves the loopback API, seeds the knowledge base, and
// checks a running instance.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DentalLocal/pkg/config"
	"github.com/AleutianAI/DentalLocal/services/backend"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "dentalocal",
		Short: "Local-first clinical documentation backend for dental practices",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), ingestCmd(), statusCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// serveCmd runs the backend until SIGINT/SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend service on loopback",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			slog.SetDefault(log)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			srv, err := backend.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

// ingestCmd seeds the knowledge base from a yaml file.
func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Seed the dental knowledge base from a yaml file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			srv, err := backend.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			chunks, err := srv.IngestSeed(ctx, file)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d knowledge chunks from %s\n", chunks, file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the seed yaml")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// statusCmd queries a running instance.
func statusCmd() *cobra.Command {
	var baseURL, apiKey string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			for _, path := range []string{"/health", "/rag/status", "/workers/status"} {
				req, err := http.NewRequestWithContext(cmd.Context(),
					http.MethodGet, baseURL+path, nil)
				if err != nil {
					return err
				}
				if apiKey != "" {
					req.Header.Set("X-API-Key", apiKey)
				}
				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("backend unreachable at %s: %w", baseURL, err)
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				fmt.Printf("%-18s %d %s\n", path, resp.StatusCode, string(body))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:12780", "backend base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("APP_API_KEY"), "API key")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("dentalocal", version)
		},
	}
}
