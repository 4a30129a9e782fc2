package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"scenecollab/server/internal/app"
	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/config"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/schema"
	"scenecollab/server/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scenectl",
		Short:         "Tools for the scene collaboration relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSchemaCmd(), newValidateCmd(), newInspectCmd(), newServeCmd())
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of scene documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), schema.JSONSchema())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document.json>",
		Short: "Validate a scene document and list its issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			result := schema.SafeParse(data)
			if result.OK {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid, %d entities\n", args[0], len(result.Document.Entities))
				return nil
			}
			for _, issue := range result.Issues {
				fmt.Fprintln(cmd.OutOrStdout(), issue.String())
			}
			return fmt.Errorf("%s: %d issues", args[0], len(result.Issues))
		},
	}
}

func newInspectCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "inspect [room]",
		Short: "List stored rooms, or print the document stored for one room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				return fmt.Errorf("--data-dir is required")
			}
			snapshots, err := store.Open(store.Config{Path: dataDir})
			if err != nil {
				return err
			}
			defer snapshots.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if len(args) == 0 {
				rooms, err := snapshots.Rooms(ctx)
				if err != nil {
					return err
				}
				for _, room := range rooms {
					fmt.Fprintln(cmd.OutOrStdout(), room)
				}
				return nil
			}

			snap, ok, err := snapshots.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no snapshot for room %q", args[0])
			}
			doc := replica.New("scenectl")
			if err := doc.ApplyUpdate(snap.State, replica.Remote("store")); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			scene, err := bridge.ReconstructDocument(doc)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), scene)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "snapshot directory of the relay")
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, app.Config{Server: cfg, Log: &logger, Version: version})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
