package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/seed"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func (a *cli) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the store over HTTP for a local drawing front-end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.close()
			return runServer(cmd.Context(), rt)
		},
	}
	defaults := a.viper
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Session token signing secret (enables auth)")
	if err := a.viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := a.viper.BindPFlag("auth.signing_secret", cmd.Flags().Lookup("signing-secret")); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context, rt *runtime) error {
	deps := server.Dependencies{
		Engine:  rt.engine,
		Metrics: rt.registry,
		Recorders: server.RecorderOptions{
			Interval:  rt.config.SamplerInterval,
			QueueSize: rt.config.RecorderQueueSize,
		},
		Logger: rt.logger,
	}
	if rt.config.AuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(rt.config.AuthSigningSecret),
			Issuer:        rt.config.AuthIssuer,
			CookieName:    rt.config.AuthCookieName,
		})
		if err != nil {
			return err
		}
		deps.Validator = validator
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting",
			zap.String("address", rt.config.HTTPAddress),
			zap.Bool("auth_enabled", rt.config.AuthEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type loadSummary struct {
	DocumentID string               `json:"document_id"`
	Title      string               `json:"title"`
	Format     int                  `json:"format_version"`
	Layers     int                  `json:"layers"`
	Telemetry  engine.LoadTelemetry `json:"telemetry"`
	Warnings   []string             `json:"warnings,omitempty"`
}

func (a *cli) loadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <document-id>",
		Short: "Load a document and report load telemetry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDocument(args[0], func(rt *runtime, documentID document.ID) error {
				result, err := rt.engine.Load(cmd.Context(), documentID)
				if err != nil {
					return describe(err)
				}
				summary := loadSummary{
					DocumentID: documentID.String(),
					Title:      result.Metadata.Title,
					Format:     result.Metadata.FormatVersion,
					Layers:     result.State.LayerCount(),
					Telemetry:  result.Telemetry,
				}
				for _, skipped := range result.Warnings {
					summary.Warnings = append(summary.Warnings, fmt.Sprintf("event %d (%s) skipped: %s", skipped.Sequence, skipped.Type, skipped.Reason))
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

type snapshotSummary struct {
	Sequence         uint64 `json:"sequence"`
	Compression      string `json:"compression"`
	UncompressedSize int64  `json:"uncompressed_size"`
	CompressedSize   int64  `json:"compressed_size"`
	CreatedAtMs      int64  `json:"created_at_ms"`
}

type inspectSummary struct {
	DocumentID    string            `json:"document_id"`
	Title         string            `json:"title"`
	Format        int               `json:"format_version"`
	CreatedAtMs   int64             `json:"created_at_ms"`
	ModifiedAtMs  int64             `json:"modified_at_ms"`
	EventCount    int64             `json:"event_count"`
	LastSequence  *uint64           `json:"last_sequence,omitempty"`
	Snapshots     []snapshotSummary `json:"snapshots"`
	SnapshotEvery uint64            `json:"snapshot_frequency"`
}

func (a *cli) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <document-id>",
		Short: "Show metadata, event log and snapshot statistics without replaying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDocument(args[0], func(rt *runtime, documentID document.ID) error {
				ctx := cmd.Context()
				persistence := rt.engine.Store()
				metadata, err := persistence.Metadata().Get(ctx, documentID)
				if err != nil {
					return describe(err)
				}
				count, err := persistence.Events().Count(ctx, documentID)
				if err != nil {
					return describe(err)
				}
				snapshots, err := persistence.Snapshots().List(ctx, documentID)
				if err != nil {
					return describe(err)
				}
				summary := inspectSummary{
					DocumentID:    documentID.String(),
					Title:         metadata.Title,
					Format:        metadata.FormatVersion,
					CreatedAtMs:   metadata.CreatedAtMs,
					ModifiedAtMs:  metadata.ModifiedAtMs,
					EventCount:    count,
					Snapshots:     make([]snapshotSummary, 0, len(snapshots)),
					SnapshotEvery: rt.engine.Snapshots().Frequency(),
				}
				if last, found, err := persistence.Events().MaxSequence(ctx, documentID); err != nil {
					return describe(err)
				} else if found {
					summary.LastSequence = &last
				}
				for _, snapshot := range snapshots {
					summary.Snapshots = append(summary.Snapshots, snapshotSummary{
						Sequence:         snapshot.Sequence,
						Compression:      snapshot.Compression.String(),
						UncompressedSize: snapshot.UncompressedSize,
						CompressedSize:   snapshot.CompressedSize,
						CreatedAtMs:      snapshot.CreatedAtMs,
					})
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func (a *cli) replayCommand() *cobra.Command {
	var maxSequence uint64
	cmd := &cobra.Command{
		Use:   "replay <document-id>",
		Short: "Reconstruct a document as of a sequence and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDocument(args[0], func(rt *runtime, documentID document.ID) error {
				bound := maxSequence
				if !cmd.Flags().Changed("max-sequence") {
					last, found, err := rt.engine.Store().Events().MaxSequence(cmd.Context(), documentID)
					if err != nil {
						return describe(err)
					}
					if found {
						bound = last
					}
				}
				result, err := rt.engine.ReplayTo(cmd.Context(), documentID, bound)
				if err != nil {
					return describe(err)
				}
				return writeJSON(cmd.OutOrStdout(), result.State)
			})
		},
	}
	cmd.Flags().Uint64Var(&maxSequence, "max-sequence", 0, "Highest event sequence to apply (default: last)")
	return cmd
}

func (a *cli) compactCommand() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "compact <document-id>",
		Short: "Keep the newest snapshots and prune the events they cover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDocument(args[0], func(rt *runtime, documentID document.ID) error {
				retain := keep
				if !cmd.Flags().Changed("keep") {
					retain = rt.config.SnapshotRetain
				}
				result, err := rt.engine.Compact(cmd.Context(), documentID, retain)
				if err != nil {
					return describe(err)
				}
				if err := rt.engine.Checkpoint(cmd.Context()); err != nil {
					rt.logger.Warn("checkpoint after compaction failed", zap.Error(err))
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Snapshots to keep (default: snapshot.retain)")
	return cmd
}

func (a *cli) checkpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush the write-ahead log into the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.engine.Checkpoint(cmd.Context()); err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint complete")
			return nil
		},
	}
}

type seedSummary struct {
	DocumentID        string   `json:"document_id"`
	Created           bool     `json:"created"`
	Events            int      `json:"events"`
	FirstSequence     uint64   `json:"first_sequence"`
	LastSequence      uint64   `json:"last_sequence"`
	SnapshotSequences []uint64 `json:"snapshot_sequences"`
	CheckpointError   string   `json:"checkpoint_error,omitempty"`
}

func (a *cli) seedCommand() *cobra.Command {
	var (
		events int
		seedID int64
		title  string
		userID string
	)
	cmd := &cobra.Command{
		Use:   "seed <document-id>",
		Short: "Append a synthetic editing session in one save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDocument(args[0], func(rt *runtime, documentID document.ID) error {
				generated, err := seed.Generate(seed.Options{Events: events, Seed: seedID, UserID: userID})
				if err != nil {
					return err
				}
				result, err := rt.engine.Save(cmd.Context(), engine.SaveRequest{
					DocumentID: documentID,
					Title:      title,
					Events:     generated,
				})
				if err != nil {
					return describe(err)
				}
				summary := seedSummary{
					DocumentID:        documentID.String(),
					Created:           result.Created,
					Events:            len(result.Sequences),
					FirstSequence:     result.Sequences[0],
					LastSequence:      result.Sequences[len(result.Sequences)-1],
					SnapshotSequences: make([]uint64, 0, len(result.Snapshots)),
				}
				for _, snapshot := range result.Snapshots {
					summary.SnapshotSequences = append(summary.SnapshotSequences, snapshot.Sequence)
				}
				if result.CheckpointError != nil {
					summary.CheckpointError = result.CheckpointError.Error()
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().IntVar(&events, "events", 1500, "Number of events to generate")
	cmd.Flags().Int64Var(&seedID, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&title, "title", "Synthetic session", "Document title")
	cmd.Flags().StringVar(&userID, "user-id", "seeder", "User id stamped on generated events")
	return cmd
}

func (a *cli) withDocument(rawID string, fn func(rt *runtime, documentID document.ID) error) error {
	documentID, err := document.NewID(rawID)
	if err != nil {
		return err
	}
	rt, err := a.open()
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt, documentID)
}

// describe prefixes categorized failures with their actionable message.
func describe(err error) error {
	if _, ok := faults.As(err); !ok {
		return err
	}
	return fmt.Errorf("%s: %w", faults.Message(err), err)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
