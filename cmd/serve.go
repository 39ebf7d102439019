package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/checkpoint"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a read-only status server over the checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("GET /status", statusHandler(cfg.Checkpoint.Path, checkpoint.Options{
			StaleThreshold: cfg.Checkpoint.StaleThreshold(),
			MaxRetries:     cfg.Checkpoint.MaxRetries,
			BackupCount:    cfg.Checkpoint.BackupCount,
		}))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// statusHandler re-reads the checkpoint on every request, so a batch running
// in another process shows live progress.
func statusHandler(path string, opts checkpoint.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		cp := checkpoint.Open(path, opts)
		if err := cp.Load(); err != nil {
			if eris.Is(err, checkpoint.ErrNotFound) {
				http.Error(w, `{"error":"no checkpoint exists"}`, http.StatusNotFound)
				return
			}
			zap.L().Error("status read failed", zap.Error(err))
			http.Error(w, `{"error":"checkpoint unreadable"}`, http.StatusInternalServerError)
			return
		}

		snap, err := cp.Snapshot()
		if err != nil {
			zap.L().Error("status snapshot failed", zap.Error(err))
			http.Error(w, `{"error":"checkpoint unreadable"}`, http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(statusReport{
			Session:      snap.Session,
			Summary:      snap.Summary,
			SourceHealth: snap.SourceHealth,
		})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
