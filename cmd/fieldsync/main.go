// Command fieldsync runs the local sync core: the durable capture
// store, the background sync queue, and the localhost websocket feed
// the capture UI subscribes to.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/config"
	"github.com/fibrefield/fieldsync/internal/crypto"
	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/export"
	"github.com/fibrefield/fieldsync/internal/export/scheduler"
	"github.com/fibrefield/fieldsync/internal/logging"
	"github.com/fibrefield/fieldsync/internal/media"
	"github.com/fibrefield/fieldsync/internal/push"
	syncpkg "github.com/fibrefield/fieldsync/internal/sync"
	"github.com/fibrefield/fieldsync/internal/sync/queue"
)

// Version is set at build time.
var Version = "0.1.0"

// loadAPIToken resolves the remote API token. A token from the
// environment wins and is persisted encrypted under the data dir, so
// later runs work without the variable set.
func loadAPIToken(cfg *config.Config, log *logrus.Entry) string {
	host, _ := os.Hostname()
	store := crypto.NewTokenStore(cfg.DataDir, host)

	if cfg.APIToken != "" {
		if err := store.Save(cfg.APIToken); err != nil {
			log.WithError(err).Warn("failed to persist api token")
		}
		return cfg.APIToken
	}

	token, err := store.Load()
	if err != nil {
		if !errors.Is(err, crypto.ErrNoToken) {
			log.WithError(err).Warn("failed to load stored api token")
		}
		return ""
	}
	return token
}

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Get().WithError(err).Fatal("failed to load configuration")
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	log := logging.WithComponent("main")
	log.WithField("version", Version).Info("fieldsync starting")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	conn, err := db.Open(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open local store")
	}
	defer conn.Close()

	if err := db.NewMigrator(conn).Up(); err != nil {
		log.WithError(err).Fatal("failed to migrate local store")
	}

	repo := db.NewRepository(conn)
	defer repo.Close()

	photos := media.NewPhotoStore(cfg.DataDir + "/photos")
	tokens := syncpkg.NewStaticTokenSource(loadAPIToken(cfg, log))
	remote := syncpkg.NewRemoteClient(cfg.RemoteBaseURL, cfg.RequestTimeout)
	blobs := syncpkg.NewBlobClient(cfg.BlobBaseURL, 2*cfg.RequestTimeout)
	executor := syncpkg.NewExecutor(repo, remote, blobs, photos, tokens)

	manager := queue.NewManager(repo, executor, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start queue manager")
	}
	defer manager.Stop()
	manager.SetOnline(ctx, true)

	exports := scheduler.NewScheduler(export.NewExportService(repo, photos), &scheduler.Config{
		Interval:       scheduler.Interval(cfg.ExportInterval),
		RetentionCount: cfg.ExportRetention,
		IncludeMedia:   cfg.ExportMedia,
		ProjectID:      cfg.ExportProject,
		ExportDir:      filepath.Join(cfg.DataDir, "exports"),
	})
	if err := exports.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start export scheduler")
	}
	defer exports.Stop()

	hub := push.NewHub()
	defer hub.Close()
	bridge := push.NewBridge(repo, hub)
	defer bridge.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handler())
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fieldsync"}`))
	})

	server := &http.Server{Addr: cfg.PushAddr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.PushAddr).Info("event feed listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("event feed failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("event feed shutdown incomplete")
	}
}
