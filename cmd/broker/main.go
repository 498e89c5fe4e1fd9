// Command broker runs the glasses/App session broker: two WebSocket
// listeners (glasses, Apps) and a REST+metrics listener, wired together
// with golang.org/x/sync/errgroup so any listener's fatal error brings the
// whole process down cleanly: slog setup, signal-driven context
// cancellation, errgroup fan-out, and a graceful-shutdown goroutine per
// HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/glasshub/broker/internal/api"
	"github.com/glasshub/broker/internal/appmanager"
	"github.com/glasshub/broker/internal/collab"
	"github.com/glasshub/broker/internal/config"
	"github.com/glasshub/broker/internal/session"
	"github.com/glasshub/broker/internal/transport"
	"github.com/glasshub/broker/internal/wire"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	store, media := newCollaborators()
	webhook := appmanager.NewHTTPWebhook(cfg.AppStartTimeout)

	registry := session.NewRegistry(func(userID string) session.Deps {
		return session.Deps{Store: store, Media: media, Webhook: webhook}
	}, cfg, log)

	log.Info("broker starting",
		"version", version,
		"glasses_addr", cfg.GlassesAddr,
		"app_addr", cfg.AppAddr,
		"api_addr", cfg.APIAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	glassesSrv := &http.Server{Addr: cfg.GlassesAddr, Handler: glassesMux(registry, log)}
	appSrv := &http.Server{Addr: cfg.AppAddr, Handler: appMux(registry, log)}
	apiSrv := api.New(cfg.APIAddr, registry, log)

	g.Go(func() error { return serveHTTP(ctx, "glasses", glassesSrv, cfg.ShutdownGrace, log) })
	g.Go(func() error { return serveHTTP(ctx, "app", appSrv, cfg.ShutdownGrace, log) })
	g.Go(func() error { return apiSrv.Start(ctx) })

	g.Go(func() error {
		<-ctx.Done()
		registry.DisposeAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}

// serveHTTP runs srv until ctx is canceled, then shuts it down within grace.
// Shared by the glasses and App listeners; the API listener uses api.Server.Start.
func serveHTTP(ctx context.Context, name string, srv *http.Server, grace time.Duration, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info(name+" server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return <-errCh
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// glassesMux serves the single glasses WebSocket endpoint. The connecting
// device announces its identity by query string (?userId=...); the first
// application-level message it must then send is connection_init, which
// HandleConnectionInit uses to record its declared capabilities.
func glassesMux(registry *session.Registry, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/glasses", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "missing userId", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("glasses upgrade failed", "err", err)
			return
		}
		conn := transport.New("glasses-"+uuid.NewString(), ws, log)
		registry.Attach(r.Context(), userID, session.RoleGlasses, conn, wire.Capabilities{}, "")
	})
	return mux
}

// appMux serves the App WebSocket endpoint. The connecting App announces
// both its user and its package name by path; its first message must then
// be tpa_connection_init, confirming the matching API key. AttachApp binds
// the socket to that pkg immediately so a malformed first message still has
// somewhere to be replied to and counted against the protocol error budget.
func appMux(registry *session.Registry, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/app/{userId}/{pkg}", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		pkg := r.PathValue("pkg")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("app upgrade failed", "pkg", pkg, "err", err)
			return
		}
		conn := transport.New("app-"+pkg+"-"+uuid.NewString(), ws, log)
		registry.Attach(r.Context(), userID, session.RoleApp, conn, wire.Capabilities{}, pkg)
	})
	return mux
}

// newCollaborators wires the opaque Store/MediaBackend collaborators named
// as external services. The broker ships no concrete database or CDN
// client; operators supply their own by building against internal/collab's
// interfaces in place of these in-memory stand-ins.
func newCollaborators() (collab.Store, collab.MediaBackend) {
	return collab.NewFakeStore(), collab.NewFakeMediaBackend()
}
