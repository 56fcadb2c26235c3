package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	chromebridge "github.com/chromebridge/relay"
	"github.com/chromebridge/relay/cmd/config"
	"github.com/chromebridge/relay/lib/logger"
	"github.com/chromebridge/relay/lib/relay"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relaySrv, err := relay.New(relay.Config{
		AdvertiseAddr:  config.Addr(),
		ForwardTimeout: config.ForwardTimeout(),
		OpenURLTimeout: config.OpenURLTimeout(),
		ScreenshotDir:  config.ScreenshotDir,
	}, slogger)
	if err != nil {
		slogger.Error("failed to build relay", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	// endpoints to expose the spec
	r.Get("/spec.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oai.openapi")
		w.Write(chromebridge.OpenAPIYAML)
	})
	r.Get("/spec.json", func(w http.ResponseWriter, r *http.Request) {
		jsonData, err := yaml.YAMLToJSON(chromebridge.OpenAPIYAML)
		if err != nil {
			http.Error(w, "failed to convert YAML to JSON", http.StatusInternalServerError)
			logger.FromContext(r.Context()).Error("failed to convert YAML to JSON", "err", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	})

	r.Mount("/", relaySrv.Routes())

	// Bind before serving so a taken port is a startup failure, not a
	// half-running process.
	ln, err := net.Listen("tcp", config.Addr())
	if err != nil {
		slogger.Error("failed to bind listener", "addr", config.Addr(), "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: r}

	go func() {
		slogger.Info("relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return relaySrv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slogger.Error("relay failed to shutdown", "err", err)
	}
}
