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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/api"
	"github.com/kestrelvmm/kestrel/cmd/kestreld/config"
	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/guest"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/machine"
	mw "github.com/kestrelvmm/kestrel/lib/middleware"
	"github.com/kestrelvmm/kestrel/lib/otel"
	"github.com/kestrelvmm/kestrel/lib/vcpu"
)

// application holds the wired components.
type application struct {
	Ctx         context.Context
	Logger      *slog.Logger
	Config      *config.Config
	Machine     *machine.Machine
	Pool        *vcpu.Pool
	Broadcaster *events.Broadcaster
	VM          *lifecycle.VM
	GuestAgent  *guest.Agent
	ApiService  *api.ApiService
}

// errMachineDown signals a clean main-loop exit through the error group.
var errMachineDown = errors.New("machine shut down")

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	// Load config early for OTel initialization
	cfg := config.Load()

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otel.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	// Initialize app with wire
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		slog.Info("cleaning up application resources")
		cleanup()
		slog.Info("application cleanup complete")
	}()

	ctx := app.Ctx
	log := app.Logger

	if cfg.OtelEnabled {
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}
	if app.Config.JwtSecret == "" {
		log.Warn("JWT_SECRET not configured - management API authentication will fail")
	}

	// Apply machine policies (wakeup enablement, boot-once restore) before
	// anything can request a transition.
	if err := app.Machine.Apply(ctx, app.VM); err != nil {
		return fmt.Errorf("apply machine definition: %w", err)
	}
	app.VM.RunMachineInitDoneNotifiers()

	app.Pool.Start(ctx)
	log.Info("machine constructed",
		"machine", app.Machine.Definition().Name,
		"vcpus", app.Pool.Count(),
		"no_shutdown", app.Config.NoShutdown,
		"no_reboot", app.Config.NoReboot)

	app.VM.Start(ctx)

	// Terminating signals go through SystemKilled so the kill report and the
	// no-shutdown override behave as documented.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	router := newRouter(app, otelProvider)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", app.Config.Port),
		Handler: router,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			num := 0
			if s, ok := sig.(syscall.Signal); ok {
				num = int(s)
			}
			app.VM.SystemKilled(gctx, num, 0)
			return nil
		}
	})

	// Main-loop orchestrator. A clean exit tears the whole group down.
	grp.Go(func() error {
		err := app.VM.Run(gctx)
		app.VM.RunExitNotifiers()
		if err != nil {
			return err
		}
		log.Info("main loop exited")
		return errMachineDown
	})

	grp.Go(func() error {
		log.Info("starting kestrel management API", "port", app.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()

		// Use WithoutCancel to preserve context values while preventing cancellation
		shutdownCtx := context.WithoutCancel(gctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			return err
		}
		log.Info("http server shutdown complete")
		return nil
	})

	if app.Config.GuestAgentPort > 0 {
		grp.Go(func() error {
			err := app.GuestAgent.Listen(gctx, uint32(app.Config.GuestAgentPort))
			if err != nil && gctx.Err() == nil {
				// vsock is absent on hosts without the transport; the daemon
				// still serves the management API.
				log.Warn("guest agent listener unavailable", "port", app.Config.GuestAgentPort, "error", err)
			}
			return nil
		})
	}

	err = grp.Wait()
	if errors.Is(err, errMachineDown) || errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("all goroutines finished")
	return err
}

// newRouter builds the management router: health unauthenticated, everything
// else behind JWT bearer auth.
func newRouter(app *application, otelProvider *otel.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		// Tracing middleware first so the loggers see span context.
		if app.Config.OtelEnabled {
			r.Use(otelchi.Middleware(app.Config.OtelServiceName, otelchi.WithChiRoutes(r)))
		}
		r.Use(mw.InjectLogger(app.Logger))
		r.Use(mw.AccessLogger(app.Logger))

		if otelProvider != nil && otelProvider.Meter != nil {
			if httpMetrics, err := mw.NewHTTPMetrics(otelProvider.Meter); err == nil {
				// Skip HTTP metrics for the websocket event stream: the
				// wrapper must not outlive the hijacked connection.
				metricsMw := httpMetrics.Middleware
				r.Use(func(next http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
						if req.URL.Path == "/events" {
							next.ServeHTTP(w, req)
							return
						}
						metricsMw(next).ServeHTTP(w, req)
					})
				})
			}
		}

		r.Use(mw.JwtAuth(app.Config.JwtSecret))
		app.ApiService.Mount(r)
	})

	return r
}
