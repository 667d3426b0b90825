package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/nexarena/internal/api"
	"github.com/nadmax/nexarena/internal/arena"
	"github.com/nadmax/nexarena/internal/config"
	"github.com/nadmax/nexarena/internal/logging"
	"github.com/nadmax/nexarena/internal/middleware"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// engine is the part of the arena service the server lifecycle drives.
type engine interface {
	Run(ctx context.Context) error
	CancelAll()
	Close() error
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logrus.Fatal(err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := arena.FromConfig(ctx, cfg, log)
	if err != nil {
		log.Fatal(err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = svc.Close()
		log.Fatal(err)
	}

	go startMetricsCollector(ctx, svc, log)

	server := &http.Server{
		Handler:           middleware.MetricsMiddleware(api.NewAPI(svc, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("addr", ln.Addr().String()).Info("Server starting")
	if err := serve(ctx, server, ln, svc, log, shutdownTimeout); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
	log.Info("Server stopped")
}

// serve runs the HTTP server and the queue processor until ctx is done or the server fails.
// Stores are closed only after in-flight requests have drained and the processor has returned.
func serve(ctx context.Context, server *http.Server, ln net.Listener, svc engine, log logrus.FieldLogger, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := svc.Run(ctx); err != nil {
			log.WithError(err).Error("Queue processor exited")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info("Shutting down server...")
	cancel()
	svc.CancelAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Error("Server shutdown failed")
	}
	if err == nil {
		err = <-serveErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	<-processorDone

	if cerr := svc.Close(); cerr != nil {
		log.WithError(cerr).Error("Failed to close arena stores")
	}

	return err
}
