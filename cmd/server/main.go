package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/chat"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
	"github.com/example/ride-dispatch/internal/users"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	listen := flag.String("listen", "", "TCP address for client connections (overrides LISTEN_ADDR)")
	httpAddr := flag.String("http", "", "address for health, metrics and websocket (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type closers []io.Closer

func (c closers) closeAll(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.Warn("close_failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var open closers
	defer open.closeAll(logger)
	ready := map[string]httpapi.Pinger{}

	var accounts users.Store = users.NewMemoryStore()
	if cfg.UsersDB != "" {
		db, err := users.OpenSQLite(cfg.UsersDB)
		if err != nil {
			return err
		}
		open = append(open, db)
		ready["users"] = db
		accounts = db
	}

	var schedules schedule.Store = schedule.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs := schedule.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisSchedulePrefix)
		ready["redis"] = rs
		schedules = rs
	}

	var (
		archive storage.TripStore   = storage.NewMemoryStore()
		ratings storage.RatingStore = storage.NewMemoryRatings()
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		open = append(open, ps)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migration applied")
		}
		ready["postgres"] = ps
		archive, ratings = ps, ps
	}

	publisher, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}

	sessions := session.NewRegistry(logger)
	machine := rides.NewMachine(rides.Config{
		Matcher:      &matcher.Service{Drivers: sessions, Schedules: schedules, Ratings: ratings, Logger: logger},
		Peers:        sessions,
		Archive:      archive,
		Ratings:      ratings,
		Events:       publisher,
		Notifier:     sessions,
		OfferTimeout: cfg.OfferTimeout,
		Logger:       logger,
	})
	sessions.Subscribe(machine)
	router := dispatch.NewRouter(dispatch.Deps{
		Users:     accounts,
		Sessions:  sessions,
		Schedules: schedules,
		Rides:     machine,
		Chat:      chat.NewRelay(sessions, logger),
		Logger:    logger,
	})

	tcp := &transport.Server{
		Handler:         router,
		Logger:          logger,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout,
		QueueSize:       cfg.OutboundQueue,
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	ops := httpapi.NewServer(ctx, httpapi.Server{
		Rides:           machine,
		Sessions:        sessions,
		Live:            machine.Live,
		Ready:           ready,
		WS:              tcp,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout,
	}, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      ops,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch listening", "addr", ln.Addr().String())
		return tcp.Serve(gctx, ln)
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	machine.Close()
	if cerr := publisher.Close(); cerr != nil {
		logger.Warn("event_flush_failed", "error", cerr)
	}
	logger.Info("shutdown complete", "live_rides", machine.Live())
	return err
}

func buildPublisher(cfg config.ServerConfig, logger *slog.Logger) (events.Publisher, error) {
	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			_ = pubs.Close()
			return nil, err
		}
		pubs = append(pubs, ap)
	}
	if len(pubs) == 0 {
		return events.Nop{}, nil
	}
	return events.NewAsync(pubs, cfg.EventBuffer, 5*time.Second, logger), nil
}
