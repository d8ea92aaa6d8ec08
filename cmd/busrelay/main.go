package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/config"
	"nuha.dev/busrelay/internal/listener"
	"nuha.dev/busrelay/internal/relay/events"
	"nuha.dev/busrelay/internal/relay/router"
	"nuha.dev/busrelay/internal/relay/server"
	"nuha.dev/busrelay/internal/relay/wsconn"
	"nuha.dev/busrelay/internal/stat"
	"nuha.dev/busrelay/internal/store"
	"nuha.dev/busrelay/internal/store/impl/logstore"
	"nuha.dev/busrelay/internal/store/impl/natsstore"
	"nuha.dev/busrelay/internal/store/impl/pgstore"
	"nuha.dev/busrelay/internal/util"
	"nuha.dev/busrelay/internal/web"
)

func main() {
	config_file := flag.String("config", "", "config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*config_file)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	ids, err := util.NewIdGen(cfg.IdSalt)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to create id generator")
	}
	eb, err := events.New(1)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to create event bus")
	}
	st := stat.NewStat()
	eb.Handle("stat", ".*", st.Handle)

	sinks := openSinks(cfg, logger)
	if len(sinks) > 0 {
		eb.Handle("history", events.LocationAccepted, store.Handler(sinks))
	}

	srv := server.NewServer(ids.Next, eb, &server.ServerConfig{
		PingInterval:    cfg.PingInterval,
		ReapInterval:    cfg.ReapInterval,
		ShutdownGrace:   cfg.ShutdownGrace,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Router: router.RouterConfig{
			Malformed:  router.MalformedPolicy(cfg.MalformedPolicy),
			Reregister: router.ReregisterPolicy(cfg.ReregisterPolicy),
		},
	})
	run_result := make(chan error, 1)
	go func() {
		run_result <- srv.Run()
	}()

	api := web.NewApi(srv, st, &web.ApiConfig{
		ListenAddr:  cfg.ListenAddr(),
		CorsOrigins: cfg.CorsOrigins,
		WsConn:      &wsconn.WsConnConfig{OutboxSize: cfg.OutboxSize, ReadLimit: cfg.ReadLimit},
	})
	http_server := api.NewHttpServer()
	lcfg := &listener.ListenerConfig{
		ListenerAddr:  cfg.ListenAddr(),
		ProxyProtocol: cfg.ProxyProtocol,
		TunnelAddr:    cfg.TunnelAddr,
		TunnelToken:   cfg.TunnelToken,
	}
	ln, err := listener.Listen(lcfg)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", lcfg.ListenerAddr).Msg("unable to listen")
	}
	go func() {
		err := http_server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.TunnelAddr != "" {
		go listener.RunTunnel(ctx, lcfg, func(tln net.Listener) bool {
			err := http_server.Serve(tln)
			return errors.Is(err, http.ErrServerClosed)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	run_err := waitForStop(srv, sig, run_result, logger)
	cancel()

	// websocket sessions end once the relay has closed every transport
	dctx, dcancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer dcancel()
	if err := api.Drain(dctx); err != nil {
		logger.Warn().Err(err).Msg("websocket sessions still running")
	}
	if err := http_server.Shutdown(dctx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown")
	}
	if len(sinks) > 0 {
		eb.Remove("history")
		if err := sinks.Close(); err != nil {
			logger.Error().Err(err).Msg("unable to close history stores")
		}
	}
	if errors.Is(run_err, server.ErrForcedShutdown) {
		logger.Error().Err(run_err).Msg("shutdown did not complete in time")
		os.Exit(1)
	}
	if run_err != nil {
		logger.Error().Err(run_err).Msg("relay stopped after a fault")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

// waitForStop blocks until a signal or a relay fault, starts the relay
// drain and waits for the loop to end. A second signal forces the drain to
// finish so the sinks still get flushed.
func waitForStop(srv *server.Server, sig <-chan os.Signal, run_result <-chan error, logger log.Logger) error {
	stopping := false
	for {
		select {
		case s := <-sig:
			if stopping {
				logger.Warn().Str("signal", s.String()).Msg("second signal, forcing shutdown")
				srv.Force()
				continue
			}
			stopping = true
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			srv.Shutdown()
		case err := <-srv.Faults():
			logger.Error().Err(err).Msg("relay fault, shutting down")
			stopping = true
			srv.Shutdown()
		case err := <-run_result:
			return err
		}
	}
}

func openSinks(cfg *config.Config, logger log.Logger) store.Multi {
	var sinks store.Multi
	if cfg.DbUrl != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.Connect(ctx, cfg.DbUrl)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to postgres")
		}
		if err := pgstore.Migrate(ctx, pool, cfg.HistoryTable); err != nil {
			logger.Fatal().Err(err).Msg("unable to prepare history table")
		}
		pg := pgstore.NewStore(pool, cfg.HistoryTable, &pgstore.StoreConfig{BufSize: 100, TickerDur: 5 * time.Second, MaxAgeFlush: 10 * time.Second})
		pg.Run()
		sinks = append(sinks, closer{pg, pool.Close})
	}
	if cfg.NatsUrl != "" {
		nc, err := natsstore.Connect(cfg.NatsUrl)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to nats")
		}
		ns := natsstore.NewStore(nc, &natsstore.StoreConfig{SubjectPrefix: cfg.NatsSubjectPrefix})
		ns.Run()
		sinks = append(sinks, ns)
	}
	if cfg.Logstore {
		sinks = append(sinks, logstore.NewStore(os.Stdout))
	}
	return sinks
}

// closer runs after once the wrapped store is closed.
type closer struct {
	store.LocationStore
	after func()
}

func (c closer) Close() error {
	err := c.LocationStore.Close()
	c.after()
	return err
}
