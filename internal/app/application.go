// Package app composes the lottery engine, its collaborators and the HTTP
// server into a running lotteryd process.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/internal/config"
	"github.com/R3E-Network/lottery_engine/internal/events"
	"github.com/R3E-Network/lottery_engine/internal/gasbank"
	"github.com/R3E-Network/lottery_engine/internal/httpapi"
	"github.com/R3E-Network/lottery_engine/internal/middleware"
	"github.com/R3E-Network/lottery_engine/internal/storage/postgres"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
	"github.com/R3E-Network/lottery_engine/services/pricefeed"
	"github.com/R3E-Network/lottery_engine/services/upkeep"
	"github.com/R3E-Network/lottery_engine/services/vrf"
)

// Application ties the engine and its collaborators together and manages
// their lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *Manager

	Engine *lottery.Engine
	Fees   *pricefeed.FeeResolver
	Oracle *vrf.Coordinator
	Keeper *upkeep.Keeper
	Bank   *gasbank.Manager
	Events *events.RingBuffer
	Router http.Handler

	server   *http.Server
	listener net.Listener
	serveErr chan error
	closers  []func() error
}

// New builds a fully initialised application. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:      cfg,
		log:      logger.New(cfg.Logging),
		manager:  NewManager(),
		serveErr: make(chan error, 1),
	}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	store, journal, err := a.buildStore(ctx)
	if err != nil {
		return fmt.Errorf("configure store: %w", err)
	}

	fees, err := a.buildFees()
	if err != nil {
		return fmt.Errorf("configure price feed: %w", err)
	}
	a.Fees = fees

	a.Events = events.NewRingBuffer(cfg.Server.EventBuffer)
	publisher, err := a.buildPublisher()
	if err != nil {
		return fmt.Errorf("configure event publishers: %w", err)
	}

	var seed []byte
	if raw := strings.TrimPrefix(strings.TrimSpace(cfg.Oracle.KeySeed), "0x"); raw != "" {
		if seed, err = hex.DecodeString(raw); err != nil {
			return fmt.Errorf("oracle.key_seed: %w", err)
		}
	} else {
		log.Warn("oracle.key_seed not set; VRF key is ephemeral")
	}
	oracle, err := vrf.New(vrf.Config{
		KeySeed:   seed,
		BlockTime: cfg.Oracle.BlockTime,
		Manual:    !cfg.Oracle.AutoFulfill,
	}, log)
	if err != nil {
		return fmt.Errorf("configure vrf: %w", err)
	}
	a.Oracle = oracle

	limit, err := cfg.Bank.Limit()
	if err != nil {
		return err
	}
	if a.Bank, err = gasbank.Open(ctx, journal, limit, log); err != nil {
		return fmt.Errorf("open payout bank: %w", err)
	}

	engine, err := lottery.New(ctx, cfg.Lottery.Engine(cfg.Oracle), lottery.Dependencies{
		Store:     store,
		Oracle:    oracle,
		Fees:      fees,
		Publisher: publisher,
		Payer:     a.Bank,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("open lottery engine: %w", err)
	}
	a.Engine = engine
	oracle.SetConsumer(engine)
	if err := a.resumeSettlement(ctx); err != nil {
		return err
	}

	if err := a.manager.Register(ServiceFuncs{
		ServiceName: "vrf",
		StartFunc:   oracle.Start,
		StopFunc:    func(context.Context) error { oracle.Stop(); return nil },
	}); err != nil {
		return err
	}

	if cfg.Upkeep.Enabled {
		keeper, err := upkeep.New(engine, upkeep.Config{
			Schedule:    cfg.Upkeep.Schedule,
			CancelStuck: cfg.Upkeep.CancelStuck,
			RunTimeout:  cfg.Upkeep.RunTimeout,
		}, log)
		if err != nil {
			return err
		}
		a.Keeper = keeper
		if err := a.manager.Register(ServiceFuncs{
			ServiceName: "upkeep",
			StartFunc:   keeper.Start,
			StopFunc:    func(context.Context) error { keeper.Stop(); return nil },
		}); err != nil {
			return err
		}
	} else {
		log.Warn("upkeep disabled; rounds settle only through the admin API")
	}

	return a.buildHTTP()
}

// resumeSettlement hands a round restored in SETTLING back to the oracle.
// Without it the persisted token is unknown to the new coordinator and the
// round never resolves.
func (a *Application) resumeSettlement(ctx context.Context) error {
	token, req, ok := a.Engine.PendingRandomness()
	if !ok {
		return nil
	}
	if err := a.Oracle.Resume(ctx, token, req); err != nil {
		return fmt.Errorf("resume randomness request %s: %w", token, err)
	}
	entry := a.log.WithFields(logrus.Fields{"request": token, "round": req.Round})
	if a.cfg.Oracle.AutoFulfill {
		entry.Info("resumed pending randomness request")
	} else {
		entry.Warn("round is settling; waiting for the external oracle")
	}
	return nil
}

// buildStore returns the engine store and the payout bank journal. Both live
// in the same database so claimed rewards survive a restart.
func (a *Application) buildStore(ctx context.Context) (lottery.Store, gasbank.Store, error) {
	if a.cfg.Database.DSN == "" {
		a.log.Warn("database.dsn not set; lottery state and payouts are kept in memory")
		return lottery.NewMemoryStore(), gasbank.NewMemoryStore(), nil
	}
	store, err := postgres.Open(ctx, a.cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, store, nil
}

func (a *Application) buildFees() (*pricefeed.FeeResolver, error) {
	pf := a.cfg.PriceFeed
	usdFee, err := a.cfg.Lottery.USDFee()
	if err != nil {
		return nil, err
	}

	var agg pricefeed.Aggregator
	if pf.URL != "" {
		agg, err = pricefeed.NewHTTPAggregator(pricefeed.HTTPConfig{
			URL:           pf.URL,
			AnswerPath:    pf.AnswerPath,
			TimestampPath: pf.TimePath,
			Decimals:      pf.Decimals,
		})
		if err != nil {
			return nil, err
		}
	} else {
		a.log.WithField("answer", pf.StaticAnswer).Warn("price_feed.url not set; using static price")
		agg = pricefeed.NewStaticAggregator(pf.StaticAnswer, pf.Decimals)
	}
	return pricefeed.NewFeeResolver(agg, usdFee, pf.MaxAge)
}

func (a *Application) buildPublisher() (events.Publisher, error) {
	cfg := a.cfg
	publishers := events.Multi{a.Events}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		publishers = append(publishers, events.NewRedisPublisher(client, cfg.Redis.Channel))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		publishers = append(publishers, kp)
	}
	return publishers, nil
}

func (a *Application) buildHTTP() error {
	cfg, log := a.cfg, a.log

	opts := httpapi.Options{
		Engine:       a.Engine,
		UsdTicketFee: a.Fees.UsdTicketFee,
		Events:       a.Events,
		Stream:       events.NewStream(a.Events, log, middleware.NewCORSMiddleware(cfg.Server.CORSOrigins).CheckOrigin),
		Bank:         a.Bank,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Fulfill:      a.Oracle.FulfillWithWords,
		Logger:       log,
	}
	if a.Keeper != nil {
		opts.Keeper = a.Keeper
	}

	if cfg.Auth.JWTSecret != "" {
		opts.Auth = middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, log, nil)
	} else {
		log.Warn("auth.jwt_secret not set; participant and admin routes are unauthenticated")
	}
	if cfg.Auth.ServiceSecret != "" {
		opts.ServiceAuth = middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
			Secret:          []byte(cfg.Auth.ServiceSecret),
			Logger:          log,
			AllowedServices: cfg.Auth.AllowedServices,
		})
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)
		opts.RateLimiter = limiter
		stop := make(chan struct{})
		if err := a.manager.Register(ServiceFuncs{
			ServiceName: "ratelimit-cleanup",
			StartFunc: func(context.Context) error {
				limiter.StartCleanup(time.Minute, stop)
				return nil
			},
			StopFunc: func(context.Context) error { close(stop); return nil },
		}); err != nil {
			return err
		}
	}

	a.Router = httpapi.NewHandler(opts)
	a.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a.manager.Register(ServiceFuncs{
		ServiceName: "http",
		StartFunc:   a.startHTTP,
		StopFunc:    a.server.Shutdown,
	})
}

func (a *Application) startHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.log.Infof("HTTP server listening on %s", ln.Addr())
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()
	return nil
}

// Addr returns the bound listener address once started.
func (a *Application) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start starts every component.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("services", a.manager.Names()).Info("starting lotteryd")
	return a.manager.Start(ctx)
}

// Run starts the application and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.serveErr:
		a.log.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops components in reverse order and releases connections.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.close()
	a.log.Info("lotteryd stopped")
	return err
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("error closing connection")
		}
	}
	a.closers = nil
}
