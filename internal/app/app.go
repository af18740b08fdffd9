package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"RailCredit/internal/chain"
	"RailCredit/internal/config"
	"RailCredit/internal/db"
	"RailCredit/internal/gateway"
	"RailCredit/internal/models"
	"RailCredit/internal/notify"
	"RailCredit/internal/payments"
	"RailCredit/internal/pricing"
	"RailCredit/internal/ratelimit"
	"RailCredit/internal/services"
	"RailCredit/internal/store"
	"RailCredit/internal/worker"
)

// App holds the wired order manager and the resources it owns.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Orders  *services.OrderService
	Gateway *gateway.Client
	Hub     *notify.Hub
	Limiter ratelimit.Limiter
	Sweeper *worker.Sweeper

	closers []func()
}

func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var oracle pricing.Oracle = pricing.FixedOracle{FixedRate: cfg.FixedRate()}
	if cfg.Pricing.OracleURL != "" {
		oracle = pricing.NewHTTPOracle(cfg.Pricing.OracleURL, cfg.Pricing.MaxAge(), oracle, logger)
	}

	ton, err := chain.NewMultiAPIClient(cfg.Chain.APIEndpoints, cfg.Chain.APIKey, cfg.Chain.FailoverThreshold)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ton api: %w", err)
	}
	a.Gateway = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey)

	rails := payments.Router{
		models.RailOnChain:     &payments.OnChainConfirmer{Source: ton, Limit: cfg.Chain.TxLimit, MaxPages: cfg.Chain.TxMaxPages},
		models.RailFiatGateway: &payments.FiatConfirmer{Gateway: a.Gateway, Currency: cfg.Gateway.Currency},
	}

	a.Hub = notify.NewHub(logger, OriginChecker(cfg.Server.AllowedOrigins))
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}, a.Hub}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewPublisher(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			logger.Warn("amqp publisher unavailable, continuing without it", "error", err)
		} else {
			a.closers = append(a.closers, func() { _ = pub.Close() })
			notifiers = append(notifiers, pub)
		}
	}

	a.Limiter = ratelimit.Nop{}
	rdb, err := ratelimit.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("redis unavailable, order creation is not rate limited", "error", err)
	} else if rdb != nil {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Limiter = ratelimit.NewRedisLimiter(rdb, "railcredit:rate_limit", cfg.Redis.CreateLimitPerMinute, time.Minute)
	}

	a.Orders = &services.OrderService{
		Store:           st,
		Oracle:          oracle,
		Rails:           rails,
		Checkout:        a.Gateway,
		Notifier:        notifiers,
		Scheduler:       worker.NewScheduler(context.Background()),
		Logger:          logger,
		Treasury:        cfg.Chain.TreasuryAddress,
		RefPrefix:       cfg.Orders.RefPrefix,
		OnChainTTL:      cfg.Orders.OnChainTTL(),
		FiatTTL:         cfg.Orders.FiatTTL(),
		PollInterval:    cfg.Worker.PollInterval(),
		MinTokenAmount:  cfg.MinAmount(),
		MaxTokenAmount:  cfg.MaxAmount(),
		GatewayCurrency: cfg.Gateway.Currency,
		CallbackURL:     cfg.Gateway.CallbackURL,
	}
	a.Sweeper = worker.NewSweeper(a.Orders, cfg.Worker.SweepSchedule, logger)

	logger.Info("order manager ready",
		"db_driver", cfg.DB.Driver,
		"ton_api", ton.BaseURL(),
		"treasury", cfg.Chain.TreasuryAddress,
		"oracle", cfg.Pricing.OracleURL != "",
		"amqp", len(notifiers) > 2,
		"redis", rdb != nil,
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	switch a.Config.DB.Driver {
	case "sqlite":
		st, err := store.NewSQLite(a.Config.DB.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		return st, nil
	default:
		pool, err := db.Connect(ctx, a.Config.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return store.NewPostgres(pool), nil
	}
}

// Close stops every poll loop and releases connections in reverse order.
func (a *App) Close() {
	if a.Orders != nil {
		a.Orders.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OriginChecker allows websocket upgrades from the configured origins. An
// empty list or "*" allows any origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
