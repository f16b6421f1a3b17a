package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/massage-dispatch/internal/api/router"
	"github.com/wolfman30/massage-dispatch/internal/bookings"
	"github.com/wolfman30/massage-dispatch/internal/chat"
	"github.com/wolfman30/massage-dispatch/internal/commission"
	appconfig "github.com/wolfman30/massage-dispatch/internal/config"
	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/internal/events"
	"github.com/wolfman30/massage-dispatch/internal/notify"
	"github.com/wolfman30/massage-dispatch/internal/observability/metrics"
	"github.com/wolfman30/massage-dispatch/internal/therapists"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const eventSource = "massage-dispatch"

// Infra carries the optional shared clients. Nil members select the
// in-memory implementation of the components that would use them.
type Infra struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	KafkaWriter events.MessageWriter
	SQS         events.SQSAPI
	PushSender  notify.MessageSender
}

type therapistDirectory interface {
	dispatch.TherapistDirectory
	therapists.Profiles
}

type realtimeStream interface {
	notify.Channel
	notify.Stream
}

type eventPublisher interface {
	dispatch.EventSink
	events.DeliveryHandler
}

// App is the wired dispatch service.
type App struct {
	Controller *dispatch.Controller
	Sweeper    *dispatch.Sweeper
	Deliverer  *events.Deliverer
	Handler    http.Handler
	Registry   *prometheus.Registry

	closers []func() error
}

// BuildInfra connects to everything the config names.
func BuildInfra(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (Infra, error) {
	var infra Infra
	pool, err := BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return infra, err
	}
	infra.Pool = pool
	infra.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if len(cfg.KafkaBrokers) > 0 {
		infra.KafkaWriter = events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		client, err := BuildSQSClient(ctx, cfg)
		if err != nil {
			return infra, err
		}
		if client != nil {
			infra.SQS = client
		}
	}
	if cfg.FirebaseCredentialsFile != "" {
		sender, err := notify.NewFirebaseSender(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return infra, err
		}
		infra.PushSender = sender
	}
	return infra, nil
}

// Build wires the controller, its adapters and the HTTP router.
func Build(ctx context.Context, cfg *appconfig.Config, infra Infra, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dispatchMetrics := metrics.NewDispatchMetrics(app.Registry)

	var (
		store       dispatch.BookingStore
		directory   therapistDirectory
		commissions dispatch.CommissionRecorder
		sink        dispatch.EventSink
	)
	if infra.Pool != nil {
		store = bookings.NewPostgresStore(infra.Pool, bookings.NewFeed(infra.Redis, logger), logger)
		directory = therapists.NewPostgresDirectory(infra.Pool)
		commissions = commission.NewPostgresRecorder(infra.Pool, cfg.CommissionRateBPS)
		app.closers = append(app.closers, func() error { infra.Pool.Close(); return nil })
	} else {
		logger.Warn("DATABASE_URL not set; bookings, therapists and commissions are in memory")
		store = bookings.NewMemoryStore()
		directory = therapists.NewMemoryDirectory()
		commissions = commission.NewMemoryRecorder(cfg.CommissionRateBPS)
	}

	var (
		chatStore chat.Store
		stream    realtimeStream
		devices   notify.DeviceStore
	)
	if infra.Redis != nil {
		chatStore = chat.NewRedisStore(infra.Redis)
		stream = notify.NewRedisRealtime(infra.Redis, logger)
		devices = notify.NewRedisDevices(infra.Redis)
		app.closers = append(app.closers, infra.Redis.Close)
	} else {
		chatStore = chat.NewMemoryStore()
		stream = notify.NewMemoryRealtime(logger)
		devices = notify.NewMemoryDevices()
	}

	channels := []notify.Channel{stream, notify.NewLogChannel(logger)}
	if push := notify.NewPush(infra.PushSender, devices, logger); push != nil {
		channels = append(channels, push)
	}

	var publisher eventPublisher
	if kafkaPublisher := events.NewKafkaPublisher(infra.KafkaWriter, eventSource); kafkaPublisher != nil {
		publisher = kafkaPublisher
		app.closers = append(app.closers, kafkaPublisher.Close)
	} else if sqsPublisher := events.NewSQSPublisher(infra.SQS, cfg.EventsSQSQueueURL, eventSource); sqsPublisher != nil {
		publisher = sqsPublisher
	}
	switch {
	case publisher != nil && infra.Pool != nil:
		outbox := events.NewOutboxStore(infra.Pool)
		sink = events.NewOutboxSink(outbox)
		app.Deliverer = events.NewDeliverer(outbox, publisher, logger)
	case publisher != nil:
		sink = publisher
	default:
		sink = events.NewLogSink(logger)
	}

	app.Controller = dispatch.NewController(dispatch.Deps{
		Store:       store,
		Therapists:  directory,
		Notifier:    notify.NewService(logger, channels...),
		Chat:        chatStore,
		Commissions: commissions,
		Events:      sink,
		Metrics:     dispatchMetrics,
		Logger:      logger,
		Policy:      cfg.Policy(),
	})
	app.Sweeper = dispatch.NewSweeper(app.Controller, logger).WithInterval(cfg.SweepInterval)

	checks := map[string]router.HealthCheck{}
	if infra.Pool != nil {
		checks["postgres"] = infra.Pool.Ping
	}
	if infra.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return infra.Redis.Ping(ctx).Err() }
	}

	app.Handler = router.New(&router.Config{
		Logger:              logger,
		BookingsHandler:     dispatch.NewHandler(app.Controller, logger),
		NotificationHandler: notify.NewHandler(stream, devices, logger),
		TherapistHandler:    therapists.NewHandler(directory, logger),
		ChatHandler:         chat.NewHandler(chatStore, logger),
		JWTSecret:           cfg.JWTSecret,
		MetricsHandler:      promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		HealthChecks:        checks,
		RateLimitRPS:        cfg.RateLimitRPS,
		RateLimitBurst:      cfg.RateLimitBurst,
		Context:             ctx,
	})
	return app, nil
}

// Start launches the recovery sweeper and, when configured, the outbox
// deliverer. Both stop when ctx ends.
func (a *App) Start(ctx context.Context) {
	go a.Sweeper.Start(ctx)
	if a.Deliverer != nil {
		go a.Deliverer.Start(ctx)
	}
}

// Close stops countdowns and releases clients in reverse order of creation.
func (a *App) Close() error {
	a.Controller.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
