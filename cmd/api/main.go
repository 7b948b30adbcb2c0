package main

import (
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"time"

	"github.com/sumire-dev/memberd/account"
	"github.com/sumire-dev/memberd/auth"
	"github.com/sumire-dev/memberd/broker"
	"github.com/sumire-dev/memberd/db"
	"github.com/sumire-dev/memberd/external"
	"github.com/sumire-dev/memberd/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	stripeGateway, err := external.Stripe()
	if err != nil {
		logger.Fatal("Cannot initialize Stripe gateway",
			zap.Error(err),
		)
	}

	db, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	smtpAuth := smtp.PlainAuth("", os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_HOST"))

	auth, err := auth.New(auth.Options{
		Redis:  rdb,
		Logger: logger,

		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),

		Environment: authEnvironment,
		SMTPAuth:    smtpAuth,
		From:        os.Getenv("SMTP_FROM"),
		Hostname:    os.Getenv("SMTP_HOST") + ":" + os.Getenv("SMTP_PORT"),
		EmailOption: auth.EmailOption{
			Name: os.Getenv("SITE_NAME"),
			LinkGenerator: func(uid, token string) string {
				return fmt.Sprintf("%s/accounts/login/%s/%s", os.Getenv("SITE_URL"), uid, token)
			},
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	identityGateway, err := external.NewIdentityGateway(external.IdentityOptions{
		BaseURL:   os.Getenv("IDENTITY_API_URL"),
		ProjectID: os.Getenv("IDENTITY_PROJECT_ID"),
		APIToken:  os.Getenv("IDENTITY_API_TOKEN"),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Identity gateway",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	accountManager, err := account.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize AccountManager",
			zap.Error(err),
		)
	}

	// Backfill jobs go through RabbitMQ when available so they survive a
	// restart; otherwise run them as detached goroutines in-process
	var scheduler subscription.Scheduler
	if amqpURI := os.Getenv("AMQP_URI"); len(amqpURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(amqpURI)
		if err != nil {
			logger.Fatal("Cannot connect to Message Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		scheduler = amqpBroker
	} else {
		backfillTask, err := subscription.NewBackfillTask(subscription.TaskOptions{
			Store:   subscriptionManager,
			Gateway: stripeGateway,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize BackfillTask",
				zap.Error(err),
			)
		}
		scheduler, err = subscription.NewGoScheduler(backfillTask)
		if err != nil {
			logger.Fatal("Cannot initialize backfill scheduler",
				zap.Error(err),
			)
		}
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerOptions{
		Store:     subscriptionManager,
		Gateway:   stripeGateway,
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Auth:                auth,
		SubscriptionManager: subscriptionManager,
		Reconciler:          reconciler,
		Stripe:              stripeGateway,
		Logger:              logger,

		DefaultPriceID: os.Getenv("STRIPE_PRICE_ID"),
		AppURL:         os.Getenv("SITE_URL"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	accountRouter, err := account.NewService(account.ServiceOptions{
		Auth:                auth,
		AccountManager:      accountManager,
		SubscriptionManager: subscriptionManager,
		Identity:            identityGateway,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Account Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{os.Getenv("SITE_URL")},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	rootRouter.Mount("/accounts", accountRouter.Router())
	rootRouter.Mount("/subscription", subscriptionRouter.Router())

	addr := os.Getenv("API_ADDR")
	if len(addr) == 0 {
		addr = ":8080"
	}

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    addr,
	}

	logger.Info("API listening",
		zap.String("Addr", addr),
	)

	log.Fatalln(srv.ListenAndServe())
}
