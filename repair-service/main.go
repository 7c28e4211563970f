package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/config"
	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/grpcsvc"
	"fadedreams/repairhub/repair-service/handlers"
	"fadedreams/repairhub/repair-service/kafka"
	"fadedreams/repairhub/repair-service/lifecycle"
	"fadedreams/repairhub/repair-service/logging"
	"fadedreams/repairhub/repair-service/notify"
	"fadedreams/repairhub/repair-service/otp"
	"fadedreams/repairhub/repair-service/outbox"
	"fadedreams/repairhub/repair-service/payment"
	"fadedreams/repairhub/repair-service/realtime"
	"fadedreams/repairhub/repair-service/service"
	"fadedreams/repairhub/repair-service/sms"

	"github.com/hashicorp/consul/api"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// initTracer installs the OTLP exporter. An empty endpoint leaves the no-op
// provider in place.
func initTracer(endpoint, serviceName string, logger *slog.Logger) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if endpoint == "" {
		logger.Info("Tracing disabled", "app", "repair-service")
		return func() {}, nil
	}
	logger.Info("Initializing tracer", "otlp_endpoint", endpoint, "app", "repair-service")

	exporter, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		logger.Error("Failed to create OTLP exporter", "error", err)
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	resources := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter, sdktrace.WithExportTimeout(5*time.Second))),
		sdktrace.WithResource(resources),
	)
	otel.SetTracerProvider(tp)

	return func() {
		logger.Info("Shutting down tracer provider", "app", "repair-service")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}, nil
}

// connectToMongoDB waits for a replica set primary; transactions and change
// streams need one.
func connectToMongoDB(uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	var err error

	for i := range retries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				var result struct {
					Ok int `bson:"ok"`
				}
				err = client.Database("admin").RunCommand(ctx, bson.D{
					{Key: "replSetGetStatus", Value: 1},
				}).Decode(&result)
				if err == nil && result.Ok == 1 {
					cancel()
					logger.Info("Connected to MongoDB", "app", "repair-service")
					return client, nil
				}
				logger.Error("Replica set not ready", "error", err)
			}
			client.Disconnect(context.Background())
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "max_attempts", retries, "error", err)
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

func openStore(cfg *config.Config, logger *slog.Logger) (domain.Store, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("Using the in-memory store; data is lost on restart", "app", "repair-service")
		return domain.NewMemoryStore(), nil
	}
	client, err := connectToMongoDB(cfg.MongoURI, cfg.MongoRetries, 2*time.Second, logger)
	if err != nil {
		return nil, err
	}
	repo := domain.NewMongoRepository(client, cfg.MongoDatabase)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func registerWithConsul(client *api.Client, cfg *config.Config) (string, error) {
	port, err := strconv.Atoi(cfg.HTTPPort)
	if err != nil {
		return "", fmt.Errorf("invalid SERVICE_PORT %q: %w", cfg.HTTPPort, err)
	}
	serviceID := cfg.ServiceName + "-" + cfg.HTTPPort
	registration := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: cfg.ServiceAddress,
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%s/health", cfg.ServiceAddress, cfg.HTTPPort),
			Interval: "10s",
			Timeout:  "5s",
		},
	}
	if err := client.Agent().ServiceRegister(registration); err != nil {
		return "", err
	}
	return serviceID, nil
}

// resolveService returns the healthy host:port pairs of name, comma joined.
func resolveService(client *api.Client, name string) (string, error) {
	entries, _, err := client.Health().Service(name, "", true, nil)
	if err != nil {
		return "", err
	}
	var addrs []string
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no healthy %s instances", name)
	}
	return strings.Join(addrs, ","), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	logger.Info("Starting repair-service", "app", "repair-service", "timestamp", time.Now().Unix())

	shutdownTracer, err := initTracer(cfg.OTelEndpoint, cfg.ServiceName, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()

	var consulClient *api.Client
	if cfg.ConsulAddress != "" {
		consulConfig := api.DefaultConfig()
		consulConfig.Address = cfg.ConsulAddress
		consulClient, err = api.NewClient(consulConfig)
		if err != nil {
			logger.Error("Failed to create Consul client", "error", err)
			os.Exit(1)
		}
		serviceID, err := registerWithConsul(consulClient, cfg)
		if err != nil {
			logger.Error("Failed to register with Consul", "error", err)
			os.Exit(1)
		}
		logger.Info("Registered with Consul", "service_id", serviceID, "app", "repair-service")
		defer consulClient.Agent().ServiceDeregister(serviceID)
	}

	var sender sms.Sender = sms.NewLogSender(logger)
	if cfg.TwilioAccountSID != "" {
		sender, err = sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, cfg.ExternalTimeout, logger)
		if err != nil {
			logger.Error("Failed to create SMS sender", "error", err)
			os.Exit(1)
		}
	}
	var gateway payment.Gateway = payment.LocalGateway{}
	if cfg.PaymentKeyID != "" {
		gateway = payment.NewHTTPGateway(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, cfg.ExternalTimeout)
	}

	dispatcher := notify.NewDispatcher(store, logger)
	otps := otp.NewService(store, cfg.OTPTTL)
	engine := lifecycle.NewEngine(store, dispatcher, otps, lifecycle.Config{
		BanThreshold:       cfg.BanThreshold,
		RejectionFee:       cfg.RejectionFee,
		PlatformFeePercent: cfg.PlatformFeePercent,
		Currency:           cfg.Currency,
	}, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.SessionTTL)
	svc := service.NewService(service.Deps{
		Store:    store,
		Engine:   engine,
		Notifier: dispatcher,
		OTPs:     otps,
		SMS:      sender,
		Gateway:  gateway,
		Issuer:   issuer,
	}, service.Config{
		Currency:           cfg.Currency,
		WebhookSecret:      cfg.PaymentWebhookSecret,
		SMSTimeout:         cfg.ExternalTimeout,
		PostalPrefixLength: cfg.PostalPrefixLength,
	}, logger)

	if cfg.AdminEmail != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error("Failed to create admin account", "error", err)
			os.Exit(1)
		}
	}

	// Kafka is optional; without it transitions are only logged.
	var publisher service.Publisher
	bootstrap := cfg.KafkaBootstrapServers
	if bootstrap == "" && consulClient != nil {
		if bootstrap, err = resolveService(consulClient, "kafka"); err != nil {
			logger.Warn("Kafka not found in Consul", "error", err)
		}
	}
	if bootstrap != "" {
		producer, err := kafka.NewProducer(bootstrap, cfg.SchemaRegistryURL, cfg.KafkaTopic, logger)
		if err != nil {
			logger.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
	}

	processor := outbox.NewProcessor(store, cfg.OutboxInterval, logger)
	svc.RegisterOutboxHandlers(processor, publisher)

	var bus realtime.Bus = realtime.NewLocalBus()
	if cfg.RedisAddress != "" {
		bus, err = realtime.NewRedisBus(cfg.RedisAddress, cfg.RedisChannel, logger)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	}
	defer bus.Close()
	hub := realtime.NewHub()
	if err := bus.Start(ctx, hub.Deliver); err != nil {
		logger.Error("Failed to start chat bus", "error", err)
		os.Exit(1)
	}
	relay := realtime.NewRelay(store, dispatcher, bus, logger)
	dispatcher.Subscribe(relay.PushNotification)
	ws := realtime.NewHandler(ctx, hub, relay, issuer, store, cfg.AllowedOrigins, logger)

	h := handlers.NewHandler(svc, issuer, store, cfg.SecureCookies, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handlers.NewRouter(h, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcsvc.Register(grpcServer, grpcsvc.NewRepairServer(store, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting HTTP server", "port", cfg.HTTPPort, "app", "repair-service")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen for gRPC: %w", err)
		}
		logger.Info("Starting gRPC server", "port", cfg.GRPCPort, "app", "repair-service")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := processor.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down repair-service", "app", "repair-service")
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("repair-service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("repair-service stopped", "app", "repair-service")
}
