package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/client"
	"github.com/pesio-ai/be-hse-approvals/internal/directory"
	"github.com/pesio-ai/be-hse-approvals/internal/handler"
	"github.com/pesio-ai/be-hse-approvals/internal/metrics"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
	"github.com/pesio-ai/be-hse-approvals/internal/service"
	"github.com/pesio-ai/be-hse-approvals/migrations"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func serve(parent context.Context, runMigrations bool) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting HSE Approvals Service")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if runMigrations {
		applied, err := repository.Migrate(ctx, db, migrations.FS)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("Migrations applied")
	}

	// Initialize repositories
	flowRepo := repository.NewFlowRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)
	userRepo := repository.NewUserRepository(db)

	if cfg.Flows.SeedFile != "" {
		created, err := seedFlows(ctx, cfg.Flows.SeedFile, flowRepo)
		if err != nil {
			return fmt.Errorf("failed to seed flows: %w", err)
		}
		log.Info().Strs("created", created).Msg("Approval flows seeded")
	}

	// Directory lookups go to the identity service when configured.
	var users directory.Store = userRepo
	if cfg.Identity.GRPCAddr != "" {
		identityClient, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCAddr, cfg.Identity.Timeout)
		if err != nil {
			return fmt.Errorf("failed to create identity gRPC client: %w", err)
		}
		defer identityClient.Close()
		users = identityClient
		log.Info().Str("identity_grpc", cfg.Identity.GRPCAddr).Msg("Directory lookups use the identity service")
	}

	// Notifications go over NATS when configured and are only logged otherwise.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS URL not set; notifications will only be logged")
	}
	publisher := client.NewNotificationPublisher(natsConn, cfg.NATS.SubjectPrefix, log.Logger)
	defer publisher.Close()

	// Initialize services
	approvalService := service.NewApprovalService(
		flowRepo,
		requestRepo,
		auditRepo,
		publisher,
		func() approval.Resolver { return directory.NewResolver(users, log) },
		service.NewHub(),
		log,
		service.WithAdminRoles(cfg.Auth.AdminRoles...),
	)

	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler.NewHTTPHandler(approvalService, log, cfg.Server.AllowedOrigins).Register(router)
	router.Use(metrics.Middleware)

	// Apply middleware
	var h http.Handler = router
	h = authn.Middleware(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.AuthInterceptor(authn)))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(approvalService, log.Logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
