package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"docgate.org/internal/access"
	"docgate.org/internal/audit"
	"docgate.org/internal/auth"
	"docgate.org/internal/catalog"
	"docgate.org/internal/config"
	"docgate.org/internal/grant"
	"docgate.org/internal/httpapi"
	"docgate.org/internal/notify"
	"docgate.org/internal/obs"
	"docgate.org/internal/storage"
	"docgate.org/internal/store/sqlstore"
	"docgate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	grants grant.Store
	docs   catalog.Store
	audit  audit.Store
	db     *sqlstore.DB
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.StoreDriver == "memory" {
		return stores{
			grants: grant.NewInMemory(),
			docs:   catalog.NewInMemory(),
			audit:  audit.NewInMemory(),
		}, nil
	}
	db, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.StoreDriver), cfg.StoreDSN)
	if err != nil {
		return stores{}, err
	}
	if cfg.AutoMigrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		if len(applied) > 0 {
			obs.Info("migrations applied", map[string]any{"names": applied})
		}
	}
	return stores{grants: db.Grants(), docs: db.Documents(), audit: db.Audit(), db: db}, nil
}

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a TOML config file (defaults to $DOCGATE_CONFIG)")
		httpAddr   = pflag.String("http-addr", "", "HTTP listen address (overrides config)")
		grpcAddr   = pflag.String("grpc-addr", "", "gRPC health listen address (overrides config)")
	)
	pflag.Parse()

	// Initialize observability (metric registration, JSON logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStores(startCtx, cfg)
	cancelStart()
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	files, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithTTL(cfg.TokenTTL.Duration))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	owners, err := auth.NewDirectory(cfg.Owners...)
	if err != nil {
		log.Fatalf("owners: %v", err)
	}

	hub := stream.New()
	svc := access.New(st.grants, st.docs, st.audit,
		access.WithNotifier(notify.LogSender{}),
		access.WithBaseURL(cfg.BaseURL),
		access.WithAuditSink(hub.Publish),
	)

	probe := httpapi.ReadyProbe{}
	if st.db != nil {
		probe.DB = st.db.SQL()
	}
	obs.SetReady(true)

	// HTTP API
	api := httpapi.New(httpapi.Deps{
		Access:  svc,
		Catalog: st.docs,
		Files:   files,
		Tokens:  tokens,
		Owners:  owners,
		Events:  hub,
		Ready:   probe,
		Version: version,
	},
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithOTPRateLimit(cfg.OTPRateLimitRPS, cfg.OTPRateLimitBurst),
		httpapi.WithMaxUploadBytes(cfg.MaxUploadBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // already wrapped with metrics inside httpapi
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(probe, version).Register(grpcServer)

	obs.Info("starting docgate-api", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"store":     cfg.StoreDriver,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcServer.GracefulStop()
	if st.db != nil {
		_ = st.db.Close()
	}
	obs.Info("stopped", nil)
}
