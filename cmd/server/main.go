// Package main is the entry point for the routecore request router.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/routecore/internal/classify"
	"github.com/blueberrycongee/routecore/internal/compat"
	"github.com/blueberrycongee/routecore/internal/config"
	"github.com/blueberrycongee/routecore/internal/httpapi"
	"github.com/blueberrycongee/routecore/internal/keypool"
	"github.com/blueberrycongee/routecore/internal/oauthtoken"
	"github.com/blueberrycongee/routecore/internal/observability"
	"github.com/blueberrycongee/routecore/internal/obstrace"
	"github.com/blueberrycongee/routecore/internal/pipeline"
	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/internal/routing"
	"github.com/blueberrycongee/routecore/internal/secret"
	"github.com/blueberrycongee/routecore/internal/secret/env"
	"github.com/blueberrycongee/routecore/internal/secret/vault"
	"github.com/blueberrycongee/routecore/internal/transform"
	"github.com/blueberrycongee/routecore/pkg/provider"
	"github.com/blueberrycongee/routecore/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to the user routing configuration file")
	systemConfigPath := flag.String("system-config", "", "path to the system provider-type config file (defaults to the built-in templates)")
	port := flag.Int("port", 8080, "HTTP listen port")
	pipelineTablePath := flag.String("pipeline-table", "", "where to write the diagnostic pipeline-table artifact on every assembly (optional)")
	tracingEndpoint := flag.String("tracing-endpoint", "", "OTLP gRPC collector endpoint; tracing stays disabled when empty")
	redisAddr := flag.String("redis-addr", "", "redis address for distributed key-cooldown state (optional; local-only when empty)")
	flag.Parse()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelInfo,
		JSONFormat: true,
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.Info("starting routecore", "version", "0.1.0")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretManager := secret.NewManager()
	defer func() {
		if err := secretManager.Close(); err != nil {
			logger.Error("failed to close secret manager", "error", err)
		}
	}()
	secretManager.Register("env", env.New())
	if vAddr := os.Getenv("VAULT_ADDR"); vAddr != "" {
		vProvider, err := vault.New(vault.Config{
			Address:    vAddr,
			AuthMethod: "approle",
			RoleID:     os.Getenv("VAULT_ROLE_ID"),
			SecretID:   os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			logger.Warn("vault secret provider unavailable, vault:// api_key refs will fail", "error", err)
		} else {
			secretManager.Register("vault", secret.NewCachedProvider(vProvider, 5*time.Minute))
			logger.Info("vault secret provider registered", "address", vAddr)
		}
	}

	cfgManager, err := config.NewManager(*configPath, *systemConfigPath, logger.Slog(), secretManager)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	if *pipelineTablePath != "" {
		cfgManager.SetPipelineTablePath(*pipelineTablePath)
	}

	tracer, err := obstrace.Init(ctx, obstrace.Config{
		Enabled:     *tracingEndpoint != "",
		Endpoint:    *tracingEndpoint,
		ServiceName: "routecore",
		SampleRate:  1.0,
		Insecure:    true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	tokenSources := buildTokenSources(ctx, secretManager, cfgManager, logger)

	classifier := classify.New()
	router := routing.NewRouter()
	health := routing.NewHealthRegistry()
	keypools := keypool.NewRegistry()

	if *redisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			logger.Warn("redis cooldown store unavailable, falling back to local-only key state", "error", pingErr)
		} else {
			attachRedisStore(keypools, cfgManager.Get(), redisClient)
			cfgManager.OnChange(func(table *types.RoutingTable) {
				attachRedisStore(keypools, table, redisClient)
			})
			logger.Info("key cooldown state backed by redis", "addr", *redisAddr)
		}
	}

	lb := routing.New(router, health, keypools, routing.Windows(cfgManager.Windows()), nil)
	cfgManager.OnChange(func(*types.RoutingTable) {
		lb.SetWindows(routing.Windows(cfgManager.Windows()))
	})

	transformers := transform.NewRegistry()
	protocols := protocol.NewRegistry(tokenSources)
	compats := compatRegistry(ctx, logger)

	pipelines := pipeline.NewRegistry(transformers, protocols, compats).WithTracer(tracer)
	pipelines.Rebuild(cfgManager.Get())
	cfgManager.OnChange(func(table *types.RoutingTable) {
		pipelines.Rebuild(table)
	})

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config file watch disabled, hot-reload unavailable", "error", err)
	}

	handler := httpapi.New(cfgManager, classifier, lb, pipelines, logger, tracer)
	if auditSink := buildAuditSink(ctx, logger); auditSink != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := auditSink.Shutdown(shutdownCtx); err != nil {
				logger.Error("audit sink shutdown error", "error", err)
			}
		}()
		handler = handler.WithAuditSink(auditSink)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// buildTokenSources wires dynamic credential sources, keyed by provider
// name, into the protocol layer's authentication seam (§4.5). A provider
// absent from this map falls back to its configured static api_key. Wiring
// is opt-in via environment variables so a deployment with only static keys
// pays no startup cost for credential discovery it doesn't use.
func buildTokenSources(ctx context.Context, secrets *secret.Manager, cfgManager *config.Manager, logger *observability.Logger) map[string]provider.TokenSource {
	sources := make(map[string]provider.TokenSource)

	if gcpProviderName := os.Getenv("GEMINI_OAUTH_PROVIDER"); gcpProviderName != "" {
		adc, err := oauthtoken.NewGoogleADC(ctx)
		if err != nil {
			logger.Warn("google application default credentials unavailable, gemini provider will use its configured api_key", "error", err)
		} else {
			sources[gcpProviderName] = adc
			logger.Info("gemini provider authenticating via google application default credentials", "provider", gcpProviderName)
		}
	}

	// A provider may instead point at a live secret reference
	// (env://..., vault://...#key) via ROUTECORE_TOKEN_SOURCE_<PROVIDER>,
	// re-resolved on every Token() call rather than once at config assembly.
	for providerName := range providerNames(cfgManager.Get()) {
		envVar := "ROUTECORE_TOKEN_SOURCE_" + strings.ToUpper(strings.ReplaceAll(providerName, "-", "_"))
		if ref := os.Getenv(envVar); ref != "" {
			sources[providerName] = &secretTokenSource{mgr: secrets, ref: ref}
			logger.Info("provider authenticating via live secret reference", "provider", providerName, "env", envVar)
		}
	}

	return sources
}

func providerNames(table *types.RoutingTable) map[string]struct{} {
	names := make(map[string]struct{})
	for _, cfg := range table.Pipelines {
		names[cfg.Provider] = struct{}{}
	}
	return names
}

// secretTokenSource adapts secret.Manager to provider.TokenSource, resolving
// ref fresh on every call instead of once at config-assembly time — the
// right choice for a credential the secret backend rotates out from under a
// long-lived process (a Vault dynamic secret nearing its lease TTL).
type secretTokenSource struct {
	mgr *secret.Manager
	ref string
}

func (s *secretTokenSource) Token() (string, error) {
	return s.mgr.Get(context.Background(), s.ref)
}

var _ provider.TokenSource = (*secretTokenSource)(nil)

// compatRegistry builds the ServerCompatLayer registry, additionally wiring
// the Bedrock compat tag when AWS credentials can be resolved from the
// ambient environment (instance role, env vars, shared config). Bedrock
// access is opt-in: without resolvable AWS credentials the "bedrock" module
// is never registered, so Registry.Resolve hands a provider tagged "bedrock"
// the generic module instead. The assembler still accepts the tag, because
// the built-in system config defines it.
func compatRegistry(ctx context.Context, logger *observability.Logger) *compat.Registry {
	registry := compat.NewRegistry()

	awsCfg, ok := loadAWSConfig(ctx, logger, "bedrock compat tag")
	if !ok {
		return registry
	}

	registry.Register("bedrock", compat.NewBedrockModule(awsCfg))
	logger.Info("bedrock compat tag wired", "region", awsCfg.Region)
	return registry
}

// loadAWSConfig resolves AWS credentials and region from the ambient
// environment (static env vars, instance role, shared config file), used by
// every AWS-backed optional component (the Bedrock compat module, the S3
// audit sink). what names the caller in log output on failure.
func loadAWSConfig(ctx context.Context, logger *observability.Logger, what string) (aws.Config, bool) {
	var opts []awsconfig.LoadOptionsFunc
	if keyID := os.Getenv("AWS_ACCESS_KEY_ID"); keyID != "" {
		if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				awscreds.NewStaticCredentialsProvider(keyID, secretKey, os.Getenv("AWS_SESSION_TOKEN")),
			))
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Warn("aws configuration unavailable, "+what+" will not resolve", "error", err)
		return aws.Config{}, false
	}
	if awsCfg.Region == "" {
		logger.Warn("aws region not configured, " + what + " will not resolve")
		return aws.Config{}, false
	}
	return awsCfg, true
}

// buildAuditSink wires a durable S3-backed record of every completed
// request when AUDIT_S3_BUCKET is set and AWS credentials resolve;
// otherwise requests simply go unrecorded past the structured request log.
func buildAuditSink(ctx context.Context, logger *observability.Logger) *observability.S3AuditSink {
	bucket := os.Getenv("AUDIT_S3_BUCKET")
	if bucket == "" {
		return nil
	}

	awsCfg, ok := loadAWSConfig(ctx, logger, "s3 audit sink")
	if !ok {
		return nil
	}

	sink, err := observability.NewS3AuditSink(awsCfg, observability.S3AuditConfig{
		Bucket:     bucket,
		PathPrefix: os.Getenv("AUDIT_S3_PREFIX"),
	})
	if err != nil {
		logger.Warn("s3 audit sink unavailable", "error", err)
		return nil
	}
	logger.Info("s3 audit sink wired", "bucket", bucket)
	return sink
}

// attachRedisStore ensures a KeyPool exists for every provider named in
// table and backs it with the shared redis cooldown store, so a cooldown
// set by one replica is visible to every other replica's Acquire checks
// (§4.8, §9).
func attachRedisStore(keypools *keypool.Registry, table *types.RoutingTable, client goredis.UniversalClient) {
	store := keypool.NewRedisStore(client, "routecore:cooldown:")
	seen := make(map[string]bool)
	for _, cfg := range table.Pipelines {
		if seen[cfg.Provider] {
			continue
		}
		seen[cfg.Provider] = true
		keypools.EnsureWithRateLimit(cfg.Provider, cfg.ProviderKeyCount, cfg.MaxConcurrent, cfg.RequestsPerSecond).WithStore(store)
	}
}
