// Package bootstrap builds the delivery pipeline's collaborators from configuration.
// The API, the worker and deliveryctl share it so they always agree on storage and ledger.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aradsms/wa_gateway/api/quotaapi"
	"github.com/aradsms/wa_gateway/internal/delivery_service/adapters/notifier"
	"github.com/aradsms/wa_gateway/internal/delivery_service/adapters/quota"
	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/delivery_service/repository/memory"
	"github.com/aradsms/wa_gateway/internal/delivery_service/repository/postgres"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/platform/config"
	"github.com/aradsms/wa_gateway/internal/platform/database"
	"github.com/aradsms/wa_gateway/internal/platform/messagebroker"
	quotaapp "github.com/aradsms/wa_gateway/internal/quota_service/app"
	quotamemory "github.com/aradsms/wa_gateway/internal/quota_service/repository/memory"
	quotapg "github.com/aradsms/wa_gateway/internal/quota_service/repository/postgres"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendGRPC     = "grpc"
	BackendNATS     = "nats"
	BackendKafka    = "kafka"
	BackendNone     = "none"
)

// Options tune what Build connects to beyond what the configuration selects.
type Options struct {
	ClientName string
	// NeedNATS opens a broker connection even when the notifier does not use one.
	NeedNATS bool
	// ProviderHTTPClient overrides the client handed to provider adapters.
	ProviderHTTPClient *http.Client
}

// Deps are the storage, ledger, notifier and provider collaborators of the pipeline.
type Deps struct {
	Pool     *pgxpool.Pool
	NATS     *messagebroker.NATSClient
	Records  domain.MessageRecordRepository
	Events   domain.DeliveryEventRepository
	Linked   domain.LinkedStatusUpdater
	Blocked  domain.BlockedRecipientSource
	Ledger   domain.QuotaLedger
	Notifier domain.StatusNotifier
	Registry *provider.Registry

	// MemoryStore is set when STORAGE_BACKEND=memory, for seeding in local runs.
	MemoryStore *memory.Store
	// QuotaService is set when the ledger runs in process.
	QuotaService *quotaapp.LedgerService

	closers []func() error
}

// Close releases connections in reverse order of opening.
func (d *Deps) Close() error {
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, d.closers[i]())
	}
	d.closers = nil
	return errs
}

func (d *Deps) onClose(fn func() error) { d.closers = append(d.closers, fn) }

// Build opens everything cfg selects. On error, whatever was opened is closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (_ *Deps, err error) {
	d := &Deps{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if cfg.StorageBackend == BackendPostgres || cfg.QuotaLedgerMode == BackendPostgres {
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN, database.DefaultPoolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.Pool = pool
		d.onClose(func() error { pool.Close(); return nil })
		logger.InfoContext(ctx, "Connected to PostgreSQL")
	}

	if err := d.buildStorage(cfg, logger); err != nil {
		return nil, err
	}
	if err := d.buildLedger(cfg, logger); err != nil {
		return nil, err
	}

	if cfg.NotifierBackend == BackendNATS || opts.NeedNATS {
		nc, err := messagebroker.NewNATSClient(cfg.NATSUrl, logger, opts.ClientName)
		if err != nil {
			return nil, err
		}
		d.NATS = nc
		d.onClose(func() error { nc.Close(); return nil })
		logger.InfoContext(ctx, "Connected to NATS", "url", cfg.NATSUrl)
	}
	if err := d.buildNotifier(cfg, opts, logger); err != nil {
		return nil, err
	}

	registry, err := BuildRegistry(cfg, opts.ProviderHTTPClient, logger)
	if err != nil {
		return nil, err
	}
	d.Registry = registry
	return d, nil
}

func (d *Deps) buildStorage(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.StorageBackend {
	case BackendPostgres:
		d.Records = postgres.NewPgMessageRecordRepository(d.Pool, logger)
		d.Events = postgres.NewPgDeliveryEventRepository(d.Pool, logger)
		d.Linked = postgres.NewPgLinkedStatusUpdater(d.Pool, logger)
		d.Blocked = postgres.NewPgBlockedRecipientRepository(d.Pool, logger)
	case BackendMemory:
		store := memory.NewStore()
		d.MemoryStore = store
		d.Records = store.MessageRecords()
		d.Events = store.DeliveryEvents()
		d.Linked = store
		d.Blocked = store
		logger.Warn("Using in-memory storage; records are lost on restart")
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	return nil
}

func (d *Deps) buildLedger(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.QuotaLedgerMode {
	case BackendPostgres:
		d.QuotaService = quotaapp.NewLedgerService(quotapg.NewPgLedgerRepository(d.Pool, logger), clock.System(), logger)
		d.Ledger = quota.NewLocalLedger(d.QuotaService)
	case BackendMemory:
		d.QuotaService = quotaapp.NewLedgerService(quotamemory.NewLedger(), clock.System(), logger)
		d.Ledger = quota.NewLocalLedger(d.QuotaService)
	case BackendGRPC:
		conn, err := DialQuota(cfg.QuotaGRPCTarget, prometheus.DefaultRegisterer, logger)
		if err != nil {
			return err
		}
		d.onClose(conn.Close)
		d.Ledger = quota.NewGRPCLedger(quotaapi.NewClient(conn))
	default:
		return fmt.Errorf("unknown quota ledger mode %q", cfg.QuotaLedgerMode)
	}
	return nil
}

func (d *Deps) buildNotifier(cfg *config.Config, opts Options, logger *slog.Logger) error {
	switch cfg.NotifierBackend {
	case BackendNATS:
		d.Notifier = notifier.NewNATSNotifier(d.NATS, logger)
	case BackendKafka:
		kn, err := notifier.DialKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaStatusTopic, opts.ClientName, logger)
		if err != nil {
			return err
		}
		d.onClose(kn.Close)
		d.Notifier = kn
	case BackendNone, "":
		d.Notifier = notifier.Noop{}
	default:
		return fmt.Errorf("unknown notifier backend %q", cfg.NotifierBackend)
	}
	return nil
}

// DialQuota opens a client connection to the quota service with Prometheus client metrics.
// The connection is lazy; the first RPC fails if the service is unreachable.
func DialQuota(target string, reg prometheus.Registerer, logger *slog.Logger) (*grpc.ClientConn, error) {
	metrics := grpcprom.NewClientMetrics(grpcprom.WithClientHandlingTimeHistogram())
	if reg != nil {
		if err := reg.Register(metrics); err != nil {
			logger.Warn("Failed to register gRPC client metrics", "error", err)
		}
	}
	conn, err := grpc.Dial(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(metrics.UnaryClientInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial quota service %s: %w", target, err)
	}
	logger.Info("Quota service client configured", "target", target)
	return conn, nil
}

// BuildRegistry registers every provider that has credentials configured.
func BuildRegistry(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if cfg.MetaAccessToken != "" && cfg.MetaPhoneNumberID != "" {
		registry.Register(provider.NewMetaProvider(logger, provider.MetaConfig{
			APIURL:        cfg.MetaAPIURL,
			AccessToken:   cfg.MetaAccessToken,
			PhoneNumberID: cfg.MetaPhoneNumberID,
			AppSecret:     cfg.MetaAppSecret,
			VerifyToken:   cfg.MetaVerifyToken,
		}, httpClient))
	}
	if cfg.GenericAPIURL != "" {
		registry.Register(provider.NewGenericProvider(logger, cfg.GenericAPIURL, cfg.GenericAPIKey, cfg.GenericWebhookSecret, httpClient))
	}
	if cfg.EnableMockProvider {
		registry.Register(provider.NewMockProvider(logger, 0))
	}
	if len(registry.Names()) == 0 {
		return nil, errors.New("no provider configured: set META_ACCESS_TOKEN and META_PHONE_NUMBER_ID, GENERIC_API_URL or ENABLE_MOCK_PROVIDER")
	}
	if _, err := registry.Get(cfg.DefaultProvider); err != nil {
		logger.Warn("Default provider is not registered; jobs must name their provider", "default_provider", cfg.DefaultProvider, "registered", registry.Names())
	}
	return registry, nil
}

// Pipeline is the wired application layer.
type Pipeline struct {
	Orchestrator *app.SendOrchestrator
	Ingestion    *app.IngestionPipeline
	Reconciler   *app.Reconciler
	RetrySweeper *app.RetrySweeper
	Batch        *app.BatchSender
	Rules        *app.RuleSnapshot
	Call         app.ProviderCall
}

// NewPipeline wires the app services over d. The rule snapshot is loaded once here;
// callers that run long enough should also run Rules.Run.
func NewPipeline(ctx context.Context, cfg *config.Config, d *Deps, clk clock.Clock, logger *slog.Logger) (*Pipeline, error) {
	rules := app.NewRuleSnapshot(d.Blocked, clk, logger)
	if _, err := rules.Refresh(ctx); err != nil {
		return nil, err
	}

	orchestrator := app.NewSendOrchestrator(d.Records, d.Ledger, rules, d.Notifier, clk, app.OrchestratorConfig{
		ClaimStaleAfter: cfg.ClaimStaleAfter,
		ProviderTimeout: cfg.ProviderTimeout,
		Backoff:         domain.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}, logger)
	call := app.AdapterCall(d.Registry)

	var seen *app.DedupCache
	if cfg.DedupCacheSize > 0 {
		seen = app.NewDedupCache(cfg.DedupCacheSize, cfg.DedupCacheTTL)
	}

	return &Pipeline{
		Orchestrator: orchestrator,
		Ingestion: app.NewIngestionPipeline(d.Registry, d.Events, d.Linked, d.Notifier, seen, clk,
			app.IngestionConfig{FreshnessHorizon: cfg.EventFreshnessHorizon}, logger),
		Reconciler: app.NewReconciler(d.Records, d.Events, d.Linked, d.Notifier, clk,
			app.ReconcilerConfig{Window: cfg.OrphanReconcileWindow, BatchSize: cfg.ReconcileBatchSize}, logger),
		RetrySweeper: app.NewRetrySweeper(d.Records, orchestrator, call, clk, cfg.RetryBatchSize, logger),
		Batch:        app.NewBatchSender(orchestrator, call, cfg.SendRatePerSecond, logger),
		Rules:        rules,
		Call:         call,
	}, nil
}
