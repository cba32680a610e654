package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"xchain-radar/internal/alerting"
	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/api"
	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/config"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/ledger"
	"xchain-radar/internal/lock"
	"xchain-radar/internal/metrics"
	"xchain-radar/internal/narrative"
	"xchain-radar/internal/scheduler"
	"xchain-radar/internal/service"
	"xchain-radar/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired components of one command invocation.
type runtime struct {
	store    *storage.Store
	pipeline *service.Pipeline
	metrics  *metrics.Recorder
	location *time.Location
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildOptions override configuration for a single command.
type buildOptions struct {
	DryRun bool
	// Source replaces the configured flow store.
	Source flows.Source
	// Ledger replaces the configured ledger.
	Ledger commitment.Ledger
	// Summarizer replaces the configured narrative provider.
	Summarizer narrative.Summarizer
	// Memory forces in-process briefing storage and locking.
	Memory bool
}

func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}
	loc, err := a.Config.Pipeline.Location()
	if err != nil {
		return nil, err
	}
	rt.location = loc

	if !opts.Memory {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; briefings kept in memory")
		} else {
			rt.store = store
			rt.closers = append(rt.closers, closeStore)
		}
	}

	source := opts.Source
	if source == nil {
		source, err = a.newFlowSource(ctx, rt)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	var locker lock.Locker = lock.NewLocal()
	if !opts.Memory {
		locker, err = a.newLocker(rt)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = a.newSummarizer()
	}

	var chainLedger commitment.Ledger
	if opts.Ledger != nil {
		chainLedger = opts.Ledger
	} else if a.Config.Ledger.Enabled {
		eth, err := a.newLedger()
		if err != nil {
			rt.Close()
			return nil, err
		}
		chainLedger = eth
	}

	var briefings briefing.Store = briefing.NewMemoryStore()
	var commitLog commitment.CommitLog
	if rt.store != nil {
		briefings = rt.store
		commitLog = rt.store
	}

	policy := a.Config.Retry.Policy()
	pc := a.Config.Pipeline
	builder := evidence.NewBuilder(source, evidence.Options{Epsilon: pc.Epsilon, Retry: policy}, a.Logger)
	assembler := briefing.NewAssembler(summarizer, briefings, briefing.AssemblerOptions{
		TopK:             pc.TopK,
		MaxSnapshotBytes: pc.MaxSnapshotBytes,
	}, a.Logger)
	publisher := commitment.NewPublisher(chainLedger, commitLog, commitment.PublisherOptions{
		DryRun:      opts.DryRun || a.Config.Ledger.DryRun,
		URITemplate: a.Config.Ledger.EvidenceURITemplate,
		Retry:       policy,
	}, a.Logger)

	var notifier alerting.Notifier
	if n := a.newNotifier(); n != nil {
		notifier = n
	}

	rt.pipeline = service.New(service.Deps{
		Builder:   builder,
		Assembler: assembler,
		Store:     briefings,
		Publisher: publisher,
		Locker:    locker,
		Notifier:  notifier,
		Metrics:   rt.metrics,
	}, service.Options{
		Classifier: anomaly.Options{
			Threshold:        pc.Threshold,
			MaterialityFloor: pc.MaterialityFloor,
		},
		DefaultChain:  pc.Chain,
		Location:      loc,
		PublishOnTick: pc.PublishOnRun,
		AlertsOn:      a.Config.Alerting.Enabled,
		AlertPolicy: alerting.Policy{
			OnlyAnomalies:  a.Config.Alerting.OnlyAnomalies,
			SendOnFallback: a.Config.Alerting.SendOnFallback,
		},
	}, a.Logger)
	return rt, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.RunMigrations(a.Config.Database.DSN); err != nil {
			return nil, nil, err
		}
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newFlowSource(ctx context.Context, rt *runtime) (flows.Source, error) {
	switch a.Config.Flows.Source {
	case "csv":
		rows, err := flows.LoadCSVFile(a.Config.Flows.CSVPath)
		if err != nil {
			return nil, err
		}
		a.Logger.Info().Int("rows", len(rows)).Str("path", a.Config.Flows.CSVPath).Msg("loaded flow fixture")
		return flows.NewMemorySource(rows...), nil
	case "clickhouse":
		ch := a.Config.ClickHouse
		src, err := flows.NewClickHouseSource(ctx, flows.ClickHouseOptions{
			DSN:          ch.DSN,
			Table:        ch.Table,
			DialTimeout:  ch.DialTimeout,
			MaxOpenConns: ch.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = src.Close() })
		return src, nil
	default:
		if rt.store == nil {
			return nil, errors.New("flows.source=postgres requires database.dsn")
		}
		return rt.store, nil
	}
}

func (a *App) newLocker(rt *runtime) (lock.Locker, error) {
	lc := a.Config.Lock
	backend := lc.Backend
	if backend == "auto" || backend == "" {
		switch {
		case rt.store != nil:
			backend = "postgres"
		case a.Config.Redis.Addr != "":
			backend = "redis"
		default:
			backend = "local"
		}
	}

	switch backend {
	case "postgres":
		if rt.store == nil {
			return nil, errors.New("lock.backend=postgres requires database.dsn")
		}
		return lock.NewAdvisory(rt.store, lc.Namespace), nil
	case "redis":
		rc := a.Config.Redis
		if rc.Addr == "" {
			return nil, errors.New("lock.backend=redis requires redis.addr")
		}
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		return lock.NewRedis(client, rc.Prefix, lc.LeaseTTL, a.Logger), nil
	default:
		a.Logger.Debug().Msg("using in-process lock; runs are serialized within this process only")
		return lock.NewLocal(), nil
	}
}

func (a *App) newSummarizer() narrative.Summarizer {
	nc := a.Config.Narrative
	if nc.Provider == "template" {
		return narrative.Template{}
	}

	gemini := narrative.NewGemini(narrative.GeminiOptions{
		BaseURL:         nc.BaseURL,
		APIKey:          nc.APIKey,
		Model:           nc.Model,
		Temperature:     nc.Temperature,
		MaxOutputTokens: nc.MaxOutputTokens,
		Timeout:         nc.RequestTimeout,
		UserAgent:       nc.UserAgent,
	}, a.Logger)
	summarizer := narrative.WithRetry(gemini, a.Config.Retry.Policy())
	if nc.FallbackOnError {
		summarizer = narrative.WithFallback(summarizer, narrative.Template{}, a.Logger)
	}
	return summarizer
}

func (a *App) newLedger() (*ledger.Ethereum, error) {
	lc := a.Config.Ledger
	return ledger.NewEthereum(ledger.EthereumOptions{
		RPCURL:          lc.RPCURL,
		ContractAddress: lc.ContractAddress,
		PrivateKeyHex:   lc.PrivateKey,
		ChainID:         lc.ChainID,
		GasLimit:        lc.GasLimit,
		Timeout:         lc.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() *alerting.TelegramNotifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RequestTimeout, a.Logger)
}

// Run executes the long-running daily scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	sc := a.Config.Scheduler
	sched := scheduler.New(scheduler.Options{
		Interval:     sc.Interval,
		Offset:       sc.Offset,
		AlignToStart: sc.AlignToBucket,
		StartupDelay: sc.StartupDelay,
		RunOnStart:   sc.RunOnStart,
		Location:     rt.location,
	}, a.Logger)

	a.Logger.Info().Str("chain", a.Config.Pipeline.Chain).Str("timezone", rt.location.String()).Msg("starting briefing scheduler")
	err = sched.Run(ctx, rt.pipeline.ProcessDay)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("briefing scheduler stopped")
	return nil
}

// Serve runs the HTTP query surface.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	var health api.HealthFunc
	if rt.store != nil {
		health = rt.store.Ping
	}
	ac := a.Config.API
	srv := api.NewServer(rt.pipeline, health, rt.metrics, api.Options{
		Addr:            ac.Addr,
		ReadTimeout:     ac.ReadTimeout,
		WriteTimeout:    ac.WriteTimeout,
		ShutdownTimeout: ac.ShutdownTimeout,
		RateLimit:       ac.RateLimit,
		RateBurst:       ac.RateBurst,
		ComputeOnMiss:   ac.ComputeOnMiss,
	}, a.Logger)
	return srv.Run(ctx)
}

// ExplainOptions configure a single pipeline run.
type ExplainOptions struct {
	Day     time.Time
	Chain   string
	Publish bool
	DryRun  bool
}

// Explain runs the pipeline once and prints the briefing.
func (a *App) Explain(ctx context.Context, opts ExplainOptions) error {
	rt, err := a.build(ctx, buildOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.pipeline.Explain(ctx, opts.Day, opts.Chain, opts.Publish)
	if out.Briefing.SummaryText != "" {
		printBriefing(out.Briefing)
		printVerdict(out.Verdict)
	}
	if out.Commitment != nil {
		printCommitment(*out.Commitment)
	}
	return err
}

// AttestOptions configure publishing stored briefings over a range.
type AttestOptions struct {
	From   time.Time
	To     time.Time
	Chain  string
	DryRun bool
}

// Attest publishes stored briefings for every day in the range.
func (a *App) Attest(ctx context.Context, opts AttestOptions) error {
	rt, err := a.build(ctx, buildOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		return errors.New("database not configured; nothing to attest")
	}

	results, err := rt.pipeline.Attest(ctx, opts.Chain, opts.From, opts.To)
	for _, res := range results {
		printCommitment(res)
	}
	return err
}

// Verify compares the stored briefing with the ledger.
func (a *App) Verify(ctx context.Context, day time.Time, chain string) error {
	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	b, v, err := rt.pipeline.Verify(ctx, day, chain)
	if err != nil {
		return err
	}
	printVerification(b, v)

	if rt.store != nil {
		entries, err := rt.store.ListCommitments(ctx, b.Day, b.Chain)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("failed to read commitment log")
		} else {
			printCommitmentLog(entries)
		}
	}
	if !v.Match() {
		return fmt.Errorf("ledger does not hold the stored briefing hash for %s/%s", b.DayString(), b.Chain)
	}
	return nil
}

// Migrate runs the schema command: up, down or version.
func (a *App) Migrate(action string) error {
	dsn := a.Config.Database.DSN
	if dsn == "" {
		return errors.New("database.dsn is required")
	}
	switch action {
	case "up":
		if err := storage.RunMigrations(dsn); err != nil {
			return err
		}
		a.Logger.Info().Msg("migrations applied")
	case "down":
		if err := storage.RollbackMigrations(dsn); err != nil {
			return err
		}
		a.Logger.Info().Msg("rolled back one migration")
	case "version":
		v, dirty, err := storage.MigrationVersion(dsn)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "version: %d dirty: %t\n", v, dirty)
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	return nil
}

// ExportOptions hold parameters for exporting daily chain totals.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Chain     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From    time.Time
	To      time.Time
	Chain   string
	DryRun  bool
	Publish bool
	Workers int
}
