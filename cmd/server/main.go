// Command server runs the support handoff API together with its background
// workers: the task queue, the inbound mail poller and the attachment scan
// resumer.
//
//	@title			Support Handoff API
//	@version		1.0
//	@description	Escalates AI agent conversations to human operators and carries the support conversation over chat and email.
//	@BasePath		/api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/pusher/pusher-http-go/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/cache"
	"github.com/tbourn/go-support-handoff/internal/config"
	"github.com/tbourn/go-support-handoff/internal/events"
	httpapi "github.com/tbourn/go-support-handoff/internal/http"
	"github.com/tbourn/go-support-handoff/internal/http/handlers"
	"github.com/tbourn/go-support-handoff/internal/knowledge"
	"github.com/tbourn/go-support-handoff/internal/mailbridge"
	"github.com/tbourn/go-support-handoff/internal/observability"
	"github.com/tbourn/go-support-handoff/internal/presence"
	"github.com/tbourn/go-support-handoff/internal/queue"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/search"
	"github.com/tbourn/go-support-handoff/internal/services"
	"github.com/tbourn/go-support-handoff/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	resumeInterval  = 5 * time.Minute
	resumeBatch     = 100
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := sysutil.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("bye")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	cols := search.NewCollections()
	if err := loadKnowledge(ctx, cfg, db, cols, logger); err != nil {
		return err
	}

	// Redis backs the shared cache, the durable queue and the websocket
	// relay. Without it every piece falls back to its in-process variant.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = cache.Dial(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	var (
		kv  cache.Cache = cache.NewMemory(clock)
		pub events.Multi
	)
	if rdb != nil {
		kv = cache.NewRedis(rdb, "support:")
		pub = append(pub, events.NewRedis(rdb))
	}

	tracker := &presence.Tracker{
		Cache:   kv,
		TTL:     cfg.Support.PresenceTTL,
		Timeout: cfg.Support.PresenceTimeout,
		Log:     logger.With().Str("component", "presence").Logger(),
	}
	var hooks *presence.Pusher
	if cfg.Pusher.Enabled() {
		client := &pusher.Client{
			AppID:   cfg.Pusher.AppID,
			Key:     cfg.Pusher.Key,
			Secret:  cfg.Pusher.Secret,
			Cluster: cfg.Pusher.Cluster,
			Secure:  true,
		}
		hooks = presence.NewPusher(client)
		tracker.Querier = hooks
		pub = append(pub, events.NewPusher(client))
	} else {
		logger.Warn().Msg("pusher not configured: presence is unknown and notification emails always go out")
	}

	// Task queue. Handlers are registered on mux before any worker starts.
	mux := queue.NewMux()
	retry := queue.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Queue.MaxAttempts
	var (
		tasks   queue.Enqueuer
		runTask func(context.Context) error
	)
	if rdb != nil {
		stream := queue.NewRedisStream(rdb, mux, queue.StreamOptions{
			Stream:      cfg.Queue.Stream,
			Group:       cfg.Queue.Group,
			Consumer:    cfg.Queue.Consumer,
			TaskTimeout: cfg.Queue.TaskTimeout,
			Retry:       retry,
			Clock:       clock,
			Log:         logger.With().Str("component", "queue").Logger(),
		})
		if err := stream.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("queue group: %w", err)
		}
		tasks, runTask = stream, stream.Run
	} else {
		pool := queue.NewPool(mux, queue.PoolOptions{
			Workers:     cfg.Queue.Workers,
			TaskTimeout: cfg.Queue.TaskTimeout,
			Retry:       retry,
			Clock:       clock,
			Log:         logger.With().Str("component", "queue").Logger(),
		})
		tasks, runTask = pool, pool.Run
	}

	// Attachments.
	disk, err := attachments.NewDisk(cfg.Attachments.StorageDir)
	if err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}
	var scanner attachments.Scanner = attachments.NopScanner{}
	if cfg.Attachments.ClamdAddr != "" {
		scanner = attachments.NewClamdScanner(cfg.Attachments.ClamdAddr, cfg.Attachments.ScanTimeout)
	} else {
		logger.Warn().Msg("CLAMD_ADDR not set: uploads are stored unscanned")
	}
	pipeline := &attachments.Pipeline{
		DB:      db,
		Storage: disk,
		Scanner: scanner,
		Events:  pub,
		Clock:   clock,
		Log:     logger.With().Str("component", "attachments").Logger(),
	}
	secret, generated, err := sysutil.Secret(cfg.Attachments.DownloadSecret, 32)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn().Msg("DOWNLOAD_SECRET not set: download links will not survive a restart")
	}
	signer := attachments.NewURLSigner(secret, cfg.Attachments.DownloadTTL, clock)

	// Support services.
	conv := &services.Conversation{
		DB:              db,
		Events:          pub,
		Attachments:     pipeline,
		Clock:           clock,
		Log:             logger.With().Str("component", "conversation").Logger(),
		MaxContentRunes: cfg.Support.MaxMessageRunes,
	}
	coord := &services.Coordinator{
		DB:               db,
		Conversation:     conv,
		Presence:         tracker,
		Events:           pub,
		Queue:            tasks,
		DefaultThreshold: cfg.Support.Threshold,
		DedupWindow:      cfg.Support.DedupWindow,
		Clock:            clock,
		Log:              logger.With().Str("component", "coordinator").Logger(),
	}
	conv.Notifier = coord
	chat := &services.ChatService{
		DB:             db,
		Conversation:   conv,
		Coordinator:    coord,
		Retriever:      &services.Retriever{Collections: cols, MinScore: cfg.Threshold},
		Validate:       validator.New(),
		MaxPromptRunes: cfg.Support.MaxMessageRunes,
		Clock:          clock,
		Log:            logger.With().Str("component", "chat").Logger(),
	}

	// Email bridge.
	outbound := &mailbridge.Outbound{
		DB:       db,
		Messages: conv,
		Queue:    tasks,
		Sender:   mailbridge.SMTPSender{Timeout: cfg.Mail.SMTPTimeout},
		Default: mailbridge.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.From,
			FromName: cfg.Mail.FromName,
		},
		Domain:   cfg.Mail.Domain,
		TokenTTL: cfg.Mail.TokenTTL,
		Clock:    clock,
		Log:      logger.With().Str("component", "mail-out").Logger(),
	}
	outbound.Register(mux)
	if cfg.Mail.SMTPHost != "" {
		coord.Guests = tracker
		coord.GuestMail = outbound
		conv.Replies = coord
	}
	poller := &mailbridge.Poller{
		DB:          db,
		Dial:        mailbridge.IMAPDialer(cfg.Mail.IMAPTimeout),
		Correlator:  &mailbridge.Correlator{DB: db, Clock: clock},
		Sink:        conv,
		Interval:    cfg.Mail.PollInterval,
		Lookback:    cfg.Mail.PollLookback,
		Parallelism: cfg.Mail.PollParallelism,
		Clock:       clock,
		Log:         logger.With().Str("component", "mail-in").Logger(),
	}

	// Learned knowledge.
	trainer, err := newTrainer(ctx, cfg, db, cols, tasks, clock, logger)
	if err != nil {
		return err
	}
	trainer.Register(mux)

	// HTTP.
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	deps := handlers.Deps{
		DB:            db,
		Guest:         chat,
		Support:       coord,
		Conversation:  conv,
		Email:         outbound,
		Learner:       trainer,
		Attachments:   pipeline,
		Signer:        signer,
		Presence:      tracker,
		PublicBaseURL: cfg.PublicBaseURL,
		Log:           logger.With().Str("component", "http").Logger(),
	}
	// Leave the interfaces nil (not typed nil) when a backend is absent.
	if hooks != nil {
		deps.Hooks = hooks
	}
	if rdb != nil {
		deps.Redis = rdb
	}
	httpapi.RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := runTask(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		requeueKnowledge(gctx, db, trainer, logger)
		return nil
	})
	if cfg.Mail.PollEnabled {
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		resumeScans(gctx, pipeline, logger)
		return nil
	})
	return g.Wait()
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.InstrumentTracing(db); err != nil {
			return nil, fmt.Errorf("db tracing: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// loadKnowledge applies the seed file and fills the keyword collections: the
// shared markdown, then each seeded agent's own file.
func loadKnowledge(ctx context.Context, cfg config.Config, db *gorm.DB, cols *search.Collections, logger zerolog.Logger) error {
	if path := sysutil.FirstNonEmpty(cfg.DataMD, cfg.DataPath); path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn().Str("path", path).Msg("shared knowledge file not found")
		case err != nil:
			return fmt.Errorf("shared knowledge: %w", err)
		default:
			n, err := cols.Get(services.SharedCollection).LoadMarkdown(f, "shared")
			f.Close()
			if err != nil {
				return fmt.Errorf("shared knowledge: %w", err)
			}
			logger.Info().Int("paragraphs", n).Str("path", path).Msg("loaded shared knowledge")
		}
	}

	if cfg.SeedPath == "" {
		return nil
	}
	seed, err := services.LoadSeedFile(cfg.SeedPath)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, db); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	n, err := seed.LoadKnowledge(cols, filepath.Dir(cfg.SeedPath))
	if err != nil {
		return err
	}
	logger.Info().Int("paragraphs", n).Int("agents", len(seed.Agents)).Msg("applied seed")
	return nil
}

// newTrainer builds the knowledge trainer. Learned answers always land in the
// in-memory keyword index; Weaviate is added when configured. Learned rows
// are restored into the keyword index.
func newTrainer(ctx context.Context, cfg config.Config, db *gorm.DB, cols *search.Collections, tasks queue.Enqueuer, clock clockwork.Clock, logger zerolog.Logger) (*knowledge.Trainer, error) {
	local := knowledge.LocalIndex{Collections: cols}
	index := knowledge.Multi{local}
	var embedder knowledge.Embedder = knowledge.NopEmbedder{}
	if cfg.Knowledge.OpenAIKey != "" {
		embedder = knowledge.NewOpenAIEmbedder(cfg.Knowledge.OpenAIKey, cfg.Knowledge.OpenAIBaseURL, cfg.Knowledge.EmbeddingModel)
	}
	if cfg.Knowledge.WeaviateURL != "" {
		w, err := knowledge.NewWeaviateIndex(cfg.Knowledge.WeaviateURL, cfg.Knowledge.WeaviateAPIKey)
		if err != nil {
			return nil, err
		}
		if cfg.Knowledge.OpenAIKey == "" {
			logger.Warn().Msg("WEAVIATE_URL set without OPENAI_API_KEY: points are stored without vectors")
		}
		index = append(index, w)
	}
	trainer := &knowledge.Trainer{
		DB:       db,
		Embedder: embedder,
		Store:    index,
		Queue:    tasks,
		Clock:    clock,
		Log:      logger.With().Str("component", "knowledge").Logger(),
	}

	agentIDs, err := repo.ListAgentIDs(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	restored := 0
	for _, id := range agentIDs {
		n, err := local.Restore(ctx, db, id)
		if err != nil {
			return nil, fmt.Errorf("restore learned knowledge: %w", err)
		}
		restored += n
	}
	logger.Info().Int("restored", restored).Msg("learned knowledge restored")
	return trainer, nil
}

// requeueKnowledge queues learned answers still waiting for the vector index,
// e.g. after an embedding outage. It runs beside the queue workers; a pass
// cut short by a full queue leaves the rest for the next start.
func requeueKnowledge(ctx context.Context, db *gorm.DB, trainer *knowledge.Trainer, logger zerolog.Logger) {
	agentIDs, err := repo.ListAgentIDs(ctx, db)
	if err != nil {
		logger.Warn().Err(err).Msg("requeue unindexed knowledge")
		return
	}
	queued := 0
	for _, id := range agentIDs {
		n, err := trainer.Reindex(ctx, id)
		queued += n
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Str("agent_id", id).Msg("requeue unindexed knowledge")
		}
	}
	if queued > 0 {
		logger.Info().Int("requeued", queued).Msg("unindexed knowledge queued")
	}
}

// resumeScans finishes uploads left pending by a crash between the write and
// the scan verdict, at startup and then periodically.
func resumeScans(ctx context.Context, p *attachments.Pipeline, logger zerolog.Logger) {
	t := time.NewTicker(resumeInterval)
	defer t.Stop()
	for {
		if n, err := p.ResumePending(ctx, time.Minute, resumeBatch); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("resume pending scans")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("resumed pending scans")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
