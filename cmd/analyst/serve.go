package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/analyst/features/conversation/gormstore"
	"goa.design/analyst/features/model"
	"goa.design/analyst/features/model/anthropic"
	"goa.design/analyst/features/model/bedrock"
	modelcollab "goa.design/analyst/features/model/collaborators"
	"goa.design/analyst/features/model/middleware"
	"goa.design/analyst/features/model/openai"
	objectredis "goa.design/analyst/features/objectstore/redis"
	sessionmongo "goa.design/analyst/features/session/mongo"
	sessionredis "goa.design/analyst/features/session/redis"
	threadredis "goa.design/analyst/features/thread/redis"
	trackermongo "goa.design/analyst/features/tracker/mongo"
	clientsmongo "goa.design/analyst/features/tracker/mongo/clients/mongo"
	trackerpulse "goa.design/analyst/features/tracker/pulse"
	clientspulse "goa.design/analyst/features/tracker/pulse/clients/pulse"
	"goa.design/analyst/runtime/analyst/builtin"
	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/conversation"
	conversationinmem "goa.design/analyst/runtime/analyst/conversation/inmem"
	"goa.design/analyst/runtime/analyst/executor"
	"goa.design/analyst/runtime/analyst/objectstore"
	objectinmem "goa.design/analyst/runtime/analyst/objectstore/inmem"
	"goa.design/analyst/runtime/analyst/orchestrator"
	"goa.design/analyst/runtime/analyst/plan"
	"goa.design/analyst/runtime/analyst/runner"
	"goa.design/analyst/runtime/analyst/service"
	"goa.design/analyst/runtime/analyst/session"
	sessioninmem "goa.design/analyst/runtime/analyst/session/inmem"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/thread"
	threadinmem "goa.design/analyst/runtime/analyst/thread/inmem"
	"goa.design/analyst/runtime/analyst/tracker"
	trackerinmem "goa.design/analyst/runtime/analyst/tracker/inmem"
	"goa.design/analyst/server"
)

type (
	collaborators struct {
		planner    collab.Planner
		critic     collab.Critic
		revisor    collab.Revisor
		resolver   collab.Resolver
		summarizer collab.Summarizer
		classifier collab.IntentClassifier
		rewriter   collab.Rewriter
		responder  collab.Responder
	}

	// stores holds the backends selected by the configuration.
	stores struct {
		objects       objectstore.Store
		sessions      session.Store
		threads       thread.Registry
		tracker       tracker.Tracker
		conversations conversation.Store
		redis         *redis.Client
		pingers       []health.Pinger
		closers       []func(context.Context) error
	}
)

func newServeCmd() *cobra.Command {
	var configPath, planPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(logContext(ctx, cfg.Log), cfg, planPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file served by the built-in planner")
	return cmd
}

func logContext(ctx context.Context, cfg server.LogConfig) context.Context {
	var format log.FormatFunc
	switch cfg.Format {
	case "json":
		format = log.FormatJSON
	case "text":
		format = log.FormatText
	case "terminal":
		format = log.FormatTerminal
	default:
		format = log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func serve(ctx context.Context, cfg *server.Config, planPath string) (err error) {
	tel := telemetry.NewClue()

	st, err := openStores(ctx, cfg, tel.Logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, st.close(closeCtx))
	}()

	execs, err := newExecutors(st.objects, cfg.Limits)
	if err != nil {
		return err
	}
	collabs, err := newCollaborators(ctx, cfg.Model, st, planPath)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Sessions:   st.sessions,
		Threads:    st.threads,
		Tracker:    st.tracker,
		Objects:    st.objects,
		Executors:  execs,
		Planner:    collabs.planner,
		Critic:     collabs.critic,
		Revisor:    collabs.revisor,
		Resolver:   collabs.resolver,
		Summarizer: collabs.summarizer,
		Classifier: collabs.classifier,
		Rewriter:   collabs.rewriter,
		Responder:  collabs.responder,
		History:    conversation.History{Store: st.conversations},
		Limits: orchestrator.Limits{
			MaxClarifications: cfg.Limits.MaxClarifications,
			MaxRetries:        cfg.Limits.MaxRetries,
			MaxRevisions:      cfg.Limits.MaxRevisions,
			MaxExecution:      cfg.Limits.MaxExecution,
		},
		Telemetry: tel,
	})
	if err != nil {
		return err
	}
	run := runner.New(runner.WithLogger(tel.Logger))
	svc, err := service.New(service.Options{
		Sessions:          st.sessions,
		Threads:           st.threads,
		Tracker:           st.tracker,
		Objects:           st.objects,
		Orchestrator:      orch,
		Runner:            run,
		Conversations:     st.conversations,
		MaxClarifications: cfg.Limits.MaxClarifications,
		Telemetry:         tel,
	})
	if err != nil {
		return err
	}

	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := server.New(server.Options{
		Service:      svc,
		Pingers:      st.pingers,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Logger:       tel.Logger,
	})
	if err != nil {
		return err
	}
	handler := srv.Handler()
	if cfg.Log.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTP.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(httpSrv.Shutdown(shutdownCtx), run.Shutdown(shutdownCtx))
}

// openStores selects the backends: Redis when redis.addr is set, Mongo for
// the tracker (and for sessions without Redis) when mongo.uri is set, SQL for
// the conversation log when a driver is set, in-memory otherwise.
func openStores(ctx context.Context, cfg *server.Config, logger telemetry.Logger) (*stores, error) {
	st := &stores{}
	if err := st.openRedis(cfg); err != nil {
		return nil, err
	}
	if err := st.openTracker(cfg, logger); err != nil {
		_ = st.close(ctx)
		return nil, err
	}
	if err := st.openConversations(cfg); err != nil {
		_ = st.close(ctx)
		return nil, err
	}
	return st, nil
}

func (st *stores) openRedis(cfg *server.Config) error {
	quota := thread.Quota{Limit: cfg.Limits.MessageLimit, Window: cfg.Limits.QuotaWindow}
	if cfg.Redis.Addr == "" {
		threads, err := threadinmem.New(quota)
		if err != nil {
			return err
		}
		st.objects = objectinmem.New(objectinmem.WithTTL(cfg.Objects.TTL))
		st.sessions = sessioninmem.New()
		st.threads = threads
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	st.redis = rdb
	st.closers = append(st.closers, func(context.Context) error { return rdb.Close() })
	objects, err := objectredis.New(objectredis.Options{Client: rdb, TTL: cfg.Objects.TTL})
	if err != nil {
		return err
	}
	sessions, err := sessionredis.New(sessionredis.Options{Client: rdb})
	if err != nil {
		return err
	}
	threads, err := threadredis.New(threadredis.Options{Client: rdb, Quota: quota})
	if err != nil {
		return err
	}
	st.objects, st.sessions, st.threads = objects, sessions, threads
	st.pingers = append(st.pingers, objects, sessions, threads)
	return nil
}

func (st *stores) openTracker(cfg *server.Config, logger telemetry.Logger) error {
	var tr tracker.Tracker = trackerinmem.New()
	if cfg.Mongo.URI != "" {
		mc, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, mc.Disconnect)
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return err
		}
		store, err := trackermongo.NewStore(client)
		if err != nil {
			return err
		}
		st.pingers = append(st.pingers, client)
		tr = store
		if st.redis == nil {
			sessions, err := sessionmongo.New(sessionmongo.Options{Client: mc, Database: cfg.Mongo.Database})
			if err != nil {
				return err
			}
			st.sessions = sessions
			st.pingers = append(st.pingers, sessions)
		}
	}
	if cfg.Pulse.Enabled {
		pc, err := clientspulse.New(clientspulse.Options{Redis: st.redis, StreamMaxLen: cfg.Pulse.StreamMaxLen, OperationTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		published, err := trackerpulse.New(trackerpulse.Options{Tracker: tr, Client: pc, Logger: logger})
		if err != nil {
			return err
		}
		st.pingers = append(st.pingers, pc)
		tr = published
	}
	st.tracker = tr
	return nil
}

func (st *stores) openConversations(cfg *server.Config) error {
	if cfg.Conversation.Driver == "" {
		st.conversations = conversationinmem.New()
		return nil
	}
	conv, err := gormstore.Open(cfg.Conversation.Driver, cfg.Conversation.DSN)
	if err != nil {
		return err
	}
	st.closers = append(st.closers, func(context.Context) error { return conv.Close() })
	st.pingers = append(st.pingers, conv)
	st.conversations = conv
	return nil
}

func (st *stores) close(ctx context.Context) error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		errs = append(errs, st.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newExecutors registers the built-in executor for every capability behind
// the per-call timeout and optional rate limit.
func newExecutors(objects objectstore.Store, limits server.LimitsConfig) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	for _, c := range []plan.Capability{plan.CapabilityData, plan.CapabilityAnalysis, plan.CapabilityVisualization} {
		mws := []executor.Middleware{executor.WithTimeout(limits.StepTimeout)}
		if limits.StepRate > 0 {
			mws = append(mws, executor.WithRateLimit(executor.NewLimiter(limits.StepRate, 1)))
		}
		if err := reg.Register(c, builtin.Echo(objects), mws...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newCollaborators prompts the configured model, or falls back to the static
// planner with a resolver that never repairs.
func newCollaborators(ctx context.Context, cfg server.ModelConfig, st *stores, planPath string) (*collaborators, error) {
	if cfg.Provider == "" {
		var (
			planner collab.Planner
			err     error
		)
		if planPath == "" {
			planner, err = builtin.NewStaticPlanner(builtin.SingleStepPlan())
		} else {
			planner, err = builtin.LoadStaticPlanner(planPath)
		}
		if err != nil {
			return nil, err
		}
		return &collaborators{planner: planner, resolver: builtin.AbortResolver}, nil
	}

	client, err := newModelClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TokensPerMinute > 0 {
		var shared *rmap.Map
		if cfg.SharedLimit {
			shared, err = rmap.Join(ctx, "analyst-model-budget", st.redis)
			if err != nil {
				return nil, fmt.Errorf("join model budget map: %w", err)
			}
			st.closers = append(st.closers, func(context.Context) error { shared.Close(); return nil })
		}
		budget, err := middleware.NewTokenBudget(ctx, middleware.BudgetOptions{
			TokensPerMinute: cfg.TokensPerMinute,
			Shared:          shared,
			Key:             cfg.Provider + ":" + cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("model token budget: %w", err)
		}
		client = model.Chain(client, budget.Middleware())
	}
	set, err := modelcollab.New(modelcollab.Options{Client: client, MaxTokens: cfg.MaxTokens})
	if err != nil {
		return nil, err
	}
	return &collaborators{
		planner:    set.Planner(),
		critic:     set.Critic(),
		revisor:    set.Revisor(),
		resolver:   set.Resolver(),
		summarizer: set.Summarizer(),
		classifier: set.Classifier(),
		rewriter:   set.Rewriter(),
		responder:  set.Responder(),
	}, nil
}

func newModelClient(cfg server.ModelConfig) (model.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.APIKey, anthropic.Options{DefaultModel: cfg.Model, MaxTokens: cfg.MaxTokens})
	case "openai":
		return openai.NewFromAPIKey(cfg.APIKey, cfg.Model)
	case "bedrock":
		return bedrock.NewFromCredentials(cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			bedrock.Options{DefaultModel: cfg.Model, MaxTokens: cfg.MaxTokens})
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}
