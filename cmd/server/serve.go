package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/config"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/diseasechat"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/pipeline"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/platform/telegram"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/report"
)

const (
	dbConnectAttempts = 10
	retryBaseDelay    = 500 * time.Millisecond
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd(root *rootCommander) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				root.cfg.Port = port
			}
			return serve(cmd.Context(), root.cfg, root.log)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	images, err := openImageStore(cfg, log)
	if err != nil {
		return err
	}

	providers, err := buildProviders(ctx, cfg, log)
	if err != nil {
		return err
	}

	locker := consultation.NewLocker()
	store := consultation.NewStore(repo, log)
	engine, err := pipeline.NewEngine(providers, images, store,
		pipeline.WithClassifier(agent.NewSkinClassifier(cfg.ClassifierURL)),
		pipeline.WithLocker(locker),
		pipeline.WithLogger(log.Named("pipeline")),
	)
	if err != nil {
		return err
	}
	sessions := consultation.NewService(store, engine, locker, log)

	reportOpts := []report.Option{report.WithFontPath(cfg.ReportFontPath), report.WithLogger(log.Named("report"))}
	if cfg.TelegramToken != "" && cfg.DoctorChatID != 0 {
		reportOpts = append(reportOpts, report.WithDoctorChat(telegram.NewClient(cfg.TelegramToken), cfg.DoctorChatID))
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN or DOCTOR_CHAT_ID not set, doctor delivery disabled")
	}
	reports := report.NewService(providers.General, images, reportOpts...)
	chat := diseasechat.NewService(providers.General, log.Named("diseasechat"))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", health)
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, consultation.NewHandler(sessions, images, log.Named("http")))
		report.RegisterRoutes(r, report.NewHandler(sessions, reports, log.Named("http")))
		diseasechat.RegisterRoutes(r, diseasechat.NewHandler(chat, log.Named("http")))
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func health(w http.ResponseWriter, _ *http.Request) {
	consultation.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// openRepository prefers postgres, then a SQLite file, then memory. Every
// backend sits behind the LRU cache.
func openRepository(ctx context.Context, cfg *config.Config, log *zap.Logger) (consultation.Repository, error) {
	var repo consultation.Repository
	switch {
	case cfg.DatabaseURL != "":
		db, err := connectPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := runMigrations(cfg, log, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		repo = consultation.NewPostgresRepository(db)
		log.Info("session store: postgres")
	case cfg.SQLitePath != "":
		r, err := consultation.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo = r
		log.Info("session store: sqlite", zap.String("path", cfg.SQLitePath))
	default:
		repo = consultation.NewMemoryRepository()
		log.Warn("no DATABASE_URL or SQLITE_PATH, sessions are kept in memory")
	}

	if cfg.SessionCacheSize <= 0 {
		return repo, nil
	}
	cached, err := consultation.NewCachedRepository(repo, cfg.SessionCacheSize)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return cached, nil
}

func connectPostgres(ctx context.Context, dsn string, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	for i := 1; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			log.Info("connected to database")
			return db, nil
		}
		if i == dbConnectAttempts {
			break
		}
		log.Info("waiting for database", zap.Int("attempt", i), zap.Int("of", dbConnectAttempts), zap.Error(err))
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("connect postgres: %w", err)
}

func openImageStore(cfg *config.Config, log *zap.Logger) (media.Store, error) {
	if cfg.ImageS3.Endpoint != "" {
		s, err := media.NewS3Store(cfg.ImageS3)
		if err != nil {
			return nil, err
		}
		log.Info("image store: s3", zap.String("endpoint", cfg.ImageS3.Endpoint), zap.String("bucket", cfg.ImageS3.Bucket))
		return s, nil
	}
	s, err := media.NewFileStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	log.Info("image store: filesystem", zap.String("dir", cfg.UploadDir))
	return s, nil
}

// buildProviders routes each capability slot. Unconfigured MedGemma slots use
// Gemini, and configured ones fall back to it on failure.
func buildProviders(ctx context.Context, cfg *config.Config, log *zap.Logger) (pipeline.Providers, error) {
	if cfg.Gemini.APIKey == "" {
		return pipeline.Providers{}, errors.New("GEMINI_API_KEY is not set")
	}
	gemini, err := agent.NewGeminiClient(ctx, cfg.Gemini.APIKey, agent.WithGeminiModel(cfg.Gemini.Name))
	if err != nil {
		return pipeline.Providers{}, err
	}
	llmLog := log.Named("llm")
	general := agent.Wrap(gemini,
		agent.WithLogging(llmLog),
		agent.Retry(cfg.LLM.MaxAttempts, retryBaseDelay),
		agent.RateLimit(cfg.LLM.RPS, cfg.LLM.Burst),
	)

	medgemma := func(m config.ModelConfig) agent.Provider {
		if m.URL == "" {
			return nil
		}
		return agent.Wrap(agent.NewOpenAIClient(m.URL, m.APIKey, m.Name, 0.1),
			agent.WithLogging(llmLog),
			agent.Fallback(general, llmLog),
			agent.Retry(cfg.LLM.MaxAttempts, retryBaseDelay),
			agent.RateLimit(cfg.LLM.RPS, cfg.LLM.Burst),
		)
	}
	return pipeline.Providers{
		General:  general,
		Clinical: medgemma(cfg.MedGemma27),
		Vision:   medgemma(cfg.MedGemma4),
	}, nil
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Session-Id, X-User-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-Id")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}
