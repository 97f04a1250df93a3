// Command vestnik runs the news ingestion bot: fetch configured sources
// with a headless browser, dedup against the fingerprint ledger,
// summarize, deliver to Telegram. The HTTP surface covers operations
// (health, status, manual controls) and is guarded by a bearer token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vestnik/browser"
	"github.com/hazyhaar/vestnik/dbopen"
	"github.com/hazyhaar/vestnik/dedup"
	"github.com/hazyhaar/vestnik/deliver"
	"github.com/hazyhaar/vestnik/fetch"
	"github.com/hazyhaar/vestnik/match"
	"github.com/hazyhaar/vestnik/pipeline"
	"github.com/hazyhaar/vestnik/shield"
	"github.com/hazyhaar/vestnik/summarize"
)

func main() {
	_ = godotenv.Load()

	port := env("PORT", "8097")
	dbPath := env("VESTNIK_DB", "data/vestnik.db")
	sourcesFile := env("SOURCES_FILE", "sources.yaml")
	keywordsFile := env("KEYWORDS_FILE", "")
	controlToken := os.Getenv("CONTROL_TOKEN")

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var out io.Writer = os.Stdout
	if logFile := env("LOG_FILE", ""); logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database.
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL:   env("BROWSER_URL", ""),
		MemoryLimit: int64(envInt("BROWSER_MEMORY_LIMIT_MB", 1024)) << 20,
		Logger:      logger,
	})
	if err := mgr.Start(ctx); err != nil {
		slog.Error("start browser", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// Sources.
	sources, err := fetch.LoadSources(sourcesFile)
	if err != nil {
		slog.Error("load sources", "path", sourcesFile, "error", err)
		os.Exit(1)
	}
	enabled := 0
	for _, src := range sources {
		if src.Enabled {
			enabled++
		}
	}
	slog.Info("sources loaded", "path", sourcesFile, "total", len(sources), "enabled", enabled)

	// Summarization engine. Empty SUMMARY_BASE_URL selects the extractive
	// fallback, which also means no embedder for similarity matching.
	sumBase := env("SUMMARY_BASE_URL", "")
	engine := summarize.New(summarize.Config{
		BaseURL:    sumBase,
		APIKey:     env("SUMMARY_API_KEY", ""),
		Model:      env("SUMMARY_MODEL", ""),
		QueueDepth: envInt("SUMMARY_QUEUE_DEPTH", 0),
		Logger:     logger,
	})
	defer engine.Close()
	if sumBase == "" {
		slog.Info("summarizer in extractive mode")
	}

	// Topic filter and similarity matcher.
	keywords := match.NewKeywords(nil)
	if keywordsFile != "" {
		keywords, err = match.LoadKeywords(keywordsFile)
		if err != nil {
			slog.Error("load keywords", "path", keywordsFile, "error", err)
			os.Exit(1)
		}
	}
	var emb match.Embedder
	if sumBase != "" {
		emb = engine
	}
	matcher := match.New(keywords, emb, match.Config{Logger: logger})

	// Telegram.
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		slog.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}
	var destinations []string
	for _, id := range strings.Split(env("TELEGRAM_CHAT_IDS", ""), ",") {
		if id = strings.TrimSpace(id); id != "" {
			destinations = append(destinations, id)
		}
	}
	if len(destinations) == 0 {
		slog.Error("TELEGRAM_CHAT_IDS is required")
		os.Exit(1)
	}

	// Pipeline.
	svc, err := pipeline.New(pipeline.Deps{
		DB:      db,
		Fetcher: fetch.New(mgr, fetch.Config{Logger: logger}),
		Sources: sources,
		Engine:  engine,
		Matcher: matcher,
		Sender:  deliver.NewTelegramSender(token),
		Queue: deliver.Config{
			DestinationInterval: envDuration("DEST_INTERVAL", time.Second),
			GlobalPerSecond:     envInt("GLOBAL_PER_SECOND", 30),
		},
	}, pipeline.Config{
		Destinations:     destinations,
		RetryBudget:      envInt("RETRY_BUDGET", 0),
		FetchParallelism: envInt("FETCH_PARALLELISM", 0),
		Timezone:         env("TZ_SCHEDULE", ""),
		DayMin:           envDuration("DAY_MIN", 0),
		DayMax:           envDuration("DAY_MAX", 0),
		NightMin:         envDuration("NIGHT_MIN", 0),
		NightMax:         envDuration("NIGHT_MAX", 0),
		Logger:           logger,
	})
	if err != nil {
		slog.Error("pipeline", "error", err)
		os.Exit(1)
	}
	svc.Start(ctx)

	// Control surface. A bcrypt hash of the token is compared per request;
	// without a token the control routes answer 503 and only the health
	// probes work.
	var tokenHash []byte
	if controlToken != "" {
		tokenHash, err = bcrypt.GenerateFromPassword([]byte(controlToken), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("hash control token", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("CONTROL_TOKEN is not set, control routes disabled")
	}

	r := chi.NewRouter()
	for _, mw := range shield.Stack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, 503, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
		if !mgr.Running() {
			writeJSON(w, 503, map[string]string{"status": "not_ready", "error": "browser not running"})
			return
		}
		writeJSON(w, 200, map[string]string{"status": "ready"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(tokenHash))

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, svc.Status(r.Context()))
		})

		// The run itself detaches from the request: a full cycle can take
		// minutes and must not die with the client connection.
		r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			if svc.Status(r.Context()).Running {
				writeJSON(w, 409, map[string]string{"error": "run already in progress"})
				return
			}
			go func() {
				if _, err := svc.RunOnce(ctx); err != nil && !errors.Is(err, pipeline.ErrBusy) {
					slog.Error("manual run", "error", err)
				}
			}()
			writeJSON(w, 202, map[string]string{"status": "started"})
		})

		r.Post("/retry/{fingerprint}", func(w http.ResponseWriter, r *http.Request) {
			fp := chi.URLParam(r, "fingerprint")
			if err := svc.Retry(r.Context(), fp); err != nil {
				switch {
				case errors.Is(err, dedup.ErrNotFound):
					writeError(w, 404, err)
				case errors.Is(err, dedup.ErrConflict):
					writeError(w, 409, err)
				default:
					writeError(w, 500, err)
				}
				return
			}
			writeJSON(w, 200, map[string]string{"fingerprint": fp, "status": string(dedup.StatusSeen)})
		})

		r.Get("/recent", func(w http.ResponseWriter, r *http.Request) {
			recs, err := svc.Recent(r.Context(), queryInt(r, "limit", 20))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if recs == nil {
				recs = []*dedup.Record{}
			}
			writeJSON(w, 200, recs)
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			st := svc.Status(r.Context())
			counts, err := svc.Events().Counts(r.Context(), time.Now().Add(-24*time.Hour))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			failures, err := svc.Events().RecentFailures(r.Context(), 10)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]any{
				"ledger":          st.Ledger,
				"queue":           st.Queue,
				"events_24h":      counts,
				"recent_failures": failures,
			})
		})

		if envBool("MCP_ENABLED") {
			mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "vestnik", Version: "1.0.0"}, nil)
			svc.RegisterMCP(mcpSrv)
			r.Handle("/mcp", mcp.NewStreamableHTTPHandler(
				func(*http.Request) *mcp.Server { return mcpSrv }, nil))
			slog.Info("MCP handler mounted", "path", "/mcp")
		}
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// requireToken guards the control routes with a constant bearer token.
// nil hash means no token was configured and the surface stays off.
func requireToken(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == nil {
				writeJSON(w, 503, map[string]string{"error": "control surface disabled: CONTROL_TOKEN is not set"})
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				writeJSON(w, 401, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
