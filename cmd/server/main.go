package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sessionlab/engage/internal/api"
	"github.com/sessionlab/engage/internal/db"
	"github.com/sessionlab/engage/internal/middleware"
	"github.com/sessionlab/engage/internal/utils"
)

func main() {
	addr := utils.SafeEnv("ENGAGE_ADDR", ":8080")
	interval := utils.EnvDuration("ENGAGE_ACTIVATION_INTERVAL", 15*time.Second)
	commit := os.Getenv("ENGAGE_COMMIT")
	buildTime := os.Getenv("ENGAGE_BUILD_TIME")

	store, err := openStore()
	if err != nil {
		slog.Error("store initialization failed", "error", err)
		os.Exit(1)
	}

	rt := api.NewRouter(store)
	mux := http.NewServeMux()
	rt.Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Engage API",
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.NoStore(middleware.SecureHeaders(middleware.CORS(middleware.WithAuth(mux))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Activation().Run(ctx, interval)

	server := http.Server{Addr: addr, Handler: handler}

	// signal.Notify requires the channel to be buffered
	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctrlc
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "addr", addr, "activation_interval", interval)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server closed", "error", err)
		os.Exit(1)
	}
	slog.Info("server closed")
}

// openStore picks the backing store from the environment: Postgres when
// ENGAGE_DATABASE_URL is set, SQLite when ENGAGE_SQLITE_PATH is set, and the
// in-memory store otherwise.
func openStore() (api.Store, error) {
	if dsn := os.Getenv("ENGAGE_DATABASE_URL"); dsn != "" {
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(); err != nil {
			return nil, err
		}
		slog.Info("using postgres store")
		return db.NewPostgresStore(conn)
	}
	if path := os.Getenv("ENGAGE_SQLITE_PATH"); path != "" {
		conn, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(conn, os.Getenv("ENGAGE_MIGRATIONS_DIR")); err != nil {
			return nil, err
		}
		slog.Info("using sqlite store", "path", path)
		return db.NewSQLiteStore(conn)
	}
	slog.Info("using in-memory store")
	return api.NewMemoryStore(), nil
}
