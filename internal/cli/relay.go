package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctor-engine/internal/config"
	"proctor-engine/internal/domain"
	"proctor-engine/internal/infra/memory"
	pgloader "proctor-engine/internal/infra/postgres"
	redisrepo "proctor-engine/internal/infra/redis"
	transport "proctor-engine/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewRelayCmd builds the CLI subcommand to start the live sync relay.
func NewRelayCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Start the teacher-paced live sync relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), *configPath, *port)
		},
	}
}

func runRelay(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.TestLoader = memory.NewStaticTestLoader(sampleTests())
	if pool != nil {
		loader = pgloader.NewTestLoader(pool)
	}

	testTTL := config.TTLDuration(cfg.Test.TTL, 10*time.Minute)
	var tests transport.TestRepository
	if redisClient != nil {
		tests = redisrepo.NewTestRepository(redisClient, loader, testTTL)
	} else {
		tests = memory.NewTestRepository(loader, testTTL)
	}

	relay := transport.NewRelayHandler(tests)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", relay.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting sync relay on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start relay: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down relay...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down relay...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleTests provides minimal test data; configure Postgres in production.
func sampleTests() map[string]domain.Test {
	return map[string]domain.Test{
		"test-1": {
			ID:              "test-1",
			Title:           "Sample assessment",
			DurationMinutes: 10,
			TeacherPaced:    true,
			Questions: []domain.Question{
				{
					ID:      "q1",
					Prompt:  "What is 2 + 2?",
					Type:    domain.QuestionMCQ,
					Options: []string{"3", "4", "5"},
					Marks:   1,
				},
			},
		},
	}
}
