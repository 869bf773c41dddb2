package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"proctor-engine/internal/config"
	"proctor-engine/internal/gateway"
	"proctor-engine/internal/infra/memory"
	redisstore "proctor-engine/internal/infra/redis"
	sqlitestore "proctor-engine/internal/infra/sqlite"
	"proctor-engine/internal/session"
	"proctor-engine/internal/syncchan"
	"github.com/redis/go-redis/v9"
)

// Shell is the top-level owner of the process-wide session objects: one
// manager, one monitor, one storage slot. The presentation layer receives it
// by reference; there are no ambient globals.
type Shell struct {
	Manager *session.Manager
	Monitor *session.Monitor
	Gateway *gateway.Client

	closers []func() error
	channel *syncchan.Channel
}

// NewShell wires the attempt store, gateway client, manager and monitor from
// configuration. The storage driver is one of sqlite (default), redis, or
// memory.
func NewShell(cfg config.Config, hooks session.Hooks) (*Shell, error) {
	shell := &Shell{}

	store, err := shell.buildStore(cfg)
	if err != nil {
		return nil, err
	}

	client := gateway.NewClient(cfg.Gateway.BaseURL)
	submitTimeout := config.TTLDuration(cfg.Session.SubmitTimeout, session.DefaultSubmitTimeout)
	threshold := cfg.Session.ViolationThreshold
	if threshold <= 0 {
		threshold = session.DefaultViolationThreshold
	}

	manager := session.NewManager(store, client,
		session.WithViolationThreshold(threshold),
		session.WithSubmitTimeout(submitTimeout),
		session.WithHooks(hooks),
	)

	shell.Manager = manager
	shell.Monitor = session.NewMonitor(manager)
	shell.Gateway = client
	return shell, nil
}

func (s *Shell) buildStore(cfg config.Config) (session.AttemptStore, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = "./attempt.db"
		}
		store, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open attempt store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		return redisstore.NewAttemptStore(client, deviceID(), 0), nil
	case "memory":
		return memory.NewAttemptStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Restore loads any persisted attempt at process start and reports whether
// the caller should route straight into the test screen.
func (s *Shell) Restore(ctx context.Context) (bool, error) {
	return s.Manager.Restore(ctx)
}

// JoinLiveTest connects the live sync channel for a teacher-paced test.
// end-test pushes force submission; sync-question positions are forwarded to
// onQuestion. The channel reconnects (re-emitting join-test) until ctx ends
// or LeaveLiveTest is called.
func (s *Shell) JoinLiveTest(ctx context.Context, relayURL, testID string, onQuestion func(index int)) {
	s.LeaveLiveTest()

	channel := syncchan.NewChannel(relayURL, testID, syncchan.Handlers{
		OnSyncQuestion: onQuestion,
		OnEndTest: func() {
			if err := s.Manager.ForceSubmit(ctx, true); err != nil {
				log.Printf("end-test submit: %v", err)
			}
		},
	})
	s.channel = channel
	go func() {
		if err := channel.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("sync channel stopped: %v", err)
		}
	}()
}

// LeaveLiveTest disconnects the live sync channel, if any.
func (s *Shell) LeaveLiveTest() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
}

// StartCountdown begins the display ticker for the running attempt.
func (s *Shell) StartCountdown(ctx context.Context, onTick func(remaining time.Duration)) *session.Ticker {
	return session.NewTicker(ctx, s.Manager, time.Second, onTick)
}

// Close tears down the monitor subscription and storage handles.
func (s *Shell) Close() error {
	s.Monitor.Detach()
	s.LeaveLiveTest()
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func deviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "device"
	}
	return host
}
