package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"proctor-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// AttemptStore persists the single in-progress attempt snapshot as JSON under
// one fixed key per device. Used for web clients whose local storage is not
// trusted to survive; the session manager remains the only writer.
type AttemptStore struct {
	client   *redis.Client
	deviceID string
	ttl      time.Duration
}

// NewAttemptStore keys the slot by deviceID. A zero ttl keeps the snapshot
// until it is cleared by submission or reset.
func NewAttemptStore(client *redis.Client, deviceID string, ttl time.Duration) *AttemptStore {
	return &AttemptStore{client: client, deviceID: deviceID, ttl: ttl}
}

func (s *AttemptStore) Load(ctx context.Context) (domain.AttemptSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key()).Bytes()
	if err == redis.Nil {
		return domain.AttemptSnapshot{}, false, nil
	}
	if err != nil {
		return domain.AttemptSnapshot{}, false, fmt.Errorf("load attempt: %w", err)
	}
	var snapshot domain.AttemptSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.AttemptSnapshot{}, false, fmt.Errorf("decode attempt: %w", err)
	}
	return snapshot, true, nil
}

func (s *AttemptStore) Save(ctx context.Context, snapshot domain.AttemptSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (s *AttemptStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("clear attempt: %w", err)
	}
	return nil
}

func (s *AttemptStore) key() string {
	return "attempt:slot:" + s.deviceID
}
