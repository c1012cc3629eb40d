package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Redis Store
// =============================================================================

const (
	statusKeyPrefix = "stevedore:status:"
	logKeyPrefix    = "stevedore:log:"
)

// RedisStore keeps status records and logs in Redis so they survive process
// restarts and are readable by other processes.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{
		client: client,
		logger: logger.With("component", "status-store"),
	}, nil
}

func (s *RedisStore) PutStatus(ctx context.Context, st *domain.DeploymentStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling status for %s: %w", st.DeploymentID, err)
	}
	key := statusKeyPrefix + st.DeploymentID
	if err := s.client.Set(ctx, key, data, Retention).Err(); err != nil {
		return fmt.Errorf("storing status for %s: %w", st.DeploymentID, err)
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, deploymentID string) (*domain.DeploymentStatus, error) {
	data, err := s.client.Get(ctx, statusKeyPrefix+deploymentID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching status for %s: %w", deploymentID, err)
	}
	var st domain.DeploymentStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding status for %s: %w", deploymentID, err)
	}
	return &st, nil
}

func (s *RedisStore) AppendLog(ctx context.Context, deploymentID string, entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling log entry for %s: %w", deploymentID, err)
	}
	key := logKeyPrefix + deploymentID
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, MaxLogEntries-1)
	pipe.Expire(ctx, key, Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending log for %s: %w", deploymentID, err)
	}
	return nil
}

func (s *RedisStore) GetLog(ctx context.Context, deploymentID string) ([]LogEntry, error) {
	raw, err := s.client.LRange(ctx, logKeyPrefix+deploymentID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching log for %s: %w", deploymentID, err)
	}
	// LPush stores newest first; reverse to chronological order.
	entries := make([]LogEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry LogEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			s.logger.Warn("skipping malformed log entry", "deployment_id", deploymentID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
