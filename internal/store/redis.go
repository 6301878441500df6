package store

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"qfit-chat/internal/domain"
	"qfit-chat/pkg/logger"
)

// Cache key pattern:
// - group_{group_id}_messages - redis list, one JSON message per element

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisStore keeps message history in redis lists. Used when the client
// runs next to a redis instance instead of writing a local file.
type RedisStore struct {
	client *goredis.Client
	log    *logger.Logger
}

var _ MessageStore = (*RedisStore)(nil)

func NewRedisStore(cfg RedisConfig, log *logger.Logger) *RedisStore {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, log: log}
}

func (s *RedisStore) Load(ctx context.Context, groupID string) ([]domain.Message, error) {
	entries, err := s.client.LRange(ctx, storageKey(groupID), 0, -1).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	var msgs []domain.Message
	for _, entry := range entries {
		var m domain.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			s.log.Warnf("skipping corrupt cached message for group %s: %v", groupID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) Append(ctx context.Context, groupID string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.client.RPush(ctx, storageKey(groupID), payload).Err(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, groupID string) error {
	if err := s.client.Del(ctx, storageKey(groupID)).Err(); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
