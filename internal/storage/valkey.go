package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const valkeyKey = "relay:notifications"

// ValkeyStorage keeps notifications in a sorted set scored by expiry time.
type ValkeyStorage struct {
	client *redis.Client
	ttl    time.Duration
}

func NewValkeyStorage(valkeyURI string, ttl time.Duration) (*ValkeyStorage, error) {
	log := log.WithField("prefix", "NewValkeyStorage")

	opts, err := redis.ParseURL(valkeyURI)
	if err != nil {
		log.Errorf("failed to parse Valkey URI: %v", err)
		return nil, err
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Errorf("failed to connect to Valkey: %v", err)
		_ = rdb.Close()
		return nil, err
	}

	log.Info("successfully connected to Valkey")
	return &ValkeyStorage{client: rdb, ttl: ttl}, nil
}

func (s *ValkeyStorage) Add(ctx context.Context, n models.Notification) error {
	log := log.WithField("prefix", "ValkeyStorage.Add")

	data, err := json.Marshal(n)
	if err != nil {
		log.Errorf("failed to marshal notification: %v", err)
		return err
	}
	expireAt := time.Now().Add(s.ttl).UnixMicro()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, valkeyKey, redis.Z{Score: float64(expireAt), Member: data})
		pipe.ZRemRangeByScore(ctx, valkeyKey, "0", fmt.Sprintf("%d", time.Now().UnixMicro()))
		pipe.Expire(ctx, valkeyKey, s.ttl+time.Minute)
		return nil
	})
	if err != nil {
		log.Errorf("failed to store notification in Valkey: %v", err)
		return err
	}
	return nil
}

func (s *ValkeyStorage) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	log := log.WithField("prefix", "ValkeyStorage.Recent")
	limit = clampLimit(limit)

	members, err := s.client.ZRevRangeByScore(ctx, valkeyKey, &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", time.Now().UnixMicro()),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	res := make([]models.Notification, 0, len(members))
	for _, m := range members {
		var n models.Notification
		if err := json.Unmarshal([]byte(m), &n); err != nil {
			log.Errorf("failed to unmarshal notification: %v", err)
			continue
		}
		res = append(res, n)
	}
	return res, nil
}

func (s *ValkeyStorage) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		log.WithField("prefix", "ValkeyStorage.HealthCheck").Errorf("valkey health check failed: %v", err)
		return err
	}
	return nil
}

func (s *ValkeyStorage) Close() error {
	return s.client.Close()
}
