// Package storage keeps a best-effort journal of broadcast notifications.
// Registry state is never stored here; the journal only backs diagnostics
// such as GET /notifications and the readiness probe.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

type Storage interface {
	Add(ctx context.Context, n models.Notification) error
	// Recent returns up to limit live notifications, newest first.
	Recent(ctx context.Context, limit int) ([]models.Notification, error)
	HealthCheck() error
	Close() error
}

type Options struct {
	TTL time.Duration
	// NatsStoreDir is the JetStream directory of the embedded NATS server
	// started when the nats journal has no URI.
	NatsStoreDir string
}

func NewStorage(storageType string, uri string, opts Options) (Storage, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	switch storageType {
	case "memory", "":
		return NewMemStorage(opts.TTL), nil
	case "postgres":
		return NewPgStorage(uri, opts.TTL)
	case "nats":
		return NewNatsStorage(uri, opts.TTL, opts.NatsStoreDir)
	case "valkey", "redis":
		return NewValkeyStorage(uri, opts.TTL)
	case "kafka":
		return NewKafkaStorage(uri, opts.TTL)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
