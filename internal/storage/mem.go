package storage

import (
	"context"
	"sync"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
)

const memCapacity = 10000

type MemStorage struct {
	db     []message
	ttl    time.Duration
	lock   sync.Mutex
	closer chan struct{}
	once   sync.Once
}

type message struct {
	models.Notification
	expireAt time.Time
}

func (m message) IsExpired(now time.Time) bool {
	return m.expireAt.Before(now)
}

func NewMemStorage(ttl time.Duration) *MemStorage {
	s := MemStorage{
		ttl:    ttl,
		closer: make(chan struct{}),
	}
	go s.watcher()
	return &s
}

func removeExpiredMessages(ms []message, now time.Time) []message {
	results := make([]message, 0, len(ms))
	for _, m := range ms {
		if !m.IsExpired(now) {
			results = append(results, m)
		}
	}
	return results
}

func (s *MemStorage) watcher() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer:
			return
		case <-ticker.C:
			s.lock.Lock()
			s.db = removeExpiredMessages(s.db, time.Now())
			s.lock.Unlock()
		}
	}
}

func (s *MemStorage) Add(ctx context.Context, n models.Notification) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.db = append(s.db, message{
		Notification: n,
		expireAt:     time.Now().Add(s.ttl),
	})
	if over := len(s.db) - memCapacity; over > 0 {
		s.db = append([]message(nil), s.db[over:]...)
	}
	return nil
}

func (s *MemStorage) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	limit = clampLimit(limit)
	now := time.Now()
	s.lock.Lock()
	defer s.lock.Unlock()
	res := make([]models.Notification, 0, limit)
	for i := len(s.db) - 1; i >= 0 && len(res) < limit; i-- {
		if s.db[i].IsExpired(now) {
			continue
		}
		res = append(res, s.db[i].Notification)
	}
	return res, nil
}

func (s *MemStorage) HealthCheck() error {
	// In-memory storage does not require health checks.
	return nil
}

func (s *MemStorage) Close() error {
	s.once.Do(func() { close(s.closer) })
	return nil
}
