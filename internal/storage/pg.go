package storage

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

type PgStorage struct {
	postgres *pgxpool.Pool
	ttl      time.Duration
	closer   chan struct{}
}

//go:embed migrations/*.sql
var fs embed.FS

func MigrateDb(postgresURI string) error {
	log := log.WithField("prefix", "MigrateDb")
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		log.Info("iofs err: ", err)
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURI)
	if err != nil {
		log.Info("source instance err: ", err)
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("DB is up to date")
		return nil
	} else if err != nil {
		return err
	}
	log.Info("DB updated successfully")
	return nil
}

func NewPgStorage(postgresURI string, ttl time.Duration) (*PgStorage, error) {
	log := log.WithField("prefix", "NewPgStorage")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	c, err := pgxpool.Connect(ctx, postgresURI)
	if err != nil {
		return nil, err
	}
	err = MigrateDb(postgresURI)
	if err != nil {
		log.Info("migrate err: ", err)
		c.Close()
		return nil, err
	}
	s := PgStorage{
		postgres: c,
		ttl:      ttl,
		closer:   make(chan struct{}),
	}
	go s.worker()
	return &s, nil
}

func (s *PgStorage) worker() {
	log := log.WithField("prefix", "PgStorage.worker")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer:
			return
		case <-ticker.C:
		}
		_, err := s.postgres.Exec(context.TODO(),
			`DELETE FROM relay.notifications
			 	 WHERE current_timestamp > end_time`)
		if err != nil {
			log.Infof("remove expired notifications error: %v", err)
		}
	}
}

func (s *PgStorage) Add(ctx context.Context, n models.Notification) error {
	_, err := s.postgres.Exec(ctx,
		`INSERT INTO relay.notifications (id, action, subject, title, message, sent_at, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Action, n.Subject, n.Title, n.Message, n.Timestamp, time.Now().Add(s.ttl))
	return err
}

func (s *PgStorage) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := s.postgres.Query(ctx,
		`SELECT id, action, subject, title, message, sent_at
		 FROM relay.notifications
		 WHERE end_time > current_timestamp
		 ORDER BY id DESC
		 LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Action, &n.Subject, &n.Title, &n.Message, &n.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (s *PgStorage) HealthCheck() error {
	log := log.WithField("prefix", "PgStorage.HealthCheck")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	err := s.postgres.Ping(ctx)
	if err != nil {
		log.Errorf("database health check failed: %v", err)
		return err
	}
	log.Debug("database is healthy")
	return nil
}

func (s *PgStorage) Close() error {
	close(s.closer)
	s.postgres.Close()
	return nil
}
