package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const (
	streamName     = "RELAY_NOTIFICATIONS"
	subjectPrefix  = "relay.notifications."
	subjectPattern = subjectPrefix + "*"
)

var subjectUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type NatsStorage struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	ttl time.Duration
	// ns is set when the storage owns an embedded server.
	ns *server.Server
}

// NewNatsStorage connects to natsURL, or to an embedded JetStream server
// keeping its data in storeDir when natsURL is empty.
func NewNatsStorage(natsURL string, ttl time.Duration, storeDir string) (*NatsStorage, error) {
	log := log.WithField("prefix", "NewNatsStorage")

	var (
		ns   *server.Server
		opts []nats.Option
		err  error
	)
	if natsURL == "" {
		ns, err = RunEmbeddedServer(storeDir)
		if err != nil {
			log.Errorf("failed to start embedded NATS: %v", err)
			return nil, err
		}
		natsURL = ns.ClientURL()
		opts = append(opts, nats.InProcessServer(ns))
		log.Infof("embedded NATS started with store %v", storeDir)
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		log.Errorf("failed to connect to NATS: %v", err)
		shutdown(ns)
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Errorf("failed to create JetStream context: %v", err)
		nc.Close()
		shutdown(ns)
		return nil, err
	}

	storage := &NatsStorage{
		nc:  nc,
		js:  js,
		ttl: ttl,
		ns:  ns,
	}

	if err := storage.initStream(); err != nil {
		log.Errorf("failed to initialize stream: %v", err)
		nc.Close()
		shutdown(ns)
		return nil, err
	}

	log.Info("NATS JetStream storage initialized successfully")
	return storage, nil
}

func (s *NatsStorage) initStream() error {
	log := log.WithField("prefix", "NatsStorage.initStream")

	_, err := s.js.StreamInfo(streamName)
	if err == nil {
		log.Info("JetStream stream already exists")
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPattern},
		Retention: nats.LimitsPolicy,
		MaxAge:    s.ttl,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		log.Errorf("failed to create stream: %v", err)
		return err
	}
	log.Info("created JetStream stream")
	return nil
}

func subjectFor(action string) string {
	token := subjectUnsafe.ReplaceAllString(action, "_")
	if token == "" {
		token = "unknown"
	}
	return subjectPrefix + token
}

func (s *NatsStorage) Add(ctx context.Context, n models.Notification) error {
	log := log.WithField("prefix", "NatsStorage.Add")

	data, err := json.Marshal(n)
	if err != nil {
		log.Errorf("failed to marshal notification: %v", err)
		return err
	}
	if _, err := s.js.Publish(subjectFor(n.Action), data, nats.Context(ctx)); err != nil {
		log.Errorf("failed to publish notification: %v", err)
		return err
	}
	log.Debugf("notification %v journaled", n.ID)
	return nil
}

// Recent walks the stream backwards from its last sequence.
func (s *NatsStorage) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	log := log.WithField("prefix", "NatsStorage.Recent")
	limit = clampLimit(limit)

	info, err := s.js.StreamInfo(streamName, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	res := make([]models.Notification, 0, limit)
	if info.State.Msgs == 0 {
		return res, nil
	}
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(res) < limit; seq-- {
		raw, err := s.js.GetMsg(streamName, seq, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				continue
			}
			return nil, fmt.Errorf("get message %v: %w", seq, err)
		}
		var n models.Notification
		if err := json.Unmarshal(raw.Data, &n); err != nil {
			log.Errorf("failed to unmarshal message %v: %v", seq, err)
			continue
		}
		res = append(res, n)
	}
	return res, nil
}

func (s *NatsStorage) HealthCheck() error {
	log := log.WithField("prefix", "NatsStorage.HealthCheck")

	if !s.nc.IsConnected() {
		err := fmt.Errorf("NATS connection is not active")
		log.Error(err)
		return err
	}
	if _, err := s.js.AccountInfo(); err != nil {
		log.Errorf("JetStream health check failed: %v", err)
		return err
	}
	log.Debug("NATS JetStream storage is healthy")
	return nil
}

func (s *NatsStorage) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	shutdown(s.ns)
	return nil
}

func shutdown(ns *server.Server) {
	if ns == nil {
		return
	}
	ns.Shutdown()
	ns.WaitForShutdown()
}
