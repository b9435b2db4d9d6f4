package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

const kafkaTopic = "relay-notifications"

// KafkaStorage publishes every notification to a topic and answers Recent
// from the notifications this process wrote.
type KafkaStorage struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	ttl     time.Duration

	cacheMutex sync.RWMutex
	cache      []message
}

func NewKafkaStorage(brokerList string, ttl time.Duration) (*KafkaStorage, error) {
	log := log.WithField("prefix", "NewKafkaStorage")

	var brokers []string
	for _, b := range strings.Split(brokerList, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka storage needs at least one broker")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  kafkaTopic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	log.Info("Kafka storage initialized successfully")
	return &KafkaStorage{
		brokers: brokers,
		topic:   kafkaTopic,
		writer:  writer,
		ttl:     ttl,
	}, nil
}

func (s *KafkaStorage) Add(ctx context.Context, n models.Notification) error {
	log := log.WithField("prefix", "KafkaStorage.Add")

	value, err := json.Marshal(n)
	if err != nil {
		log.Errorf("failed to marshal notification: %v", err)
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Action),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		log.Errorf("failed to write notification to Kafka: %v", err)
		return err
	}

	now := time.Now()
	s.cacheMutex.Lock()
	s.cache = append(removeExpiredMessages(s.cache, now), message{Notification: n, expireAt: now.Add(s.ttl)})
	if over := len(s.cache) - memCapacity; over > 0 {
		s.cache = append([]message(nil), s.cache[over:]...)
	}
	s.cacheMutex.Unlock()
	return nil
}

func (s *KafkaStorage) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	limit = clampLimit(limit)
	now := time.Now()
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	res := make([]models.Notification, 0, limit)
	for i := len(s.cache) - 1; i >= 0 && len(res) < limit; i-- {
		if !s.cache[i].IsExpired(now) {
			res = append(res, s.cache[i].Notification)
		}
	}
	return res, nil
}

func (s *KafkaStorage) HealthCheck() error {
	log := log.WithField("prefix", "KafkaStorage.HealthCheck")

	conn, err := kafka.Dial("tcp", s.brokers[0])
	if err != nil {
		log.Errorf("kafka health check failed: %v", err)
		return err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Errorf("failed to close connection: %v", closeErr)
		}
	}()

	partitions, err := conn.ReadPartitions(s.topic)
	if err != nil {
		log.Errorf("failed to read topic partitions: %v", err)
		return err
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", s.topic)
	}
	return nil
}

func (s *KafkaStorage) Close() error {
	return s.writer.Close()
}
