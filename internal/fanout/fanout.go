// Package fanout delivers notifications to every connection currently
// registered as an observer.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	broadcastsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "number_of_broadcasts",
		Help: "The total number of broadcast notifications by action",
	}, []string{"action"})
	queuedNotificationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "number_of_queued_notifications",
		Help: "The total number of notifications queued for observer connections",
	})
	droppedNotificationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "number_of_dropped_notifications",
		Help: "The total number of notifications dropped because the observer connection was gone or too slow",
	})
	recipientsPerBroadcastMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "number_of_recipients_per_broadcast",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50, 100},
	})
)

const sinkTimeout = 10 * time.Second

// Sender is the transport's targeted-send primitive.
type Sender interface {
	Send(conn string, event string, payload any) error
}

// Journal keeps an audit trail of broadcast notifications.
type Journal interface {
	Add(ctx context.Context, n models.Notification) error
}

// Forwarder relays broadcast notifications outside the process.
type Forwarder interface {
	Forward(ctx context.Context, n models.Notification)
}

type Broadcaster struct {
	registry  *registry.Registry
	sender    Sender
	journal   Journal
	forwarder Forwarder
	now       func() time.Time
	_eventIDs int64
	wg        sync.WaitGroup
}

type Option func(*Broadcaster)

func WithJournal(j Journal) Option {
	return func(b *Broadcaster) { b.journal = j }
}

func WithForwarder(f Forwarder) Option {
	return func(b *Broadcaster) { b.forwarder = f }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(reg *registry.Registry, sender Sender, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registry:  reg,
		sender:    sender,
		now:       time.Now,
		_eventIDs: time.Now().UnixMicro(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast stamps n and sends a copy carrying the recipient's role to every
// current observer. The registry lock is only held while the observer list is
// copied. It returns the number of recipients attempted; failed sends are
// dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, n models.Notification) int {
	log := log.WithContext(ctx).WithField("prefix", "Broadcaster.Broadcast")

	n.ID = b.nextID()
	n.Stamp(b.now())
	n.Role = ""

	attempted := 0
	b.registry.ForEachObserver(func(conn string, role models.Role) {
		attempted++
		payload := n
		payload.Role = role
		if err := b.sender.Send(conn, models.EventAdminNotification, payload); err != nil {
			droppedNotificationsMetric.Inc()
			log.Debugf("notification %v to %v dropped: %v", n.ID, conn, err)
			return
		}
		queuedNotificationsMetric.Inc()
	})

	broadcastsMetric.WithLabelValues(n.Action).Inc()
	recipientsPerBroadcastMetric.Observe(float64(attempted))
	log.Infof("%v notification %v about %q sent to %v observers", n.Action, n.ID, n.Subject, attempted)

	b.record(n)
	return attempted
}

// Wait blocks until every pending journal and forwarder hand-off is done.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

func (b *Broadcaster) record(n models.Notification) {
	if b.journal == nil && b.forwarder == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		log := log.WithField("prefix", "Broadcaster.record")
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if b.journal != nil {
			if err := b.journal.Add(ctx, n); err != nil {
				log.Errorf("journal error: %v", err)
			}
		}
		if b.forwarder != nil {
			b.forwarder.Forward(ctx, n)
		}
	}()
}

func (b *Broadcaster) nextID() int64 {
	return atomic.AddInt64(&b._eventIDs, 1)
}
