// Package hub keeps the outbound queue of every live persistent connection and
// implements the targeted send used by fan-out.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	ErrStaleConnection = errors.New("connection is closed")
	ErrSlowConsumer    = errors.New("connection send buffer is full")
)

var (
	activeConnectionMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "number_of_acitve_connections",
		Help: "The number of active connections",
	}, []string{"transport"})
	deliveredMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "number_of_delivered_messages",
		Help: "The total number of delivered_messages",
	})
)

const DefaultSendBuffer = 64

type Hub struct {
	mux         sync.RWMutex
	connections map[string]*Conn
	sendBuffer  int
	_eventIDs   int64
}

func New(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Hub{
		connections: make(map[string]*Conn),
		sendBuffer:  sendBuffer,
		_eventIDs:   time.Now().UnixMicro(),
	}
}

// Open registers a new connection under a fresh identifier.
func (h *Hub) Open(transport string) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Transport: transport,
		messageCh: make(chan models.OutboundMessage, h.sendBuffer),
		closer:    make(chan struct{}),
		isActive:  true,
	}
	h.mux.Lock()
	h.connections[c.ID] = c
	h.mux.Unlock()
	activeConnectionMetric.WithLabelValues(transport).Inc()
	log.WithField("prefix", "Hub.Open").Debugf("%v connection %v opened", transport, c.ID)
	return c
}

// Close forgets c and closes its queue. Closing twice is harmless.
func (h *Hub) Close(c *Conn) {
	h.mux.Lock()
	if cur, ok := h.connections[c.ID]; ok && cur == c {
		delete(h.connections, c.ID)
	}
	h.mux.Unlock()
	if c.close() {
		activeConnectionMetric.WithLabelValues(c.Transport).Dec()
		log.WithField("prefix", "Hub.Close").Debugf("%v connection %v closed", c.Transport, c.ID)
	}
}

// CloseAll closes every live connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mux.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mux.RUnlock()
	for _, c := range conns {
		h.Close(c)
	}
}

// Send marshals payload and queues it for conn without blocking.
func (h *Hub) Send(conn string, event string, payload any) error {
	h.mux.RLock()
	c, ok := h.connections[conn]
	h.mux.RUnlock()
	if !ok {
		return fmt.Errorf("%v: %w", conn, ErrStaleConnection)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %v payload: %w", event, err)
	}
	return c.enqueue(models.OutboundMessage{
		EventId: h.nextID(),
		Event:   event,
		Data:    data,
	})
}

func (h *Hub) Count() int {
	h.mux.RLock()
	defer h.mux.RUnlock()
	return len(h.connections)
}

func (h *Hub) nextID() int64 {
	return atomic.AddInt64(&h._eventIDs, 1)
}

// Conn is the server side of one persistent connection.
type Conn struct {
	ID        string
	Transport string

	mux       sync.RWMutex
	messageCh chan models.OutboundMessage
	closer    chan struct{}
	isActive  bool
}

// Messages returns the queue drained by the transport's write pump. It is
// closed when the connection is closed.
func (c *Conn) Messages() <-chan models.OutboundMessage {
	return c.messageCh
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closer
}

// Delivered records a message written to the wire.
func (c *Conn) Delivered() {
	deliveredMessagesMetric.Inc()
}

func (c *Conn) enqueue(m models.OutboundMessage) error {
	c.mux.RLock()
	defer c.mux.RUnlock()
	if !c.isActive {
		return fmt.Errorf("%v: %w", c.ID, ErrStaleConnection)
	}
	select {
	case c.messageCh <- m:
		return nil
	default:
		return fmt.Errorf("%v: %w", c.ID, ErrSlowConsumer)
	}
}

func (c *Conn) close() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.isActive {
		return false
	}
	c.isActive = false
	close(c.closer)
	close(c.messageCh)
	return true
}
