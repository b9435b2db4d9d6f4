package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
)

// RunEmbeddedServer starts an in-process NATS server with JetStream enabled.
// It does not listen on the network; clients connect with nats.InProcessServer.
func RunEmbeddedServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		ServerName: "relay_embedded",
		DontListen: true,
		JetStream:  true,
		StoreDir:   storeDir,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.SetLogger(&natsLogger{entry: log.WithField("prefix", "EmbeddedNATS")}, false, false)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS Server timeout")
	}
	return ns, nil
}

// natsLogger implements the nats-server Logger interface on top of logrus.
type natsLogger struct {
	entry *log.Entry
}

func (l *natsLogger) Noticef(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *natsLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *natsLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *natsLogger) Debugf(format string, v ...interface{})  { l.entry.Debugf(format, v...) }
func (l *natsLogger) Tracef(format string, v ...interface{})  { l.entry.Tracef(format, v...) }
func (l *natsLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Errorf("NATS FATAL: "+format, v...)
}
