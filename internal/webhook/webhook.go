// Package webhook forwards broadcast notifications to external HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var webhookFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "number_of_failed_webhooks",
	Help: "The total number of webhook deliveries that failed",
})

type Notifier struct {
	urls   []string
	client *http.Client
}

// New parses a comma separated list of webhook URLs. It returns nil when the
// list is empty.
func New(urlList string) *Notifier {
	var urls []string
	for _, u := range strings.Split(urlList, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	return &Notifier{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward posts n to every webhook concurrently and waits for all of them.
func (w *Notifier) Forward(ctx context.Context, n models.Notification) {
	var wg sync.WaitGroup
	for _, webhook := range w.urls {
		wg.Add(1)
		go func(webhook string) {
			defer wg.Done()
			if err := w.send(ctx, webhook, n); err != nil {
				webhookFailuresMetric.Inc()
				log.WithField("prefix", "Notifier.Forward").Errorf("failed to trigger webhook '%s': %v", webhook, err)
			}
		}(webhook)
	}
	wg.Wait()
}

func (w *Notifier) send(ctx context.Context, webhook string, n models.Notification) error {
	postBody, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(postBody))
	if err != nil {
		return fmt.Errorf("failed to init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed send request: %w", err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			log.Errorf("failed to close response body: %v", closeErr)
		}
	}()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("bad status code: %v", res.StatusCode)
	}
	return nil
}
