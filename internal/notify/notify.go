// Package notify delivers operational notifications (risk alerts,
// emergencies, failed orders) to configured sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Notification is one outbound message.
type Notification struct {
	Level   string    `json:"level"` // info, warning, critical
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink delivers a notification somewhere.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	log.Printf("[Notify] %s %s: %s", n.Level, n.Title, n.Message)
	return nil
}

// WebhookSink POSTs notifications as JSON to a URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Dispatcher fans notifications out to all sinks asynchronously so a
// slow sink never blocks the caller.
type Dispatcher struct {
	sinks []Sink
	queue chan Notification
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	d := &Dispatcher{sinks: sinks, queue: make(chan Notification, 256)}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, s := range d.sinks {
			if err := s.Notify(ctx, n); err != nil {
				log.Printf("[Notify] sink delivery failed: %v", err)
			}
		}
		cancel()
	}
}

// Send queues a notification; full queues drop the message rather than
// block trading.
func (d *Dispatcher) Send(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case d.queue <- n:
	default:
		log.Printf("[Notify] queue full, dropping %q", n.Title)
	}
}

// Close drains the queue and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}
