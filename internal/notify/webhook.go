package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lazypower/recall/internal/concept"
)

// ErrCircuitOpen is returned while the webhook breaker is rejecting calls.
var ErrCircuitOpen = errors.New("webhook circuit breaker is open")

const maxErrorBody = 512

// WebhookOptions tunes a WebhookSink. Zero values take defaults.
type WebhookOptions struct {
	Timeout      time.Duration // per request, default 5s
	MaxFailures  uint32        // consecutive failures before opening, default 3
	OpenDuration time.Duration // time open before a trial request, default 30s
}

// WebhookSink POSTs each reminder as JSON to a URL. Consecutive failures
// open a circuit breaker so a dead endpoint fails fast instead of eating
// the dispatcher's timeout on every reminder.
type WebhookSink struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, opts WebhookOptions) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook sink requires a url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 3
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     opts.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("notify: %s breaker %s -> %s", name, from, to)
		},
	}
	return &WebhookSink{
		url:     url,
		http:    &http.Client{Timeout: opts.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Notify POSTs n. A non-2xx response is an error.
func (w *WebhookSink) Notify(ctx context.Context, n concept.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("POST %s: status %d: %s", w.url, resp.StatusCode, bytes.TrimSpace(data))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// State returns the breaker state: "closed", "open" or "half-open".
func (w *WebhookSink) State() string {
	return w.breaker.State().String()
}
