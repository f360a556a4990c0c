package tunerd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// SecretHeader carries the configured callback secret
const SecretHeader = "X-Tuner-Callback-Secret"

// NotificationPayload is the JSON body posted to the callback URL
type NotificationPayload struct {
	RunID            string    `json:"run_id"`
	Status           RunStatus `json:"status"`
	CreatedAtUnixMs  int64     `json:"created_at_unix_ms"`
	StartedAtUnixMs  int64     `json:"started_at_unix_ms,omitempty"`
	EndedAtUnixMs    int64     `json:"ended_at_unix_ms,omitempty"`
	Evaluations      int       `json:"evaluations"`
	BestSatisfaction *float64  `json:"best_satisfaction,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        int64     `json:"timestamp"`
}

// Notifier posts terminal run states to a webhook with retries
type Notifier struct {
	httpClient  *http.Client
	maxRetries  int
	backoff     utils.BackoffStrategy
	callbackURL string
	secret      string
	logger      *slog.Logger
	wg          sync.WaitGroup
}

type NotifierOption func(*Notifier)

func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = c }
}

func WithRetries(maxRetries int, backoff utils.BackoffStrategy) NotifierOption {
	return func(n *Notifier) {
		n.maxRetries = maxRetries
		n.backoff = backoff
	}
}

// WithDefaultCallback is used for runs created without their own callback URL
func WithDefaultCallback(url, secret string) NotifierOption {
	return func(n *Notifier) {
		n.callbackURL = url
		n.secret = secret
	}
}

func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = l }
}

func NewNotifier(opts ...NotifierOption) *Notifier {
	n := &Notifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    utils.NewExponentialBackoff(time.Second, 10*time.Second, 2, false),
		logger:     logger.Component("notifier"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the run asynchronously. "{run_id}" in the URL is replaced.
func (n *Notifier) Notify(run Run) {
	url, secret := run.Input.CallbackURL, run.Input.CallbackSecret
	if url == "" {
		url, secret = n.callbackURL, n.secret
	}
	if url == "" {
		return
	}
	url = strings.ReplaceAll(url, "{run_id}", run.ID)

	payload := NotificationPayload{
		RunID:           run.ID,
		Status:          run.Status,
		CreatedAtUnixMs: run.CreatedAtUnixMs,
		StartedAtUnixMs: run.StartedAtUnixMs,
		EndedAtUnixMs:   run.EndedAtUnixMs,
		Evaluations:     run.Evaluations,
		Error:           run.Error,
		Timestamp:       time.Now().UTC().UnixMilli(),
	}
	if utils.IsFinite(run.BestSatisfaction) {
		s := run.BestSatisfaction
		payload.BestSatisfaction = &s
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(url, secret, payload)
	}()
}

// Wait blocks until every pending notification has been delivered or given up
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(url, secret string, payload NotificationPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal notification payload", "run_id", payload.RunID, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.backoff.NextDelay(attempt - 1)
			n.logger.Debug("retrying notification", "run_id", payload.RunID, "attempt", attempt, "delay", delay)
			time.Sleep(delay)
		}

		if lastErr = n.post(url, secret, body); lastErr == nil {
			n.logger.Info("notification sent", "run_id", payload.RunID, "status", payload.Status)
			return
		}
		n.logger.Warn("notification attempt failed", "run_id", payload.RunID, "attempt", attempt+1, "error", lastErr)
	}
	n.logger.Error("failed to send notification after retries",
		"callback_url", url,
		"run_id", payload.RunID,
		"max_retries", n.maxRetries,
		"last_error", lastErr)
}

func (n *Notifier) post(url, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "optics-tuner/1.0")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, snippet)
}
