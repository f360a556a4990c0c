package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// UploadResult counts the parameters written out of those requested
type UploadResult struct {
	Succeeded int `json:"succeeded"`
	Requested int `json:"requested"`
}

// RetryPolicy decides whether a failed write is retried and how long to wait
type RetryPolicy struct {
	MaxRetries int
	Backoff    utils.BackoffStrategy
}

// DefaultRetryPolicy retries twice with a short exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Backoff:    utils.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, false),
	}
}

// ShouldRetry reports whether attempt (0-indexed) may be followed by another
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	return !errors.Is(err, ErrUploadUnsupported) && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// BackoffDuration is the wait before retry attempt (0-indexed)
func (p RetryPolicy) BackoffDuration(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.NextDelay(attempt)
}

// Uploader writes parameter initial values to the control layer
type Uploader struct {
	layer  ControlLayer
	retry  RetryPolicy
	logger *slog.Logger
}

type UploaderOption func(*Uploader)

func WithRetryPolicy(p RetryPolicy) UploaderOption {
	return func(u *Uploader) { u.retry = p }
}

func WithUploadLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

func NewUploader(layer ControlLayer, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		layer:  layer,
		retry:  DefaultRetryPolicy(),
		logger: logger.Component("device"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadInitialValue writes the parameter's initial value in raw units to its control channel
func (u *Uploader) UploadInitialValue(ctx context.Context, p *params.LiveParameter) error {
	node, adaptor := p.Node(), p.Adaptor()
	if !adaptor.Uploadable() {
		return fmt.Errorf("%s: %w", p.Name(), ErrUploadUnsupported)
	}

	channel := adaptor.ControlChannel(node)
	value := p.Core().InitialValue()
	for attempt := 0; ; attempt++ {
		err := u.layer.Put(ctx, channel, value)
		if err == nil {
			u.logger.Info("uploaded initial value", "parameter", p.Name(), "channel", channel, "value", value)
			return nil
		}
		if !u.retry.ShouldRetry(attempt, err) {
			return fmt.Errorf("upload %s: %w", p.Name(), err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload %s: %w", p.Name(), ctx.Err())
		case <-time.After(u.retry.BackoffDuration(attempt)):
		}
	}
}

// Upload requests every parameter's initial value. Failures are logged and
// counted; they never stop the remaining uploads.
func (u *Uploader) Upload(ctx context.Context, parameters []*params.LiveParameter) UploadResult {
	result := UploadResult{Requested: len(parameters)}
	for _, p := range parameters {
		if err := u.UploadInitialValue(ctx, p); err != nil {
			u.logger.Warn("upload failed", "parameter", p.Name(), "error", err)
			continue
		}
		result.Succeeded++
	}
	return result
}

// Upload writes parameters through a default uploader
func Upload(ctx context.Context, layer ControlLayer, parameters []*params.LiveParameter) UploadResult {
	return NewUploader(layer).Upload(ctx, parameters)
}
