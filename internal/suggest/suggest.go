// Package suggest implements the debounced side requests around the chat
// input: typed-input suggestions and prompt-improvement previews. These are
// deliberately decoupled from the chat stream; they never compete for its
// single connection.
package suggest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// SuggestDelay is how long typing must pause before a suggestion request
	// fires.
	SuggestDelay = 500 * time.Millisecond
	// ImproveDelay is how long a draft must rest before an improvement
	// preview fires.
	ImproveDelay = 900 * time.Millisecond

	requestTimeout = 15 * time.Second
)

// Backend is the request/response interface the service consumes.
type Backend interface {
	Suggest(ctx context.Context, input string) ([]string, error)
	Improve(ctx context.Context, prompt string) (string, error)
}

// Debouncer delays a function call and supersedes it when triggered again
// before the delay elapses. Only the last trigger within a window runs.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer creates a Debouncer with the given delay.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn after the delay, cancelling any previously scheduled
// call that has not fired yet.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Stop cancels any pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Service debounces suggestion and improvement requests. Results are handed
// to the deliver callbacks from a timer goroutine; failures are logged and
// dropped.
type Service struct {
	backend Backend
	logger  *slog.Logger

	input   *Debouncer
	improve *Debouncer
}

// NewService creates a Service with the standard delays.
func NewService(backend Backend, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logger.With(slog.String("module", "suggest")),
		input:   NewDebouncer(SuggestDelay),
		improve: NewDebouncer(ImproveDelay),
	}
}

// InputChanged notes the current partial input. After the typing pause the
// latest value is sent for suggestions; earlier pending values are dropped.
// A blank input cancels any pending request.
func (s *Service) InputChanged(input string, deliver func([]string)) {
	if strings.TrimSpace(input) == "" {
		s.input.Stop()
		return
	}
	s.input.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		suggestions, err := s.backend.Suggest(ctx, input)
		if err != nil {
			s.logger.Debug("Suggestion request failed", slog.String("err", err.Error()))
			return
		}
		deliver(suggestions)
	})
}

// PreviewImprovement requests an improved version of the draft prompt after
// the rest period, superseding any earlier pending preview.
func (s *Service) PreviewImprovement(prompt string, deliver func(string)) {
	if strings.TrimSpace(prompt) == "" {
		s.improve.Stop()
		return
	}
	s.improve.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		improved, err := s.backend.Improve(ctx, prompt)
		if err != nil {
			s.logger.Debug("Improvement request failed", slog.String("err", err.Error()))
			return
		}
		deliver(improved)
	})
}

// Close cancels all pending requests.
func (s *Service) Close() {
	s.input.Stop()
	s.improve.Stop()
}
