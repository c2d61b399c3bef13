package suggest_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/purposechat/purposechat/internal/suggest"
)

func TestDebouncerSupersedes(t *testing.T) {
	d := suggest.NewDebouncer(30 * time.Millisecond)

	fired := make(chan int, 4)
	d.Trigger(func() { fired <- 1 })
	d.Trigger(func() { fired <- 2 })
	d.Trigger(func() { fired <- 3 })

	select {
	case got := <-fired:
		if got != 3 {
			t.Errorf("fired call = %d, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("debounced call never fired")
	}

	select {
	case got := <-fired:
		t.Errorf("superseded call %d fired", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerStop(t *testing.T) {
	d := suggest.NewDebouncer(30 * time.Millisecond)

	fired := make(chan struct{}, 1)
	d.Trigger(func() { fired <- struct{}{} })
	d.Stop()

	select {
	case <-fired:
		t.Error("stopped call fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInputChangedDeliversLatest(t *testing.T) {
	backend := &mockBackend{suggestions: []string{"a", "b"}}
	svc := suggest.NewService(backend, slog.Default())
	defer svc.Close()

	delivered := make(chan []string, 1)
	svc.InputChanged("how do", func(s []string) { delivered <- s })

	select {
	case got := <-delivered:
		if len(got) != 2 {
			t.Errorf("delivered = %v, want 2 suggestions", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suggestions never delivered")
	}
	if got := backend.lastSuggestInput(); got != "how do" {
		t.Errorf("backend input = %q, want %q", got, "how do")
	}
}

func TestInputChangedBlankCancels(t *testing.T) {
	backend := &mockBackend{suggestions: []string{"a"}}
	svc := suggest.NewService(backend, slog.Default())
	defer svc.Close()

	delivered := make(chan []string, 1)
	svc.InputChanged("how do", func(s []string) { delivered <- s })
	svc.InputChanged("   ", func(s []string) { delivered <- s })

	select {
	case got := <-delivered:
		t.Errorf("delivered %v after blank input", got)
	case <-time.After(suggest.SuggestDelay + 200*time.Millisecond):
	}
	if n := backend.suggestCalls(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestPreviewImprovement(t *testing.T) {
	backend := &mockBackend{improved: "a clearer prompt"}
	svc := suggest.NewService(backend, slog.Default())
	defer svc.Close()

	delivered := make(chan string, 1)
	svc.PreviewImprovement("my prompt", func(s string) { delivered <- s })

	select {
	case got := <-delivered:
		if got != "a clearer prompt" {
			t.Errorf("delivered = %q, want %q", got, "a clearer prompt")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("improvement never delivered")
	}
}

func TestFailuresAreDropped(t *testing.T) {
	backend := &mockBackend{err: errors.New("backend down")}
	svc := suggest.NewService(backend, slog.Default())
	defer svc.Close()

	delivered := make(chan []string, 1)
	svc.InputChanged("how do", func(s []string) { delivered <- s })

	select {
	case got := <-delivered:
		t.Errorf("delivered %v despite backend error", got)
	case <-time.After(suggest.SuggestDelay + 200*time.Millisecond):
	}
}

type mockBackend struct {
	suggestions []string
	improved    string
	err         error

	mu      sync.Mutex
	inputs  []string
	prompts []string
}

func (m *mockBackend) Suggest(_ context.Context, input string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, input)
	return m.suggestions, nil
}

func (m *mockBackend) Improve(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.prompts = append(m.prompts, prompt)
	return m.improved, nil
}

func (m *mockBackend) suggestCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *mockBackend) lastSuggestInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return ""
	}
	return m.inputs[len(m.inputs)-1]
}
