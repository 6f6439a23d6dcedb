package resilience_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/MrWong99/duplexa/internal/resilience"
	"github.com/MrWong99/duplexa/pkg/storage"
)

// memStore is an in-memory storage.Store with switchable failures.
type memStore struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, objects: map[string][]byte{}}
}

func (m *memStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.objects[key] = bytes.Clone(body)
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}

var _ storage.Store = (*memStore)(nil)

func TestStoreFallback_PutFailsOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary, local := newMemStore("s3"), newMemStore("local")
	primary.setFail(errors.New("s3 unreachable"))

	f := resilience.NewStoreFallback(primary, resilience.FallbackConfig{})
	f.AddFallback(local)

	served, err := f.PutNamed(ctx, "recordings/a.wav", []byte("wav"), "audio/wav")
	if err != nil {
		t.Fatalf("PutNamed() error: %v", err)
	}
	if served != "local" {
		t.Errorf("served by %q, want local", served)
	}

	rc, err := f.Get(ctx, "recordings/a.wav")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer rc.Close()
	if b, _ := io.ReadAll(rc); string(b) != "wav" {
		t.Errorf("Get() = %q, want wav", b)
	}
	if ok, err := f.Exists(ctx, "recordings/a.wav"); err != nil || !ok {
		t.Errorf("Exists() = %v, %v; want true", ok, err)
	}
	if err := f.Ping(ctx); err != nil {
		t.Errorf("Ping() with one healthy backend error: %v", err)
	}
}

func TestStoreFallback_AllFail(t *testing.T) {
	t.Parallel()
	primary, local := newMemStore("s3"), newMemStore("local")
	primary.setFail(errors.New("down"))
	local.setFail(errors.New("disk full"))

	f := resilience.NewStoreFallback(primary, resilience.FallbackConfig{})
	f.AddFallback(local)

	err := f.Put(context.Background(), "k", []byte("x"), "")
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("Put() error = %v, want ErrAllFailed", err)
	}
	if err := f.Ping(context.Background()); err == nil {
		t.Error("Ping() error = nil, want error")
	}
}

func TestStoreFallback_GetMissing(t *testing.T) {
	t.Parallel()
	f := resilience.NewStoreFallback(newMemStore("s3"), resilience.FallbackConfig{})
	f.AddFallback(newMemStore("local"))
	if _, err := f.Get(context.Background(), "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Get() error = %v, want os.ErrNotExist", err)
	}
	if got := f.Name(); got != "fallback(s3)" {
		t.Errorf("Name() = %q", got)
	}
}
