package resilience

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/MrWong99/duplexa/pkg/storage"
)

// StoreFallback implements [storage.Store] with automatic failover across
// multiple backends. Each backend has its own circuit breaker.
//
// Writes go to the first healthy backend. Reads and existence checks consult
// every backend in order, because an object may have landed on a fallback
// while the primary was down.
type StoreFallback struct {
	group  *FallbackGroup[storage.Store]
	stores []storage.Store
}

var _ storage.Store = (*StoreFallback)(nil)

// NewStoreFallback creates a [StoreFallback] with primary as the preferred backend.
func NewStoreFallback(primary storage.Store, cfg FallbackConfig) *StoreFallback {
	return &StoreFallback{
		group:  NewFallbackGroup(primary, primary.Name(), cfg),
		stores: []storage.Store{primary},
	}
}

// AddFallback registers an additional backend.
func (f *StoreFallback) AddFallback(s storage.Store) {
	f.group.AddFallback(s.Name(), s)
	f.stores = append(f.stores, s)
}

// Name implements [storage.Store].
func (f *StoreFallback) Name() string { return "fallback(" + f.stores[0].Name() + ")" }

// Put stores body in the first healthy backend.
func (f *StoreFallback) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := f.PutNamed(ctx, key, body, contentType)
	return err
}

// PutNamed is Put that also reports which backend accepted the object.
func (f *StoreFallback) PutNamed(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	return f.group.ExecuteNamed(func(s storage.Store) error {
		return s.Put(ctx, key, body, contentType)
	})
}

// Get returns the object from the first backend that has it.
func (f *StoreFallback) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var errs []error
	for _, s := range f.stores {
		rc, err := s.Get(ctx, key)
		if err == nil {
			return rc, nil
		}
		errs = append(errs, err)
	}
	if allNotExist(errs) {
		return nil, errors.Join(append(errs, os.ErrNotExist)...)
	}
	return nil, errors.Join(errs...)
}

// Exists reports whether any backend holds key.
func (f *StoreFallback) Exists(ctx context.Context, key string) (bool, error) {
	var errs []error
	for _, s := range f.stores {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// Delete removes key from every backend.
func (f *StoreFallback) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping succeeds if any backend is reachable.
func (f *StoreFallback) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range f.stores {
		err := s.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func allNotExist(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, os.ErrNotExist) {
			return false
		}
	}
	return true
}
