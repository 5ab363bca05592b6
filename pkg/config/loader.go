package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	mu     sync.RWMutex
	loaded = make(map[string]any)

	dotenvOnce sync.Once
)

// Load populates v from environment variables based on `env` struct tags.
// Each configuration type is parsed at most once per process; subsequent
// calls for the same type return the cached value so every component sees
// identical settings.
//
// A .env file in the working directory is loaded on first use when present.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// The .env file is optional; a missing file is not an error.
		_ = godotenv.Load()
	})

	key := typeName[T]()

	mu.RLock()
	cached, ok := loaded[key]
	mu.RUnlock()
	if ok {
		*v = cached.(T)
		return nil
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	mu.Lock()
	// Another goroutine may have parsed the same type concurrently; keep the
	// first stored copy so all callers observe one value.
	if cached, ok := loaded[key]; ok {
		*v = cached.(T)
	} else {
		loaded[key] = *v
	}
	mu.Unlock()

	return nil
}

// MustLoad is Load that panics on failure. Intended for configuration the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: failed to load %T: %v", *v, err))
	}
}

func typeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Sprintf("%T", *new(T))
	}
	return t.String()
}
