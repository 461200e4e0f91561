package cache

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN selects a backend by DSN scheme. An empty DSN yields an
// unbounded in-memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryBackend(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(afero.NewOsFs(), path)
	case "memory", "mem", "inmem":
		maxBytes := 0
		if raw := strings.TrimSpace(parsed.Query().Get("max_bytes")); raw != "" {
			maxBytes, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: max_bytes %q", ErrInvalidInput, raw)
			}
		}
		return NewInMemoryBackend(maxBytes), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "mysql":
		return NewMySQLBackend(dsn)
	case "redis", "rediss":
		return NewRedisBackend(dsn)
	case "localstorage", "indexeddb":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return filepath.Clean(strings.TrimSpace(raw)), nil
	}
	path := parsed.Path
	if parsed.Host != "" && parsed.Host != "localhost" {
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return filepath.Clean(path), nil
}
