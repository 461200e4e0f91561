package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var sqlIntegrationCounter uint64

func TestSQLiteBackendRoundTripAndUpsert(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.(*SQLBackend).Close() })
	exerciseBackend(t, backend)
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	first, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	if err := first.Set(context.Background(), "live_encounter_P1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_ = first.(*SQLBackend).Close()

	second, err := NewSQLiteBackend("sqlite://" + path)
	if err != nil {
		t.Fatalf("reopen sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = second.(*SQLBackend).Close() })
	got, err := second.Get(context.Background(), "live_encounter_P1")
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("expected persisted payload after reopen, got %q (%v)", string(got), err)
	}
}

func TestSQLBackendInitFailureSurfaces(t *testing.T) {
	backend, err := newSQLBackend(dialectPostgres, "postgres://unused")
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, errors.New("dial refused")
	}
	if _, err := backend.Get(context.Background(), "k"); err == nil || !strings.Contains(err.Error(), "dial refused") {
		t.Fatalf("expected open error from Get, got %v", err)
	}
	if err := backend.Set(context.Background(), "k", []byte("v")); err == nil {
		t.Fatalf("expected open error from Set")
	}
}

func TestSQLBackendRetriesInitAfterFailure(t *testing.T) {
	backend, err := newSQLBackend(dialectSQLite, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	var opens int32
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if atomic.AddInt32(&opens, 1) == 1 {
			return nil, errors.New("database starting up")
		}
		return sql.Open(driverName, dsn)
	}
	t.Cleanup(func() { _ = backend.Close() })

	if err := backend.Set(context.Background(), "k", []byte("v1")); err == nil {
		t.Fatalf("expected first Set to fail while the database is unavailable")
	}
	if err := backend.Set(context.Background(), "k", []byte("v2")); err != nil {
		t.Fatalf("expected Set to recover once the database is reachable, got %v", err)
	}
	got, err := backend.Get(context.Background(), "k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("expected v2, got %q (%v)", got, err)
	}
	if n := atomic.LoadInt32(&opens); n != 2 {
		t.Fatalf("expected the database to be opened twice, got %d", n)
	}

	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := backend.Get(context.Background(), "k"); !errors.Is(err, ErrBackendClosed) {
		t.Fatalf("expected ErrBackendClosed after Close, got %v", err)
	}
}

func TestPostgresIntegrationBackend(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LIVESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LIVESYNC_TEST_POSTGRES_DSN not set")
	}
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	sb := backend.(*SQLBackend)
	sb.tableName = sqlIntegrationTableName("live_encounter_cache_it")
	t.Cleanup(func() {
		if sb.db != nil {
			_, _ = sb.db.Exec("DROP TABLE IF EXISTS " + sb.quote(sb.tableName))
		}
		_ = sb.Close()
	})
	exerciseBackend(t, backend)
}

func TestMySQLIntegrationBackend(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LIVESYNC_TEST_MYSQL_DSN"))
	if dsn == "" {
		t.Skip("LIVESYNC_TEST_MYSQL_DSN not set")
	}
	backend, err := NewMySQLBackend(dsn)
	if err != nil {
		t.Fatalf("new mysql backend: %v", err)
	}
	sb := backend.(*SQLBackend)
	sb.tableName = sqlIntegrationTableName("live_encounter_cache_it")
	t.Cleanup(func() {
		if sb.db != nil {
			_, _ = sb.db.Exec("DROP TABLE IF EXISTS " + sb.quote(sb.tableName))
		}
		_ = sb.Close()
	})
	exerciseBackend(t, backend)
}

func TestRedisIntegrationBackend(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("LIVESYNC_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("LIVESYNC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	prefix := fmt.Sprintf("livesync_it_%d_", time.Now().UnixNano())
	backend := NewRedisBackendWithClient(client, prefix)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
		_ = backend.Close()
	})
	exerciseBackend(t, backend)
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	if _, err := backend.Get(ctx, "live_encounter_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := backend.Set(ctx, "live_encounter_P1", []byte(`{"noteId":"n1"}`)); err != nil {
		t.Fatalf("initial set failed: %v", err)
	}
	if err := backend.Set(ctx, "live_encounter_P1", []byte(`{"noteId":"n2"}`)); err != nil {
		t.Fatalf("overwrite set failed: %v", err)
	}
	got, err := backend.Get(ctx, "live_encounter_P1")
	if err != nil {
		t.Fatalf("get after overwrite failed: %v", err)
	}
	if string(got) != `{"noteId":"n2"}` {
		t.Fatalf("expected overwrite to win, got %s", string(got))
	}
}

func sqlIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&sqlIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}
