package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"mindspace-board/domain"
)

type memDeduper struct {
	mu   sync.Mutex
	keys map[string]struct{}
	err  error
}

func newMemDeduper() *memDeduper {
	return &memDeduper{keys: make(map[string]struct{})}
}

func (d *memDeduper) Add(_ context.Context, scope, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	k := scope + "|" + key
	if _, ok := d.keys[k]; ok {
		return false, nil
	}
	d.keys[k] = struct{}{}
	return true, nil
}

func (d *memDeduper) Remove(_ context.Context, scope, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, scope+"|"+key)
	return nil
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestRedisDeduperAddAndRemove(t *testing.T) {
	m, client := newRedisClient(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "ws/user", "k1")
	if err != nil || !added {
		t.Fatalf("expected first add to succeed, got %v %v", added, err)
	}
	added, err = deduper.Add(ctx, "ws/user", "k1")
	if err != nil || added {
		t.Fatalf("expected duplicate, got %v %v", added, err)
	}
	if ttl := m.TTL("ws/user:" + dedupeKeyPrefix + ":k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := deduper.Remove(ctx, "ws/user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err = deduper.Add(ctx, "ws/user", "k1")
	if err != nil || !added {
		t.Fatalf("expected key to be reusable after remove, got %v %v", added, err)
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	_, client := newRedisClient(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	const (
		scope = "ws/user"
		key   = "k1"
	)

	added, err := deduper.Add(ctx, scope, key)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be added")
	}

	expectedKey := scope + ":" + dedupeKeyPrefix + ":" + key
	exists, err := client.Exists(ctx, expectedKey).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 1 {
		t.Fatalf("expected redis key %q to exist", expectedKey)
	}

	other, err := deduper.Add(ctx, "other/user", key)
	if err != nil || !other {
		t.Fatalf("keys must be scoped per session, got %v %v", other, err)
	}
}

func runIdempotent(d Deduper, key string, status int) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(ctxSession, domain.Session{WorkspaceID: "ws", UserID: "u"})
	h := idempotencyMiddleware(d, quietLogger())(func(c echo.Context) error {
		return c.NoContent(status)
	})
	_ = h(c)
	return rec
}

func TestIdempotencyMiddleware(t *testing.T) {
	d := newMemDeduper()

	if rec := runIdempotent(d, "a", http.StatusOK); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := runIdempotent(d, "a", http.StatusOK); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := runIdempotent(d, "", http.StatusOK); rec.Code != http.StatusOK {
		t.Fatalf("requests without a key pass, got %d", rec.Code)
	}
	if rec := runIdempotent(d, strings.Repeat("x", maxIdemKeyLen+1), http.StatusOK); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long key, got %d", rec.Code)
	}

	runIdempotent(d, "b", http.StatusInternalServerError)
	if rec := runIdempotent(d, "b", http.StatusOK); rec.Code != http.StatusOK {
		t.Fatalf("failed request should release its key, got %d", rec.Code)
	}
}

func TestIdempotencyMiddlewareFailsOpen(t *testing.T) {
	d := newMemDeduper()
	d.err = errors.New("redis down")
	if rec := runIdempotent(d, "a", http.StatusOK); rec.Code != http.StatusOK {
		t.Fatalf("expected request to pass, got %d", rec.Code)
	}
	if rec := runIdempotent(nil, "a", http.StatusOK); rec.Code != http.StatusOK {
		t.Fatalf("expected request to pass without deduper, got %d", rec.Code)
	}
}
