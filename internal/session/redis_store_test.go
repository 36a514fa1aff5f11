package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client), mr
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash1", "user-a", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	userID, err := s.LookupRefreshSession(ctx, "hash1")
	if err != nil {
		t.Fatalf("LookupRefreshSession: %v", err)
	}
	if userID != "user-a" {
		t.Fatalf("userID = %q, want user-a", userID)
	}
}

func TestLookupUnknownTokenReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.LookupRefreshSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExpiredTokenIsGone(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash2", "user-b", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := s.LookupRefreshSession(ctx, "hash2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.SaveRefreshSession(context.Background(), "hash3", "user-c", time.Now().Add(-time.Second))
	if err == nil {
		t.Fatal("expected error for already-expired session")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash4", "user-d", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}
	if err := s.RevokeRefreshSession(ctx, "hash4"); err != nil {
		t.Fatalf("RevokeRefreshSession: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after revoke", err)
	}
}

func TestAccessTokenRevocation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("fresh jti should not be revoked (revoked=%v err=%v)", revoked, err)
	}

	if err := s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}
	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("jti should be revoked (revoked=%v err=%v)", revoked, err)
	}

	// The blocklist entry lapses with the token itself.
	mr.FastForward(2 * time.Minute)
	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("revocation should expire with the token (revoked=%v err=%v)", revoked, err)
	}
}
