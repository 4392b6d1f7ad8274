package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

func TestJWKSCache_UnknownKidCooldown(t *testing.T) {
	key := newRSAKey(t)
	var hits atomic.Int32
	srv := newJWKSServer(t, map[string]*rsa.PrivateKey{testKid: key}, &hits)
	defer srv.Close()

	cache := newJWKSCache(srv.URL, DefaultJWKSTTL, nil)
	ctx := context.Background()

	if _, err := cache.Key(ctx, testKid); err != nil {
		t.Fatalf("expected known kid to resolve, got: %v", err)
	}
	fetchesAfterWarm := hits.Load()

	// First miss on a fresh key set forces one refresh.
	_, err := cache.Key(ctx, "rotated-away")
	expectKind(t, err, KindUnknownKey)
	if n := hits.Load(); n != fetchesAfterWarm+1 {
		t.Errorf("expected exactly one forced refresh, got %d extra", n-fetchesAfterWarm)
	}

	// A second miss inside the cooldown fails fast without another fetch.
	_, err = cache.Key(ctx, "rotated-away")
	expectKind(t, err, KindUnknownKey)
	if n := hits.Load(); n != fetchesAfterWarm+1 {
		t.Errorf("expected no fetch inside cooldown, got %d extra", n-fetchesAfterWarm)
	}
}

func TestJWKSCache_PicksUpRotatedKey(t *testing.T) {
	oldKey := newRSAKey(t)
	newKey := newRSAKey(t)

	var current atomic.Pointer[jose.JSONWebKeySet]
	serve := func(kid string, key *rsa.PrivateKey) {
		current.Store(&jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"},
		}})
	}
	serve("old-kid", oldKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(current.Load())
	}))
	defer srv.Close()

	cache := newJWKSCache(srv.URL, DefaultJWKSTTL, nil)
	ctx := context.Background()
	if _, err := cache.Key(ctx, "old-kid"); err != nil {
		t.Fatalf("expected old kid to resolve, got: %v", err)
	}

	// The IDP rotates. The unknown kid triggers a forced refresh which finds
	// the new key.
	serve("new-kid", newKey)
	if _, err := cache.Key(ctx, "new-kid"); err != nil {
		t.Fatalf("expected rotated kid to resolve after refresh, got: %v", err)
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := newJWKSCache(srv.URL, DefaultJWKSTTL, nil)
	_, err := cache.Key(context.Background(), testKid)
	expectKind(t, err, KindJWKSUnavailable)
	if cache.Ready() {
		t.Error("cache must not report ready after a failed fetch")
	}
}

func TestJWKSCache_NotModified(t *testing.T) {
	key := newRSAKey(t)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &key.PublicKey, KeyID: testKid, Algorithm: "RS256", Use: "sig"},
	}}

	var conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	cache := newJWKSCache(srv.URL, DefaultJWKSTTL, nil)
	ctx := context.Background()
	if err := cache.refresh(ctx); err != nil {
		t.Fatalf("initial fetch failed: %v", err)
	}
	if err := cache.refresh(ctx); err != nil {
		t.Fatalf("conditional refresh failed: %v", err)
	}
	if conditional.Load() != 1 {
		t.Errorf("expected one conditional request, got %d", conditional.Load())
	}
	// Keys from the first fetch survive the 304.
	if _, err := cache.Key(ctx, testKid); err != nil {
		t.Errorf("expected key to survive 304 refresh, got: %v", err)
	}
}

func TestJWKSCache_SkipsNonSignatureKeys(t *testing.T) {
	sigKey := newRSAKey(t)
	encKey := newRSAKey(t)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &sigKey.PublicKey, KeyID: "sig-key", Algorithm: "RS256", Use: "sig"},
		{Key: &encKey.PublicKey, KeyID: "enc-key", Algorithm: "RSA-OAEP", Use: "enc"},
	}}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := keys["sig-key"]; !ok {
		t.Error("expected signature key to be kept")
	}
	if _, ok := keys["enc-key"]; ok {
		t.Error("expected encryption key to be dropped")
	}
}

func TestParseMaxAge(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"max-age=300", 300 * time.Second},
		{"public, max-age=600", 600 * time.Second},
		{"no-store", 0},
		{"", 0},
		{"max-age=-5", 0},
	}
	for _, tc := range cases {
		if got := parseMaxAge(tc.header); got != tc.want {
			t.Errorf("parseMaxAge(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}
