// Package tokencache caches delegation tokens per session, sealed with
// AES-256-GCM under a per-session key and with the SHA-256 of the subject
// token as associated data. A stolen ciphertext is useless without the exact
// subject token that produced the session, and a refreshed subject token
// lands in a new session, which is how invalidation works.
package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Defaults applied by New when Config leaves fields zero.
const (
	DefaultTTL                  = 5 * time.Minute
	DefaultSessionTimeout       = time.Hour
	DefaultMaxEntriesPerSession = 10
	DefaultMaxTotalEntries      = 10000

	sessionKeyBytes = 32
	nonceBytes      = 12
	entryOverhead   = 64 // rough per-entry bookkeeping for the memory gauge
)

// Config controls the cache. The zero value yields a no-op cache so callers
// never branch on whether caching is enabled.
type Config struct {
	Enabled              bool
	TTL                  time.Duration // ceiling; entries never outlive the token exp
	SessionTimeout       time.Duration
	MaxEntriesPerSession int
	MaxTotalEntries      int

	// Registerer receives the Prometheus collectors; nil disables export.
	Registerer prometheus.Registerer
}

// Cache is the delegation-token cache contract consumed by the
// token-exchange service.
type Cache interface {
	// Activate resolves the subject token to a session id, creating the
	// session record on first use and refreshing its heartbeat otherwise.
	Activate(subjectToken string) string

	// Get returns the plaintext delegation token for (sessionID, audience)
	// when the supplied subject token reconstructs the sealing AAD. Any
	// failure is a miss; decryption errors are never surfaced.
	Get(sessionID, audience, subjectToken string) (string, bool)

	// Put seals and stores a delegation token. Expired tokens are dropped.
	Put(sessionID, audience, subjectToken, plaintext string, exp time.Time)

	// ClearSession removes one session and zeroes its key (logout path).
	ClearSession(sessionID string)

	Stats() Stats
	Close()
}

// New builds a cache from config. Without Enabled it returns the no-op
// implementation.
func New(cfg Config) Cache {
	if !cfg.Enabled {
		return nopCache{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxEntriesPerSession <= 0 {
		cfg.MaxEntriesPerSession = DefaultMaxEntriesPerSession
	}
	if cfg.MaxTotalEntries <= 0 {
		cfg.MaxTotalEntries = DefaultMaxTotalEntries
	}

	c := &encryptedCache{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
		metrics:  newMetrics(cfg.Registerer),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SessionID computes the deterministic session id for a subject token: the
// base64url form of the first 16 bytes of its SHA-256. The full hash is the
// AEAD associated data, so even a contrived prefix collision cannot decrypt
// another session's entries.
func SessionID(subjectToken string) string {
	sum := sha256.Sum256([]byte(subjectToken))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

type entry struct {
	ciphertext []byte // Seal output, auth tag included
	nonce      []byte
	storedAt   time.Time
	expiresAt  time.Time
}

func (e *entry) size() int64 {
	return int64(len(e.ciphertext) + len(e.nonce) + entryOverhead)
}

type sessionRecord struct {
	mu            sync.Mutex
	key           []byte
	lastHeartbeat time.Time
	entries       *lru.Cache[string, *entry] // audience -> entry
}

type encryptedCache struct {
	cfg     Config
	metrics *metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionRecord

	stop chan struct{}
	done chan struct{}
}

func (c *encryptedCache) Activate(subjectToken string) string {
	sid := SessionID(subjectToken)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.sessions[sid]; ok {
		rec.mu.Lock()
		rec.lastHeartbeat = now
		rec.mu.Unlock()
		return sid
	}

	key := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		// No entropy means no cache, never a weaker key.
		log.Error().Err(err).Msg("token cache: session key generation failed")
		return sid
	}

	rec := &sessionRecord{key: key, lastHeartbeat: now}
	entries, _ := lru.NewWithEvict[string, *entry](c.cfg.MaxEntriesPerSession,
		func(_ string, e *entry) {
			c.metrics.eviction()
			c.metrics.entryDelta(-1, -e.size())
		})
	rec.entries = entries
	c.sessions[sid] = rec
	c.metrics.sessionDelta(1)
	return sid
}

func (c *encryptedCache) Put(sessionID, audience, subjectToken, plaintext string, exp time.Time) {
	now := c.now()
	ttl := now.Add(c.cfg.TTL)
	if !exp.IsZero() && exp.Before(ttl) {
		ttl = exp
	}
	if !ttl.After(now) {
		return
	}

	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	if ok && c.metrics.entriesTotal.Load() >= int64(c.cfg.MaxTotalEntries) {
		c.evictColdestSessionLocked(sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	aad := sha256.Sum256([]byte(subjectToken))
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		log.Error().Err(err).Msg("token cache: nonce generation failed")
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	gcm, err := newGCM(rec.key)
	if err != nil {
		log.Error().Err(err).Msg("token cache: cipher construction failed")
		return
	}
	e := &entry{
		ciphertext: gcm.Seal(nil, nonce, []byte(plaintext), aad[:]),
		nonce:      nonce,
		storedAt:   now,
		expiresAt:  ttl,
	}
	// Replacing an audience entry or overflowing the per-session cap both
	// run the evict callback, keeping the counters balanced.
	if _, ok := rec.entries.Peek(audience); ok {
		rec.entries.Remove(audience)
	}
	rec.entries.Add(audience, e)
	c.metrics.entryDelta(1, e.size())
}

func (c *encryptedCache) Get(sessionID, audience, subjectToken string) (string, bool) {
	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		c.metrics.miss()
		return "", false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.lastHeartbeat = c.now()

	e, ok := rec.entries.Get(audience)
	if !ok {
		c.metrics.miss()
		return "", false
	}
	if !e.expiresAt.After(c.now()) {
		rec.entries.Remove(audience)
		c.metrics.miss()
		return "", false
	}

	aad := sha256.Sum256([]byte(subjectToken))
	gcm, err := newGCM(rec.key)
	if err != nil {
		c.metrics.miss()
		return "", false
	}
	plaintext, err := gcm.Open(nil, e.nonce, e.ciphertext, aad[:])
	if err != nil {
		// Wrong subject token, tampered nonce or tampered ciphertext.
		// Fingerprint mismatches evict the entry; the rightful owner's
		// next exchange repopulates it.
		rec.entries.Remove(audience)
		c.metrics.decryptionFailure()
		c.metrics.miss()
		return "", false
	}

	c.metrics.hit()
	return string(plaintext), true
}

func (c *encryptedCache) ClearSession(sessionID string) {
	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.destroySession(rec)
	c.metrics.sessionDelta(-1)
}

func (c *encryptedCache) Stats() Stats { return c.metrics.snapshot() }

// Close stops the sweeper and destroys every session.
func (c *encryptedCache) Close() {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*sessionRecord)
	c.mu.Unlock()

	for _, rec := range sessions {
		c.destroySession(rec)
		c.metrics.sessionDelta(-1)
	}
}

// destroySession purges entries and overwrites the key bytes before the
// record is released.
func (c *encryptedCache) destroySession(rec *sessionRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.entries.Purge()
	for i := range rec.key {
		rec.key[i] = 0
	}
	rec.key = nil
}

// evictColdestSessionLocked frees room under the global cap by dropping the
// session with the oldest heartbeat, never the one being written.
func (c *encryptedCache) evictColdestSessionLocked(exclude string) {
	var coldest string
	var coldestAt time.Time
	for sid, rec := range c.sessions {
		if sid == exclude {
			continue
		}
		rec.mu.Lock()
		hb := rec.lastHeartbeat
		rec.mu.Unlock()
		if coldest == "" || hb.Before(coldestAt) {
			coldest = sid
			coldestAt = hb
		}
	}
	if coldest == "" {
		return
	}
	rec := c.sessions[coldest]
	delete(c.sessions, coldest)
	c.destroySession(rec)
	c.metrics.sessionDelta(-1)
}

// sweepLoop removes sessions whose heartbeat expired. It runs every quarter
// of the session timeout so activations and cleanup cannot starve each other.
func (c *encryptedCache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SessionTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *encryptedCache) sweep() {
	deadline := c.now().Add(-c.cfg.SessionTimeout)

	c.mu.Lock()
	var expired []*sessionRecord
	for sid, rec := range c.sessions {
		rec.mu.Lock()
		stale := rec.lastHeartbeat.Before(deadline)
		rec.mu.Unlock()
		if stale {
			delete(c.sessions, sid)
			expired = append(expired, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range expired {
		c.destroySession(rec)
		c.metrics.sessionDelta(-1)
	}
	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("token cache: swept idle sessions")
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// nopCache is the disabled cache: activation returns a stable dummy id, puts
// discard, gets always miss.
type nopCache struct{}

func (nopCache) Activate(string) string                          { return "cache-disabled" }
func (nopCache) Get(string, string, string) (string, bool)       { return "", false }
func (nopCache) Put(string, string, string, string, time.Time)   {}
func (nopCache) ClearSession(string)                             {}
func (nopCache) Stats() Stats                                    { return Stats{} }
func (nopCache) Close()                                          {}
