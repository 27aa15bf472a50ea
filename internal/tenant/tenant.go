// Package tenant holds the tenant registry: authentication, per-tenant rate
// and token-quota tracking, and loading tenant records from a JSON file.
package tenant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	rpmWindow = 60 * time.Second
	tpdWindow = 24 * time.Hour
)

// Config is the immutable identity portion of a tenant record. Counter
// state is owned and mutated separately by the Registry.
type Config struct {
	TenantID     string
	APIKeyHashes []string
	RateLimitRPM int
	RateLimitTPD int
	Enabled      bool
}

// NewConfig validates and constructs a Config the way a tenants-file entry
// or a test fixture would.
func NewConfig(tenantID string, apiKeyHashes []string, rateLimitRPM, rateLimitTPD int, enabled bool) (*Config, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant_id must be non-empty")
	}
	for _, h := range apiKeyHashes {
		if len(h) != 64 || !isHex(h) {
			return nil, fmt.Errorf("api_keys must contain valid SHA-256 hex digests")
		}
	}
	if rateLimitRPM < 0 {
		return nil, fmt.Errorf("rate_limit_rpm must be >= 0")
	}
	if rateLimitTPD < 0 {
		return nil, fmt.Errorf("rate_limit_tpd must be >= 0")
	}
	return &Config{
		TenantID:     tenantID,
		APIKeyHashes: apiKeyHashes,
		RateLimitRPM: rateLimitRPM,
		RateLimitTPD: rateLimitTPD,
		Enabled:      enabled,
	}, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// compareFn is the hookable constant-time equality primitive. Tests may
// replace Registry.compare to observe that it was invoked.
type compareFn func(a, b string) bool

// constantTimeEqual is the default compareFn, grounded in crypto/subtle.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type counters struct {
	mu             sync.Mutex
	rpmWindowStart time.Time
	rpmCount       int
	tpdWindowStart time.Time
	tpdCount       int
}

// Registry holds tenant records and their rate/quota counters. All
// read-modify-write sequences are serialized per tenant.
type Registry struct {
	mu       sync.RWMutex
	tenants  map[string]*Config
	counters map[string]*counters
	now      func() time.Time
	compare  compareFn
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the registry's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithComparator overrides the constant-time equality primitive used by
// Authenticate, so a test can observe invocation.
func WithComparator(cmp func(a, b string) bool) Option {
	return func(r *Registry) { r.compare = cmp }
}

// New builds a Registry from a snapshot of tenant configs.
func New(tenants map[string]*Config, opts ...Option) *Registry {
	r := &Registry{
		tenants:  make(map[string]*Config, len(tenants)),
		counters: make(map[string]*counters, len(tenants)),
		now:      time.Now,
		compare:  constantTimeEqual,
	}
	for id, cfg := range tenants {
		r.tenants[id] = cfg
		r.counters[id] = &counters{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authenticate resolves a bearer token to an enabled tenant. It hashes the
// token once, then scans every enabled tenant's key hashes using the
// constant-time comparator, traversing all enabled tenants even after a
// match is found, to resist timing-based enumeration.
func (r *Registry) Authenticate(token string) *Config {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	hash := HashAPIKey(token)

	r.mu.RLock()
	ids := make([]string, 0, len(r.tenants))
	for id, cfg := range r.tenants {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var matched *Config
	for _, id := range ids {
		cfg := r.tenants[id]
		tenantMatched := false
		for _, stored := range cfg.APIKeyHashes {
			if r.compare(hash, stored) {
				tenantMatched = true
			}
		}
		if tenantMatched && matched == nil {
			matched = cfg
		}
	}
	r.mu.RUnlock()
	return matched
}

// Get returns the tenant config for id, or nil if unknown.
func (r *Registry) Get(id string) *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[id]
}

// Tenants returns a snapshot copy of the tenant map; mutating it does not
// affect the registry.
func (r *Registry) Tenants() map[string]*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Config, len(r.tenants))
	for id, cfg := range r.tenants {
		out[id] = cfg
	}
	return out
}

func (r *Registry) lookup(tenantID string) (*Config, *counters) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return cfg, r.counters[tenantID]
}

// CheckRateLimit admits or rejects a request for tenantID, consuming one
// unit of RPM budget on admission. The window-reset, threshold-compare, and
// increment sequence is a single critical section per tenant.
func (r *Registry) CheckRateLimit(tenantID string) bool {
	cfg, cs := r.lookup(tenantID)
	if cfg == nil || !cfg.Enabled {
		return false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := r.now()

	if cfg.RateLimitRPM != 0 {
		if now.Sub(cs.rpmWindowStart) >= rpmWindow {
			cs.rpmWindowStart = now
			cs.rpmCount = 0
		}
		if cs.rpmCount >= cfg.RateLimitRPM {
			return false
		}
	}

	if cfg.RateLimitTPD != 0 {
		if now.Sub(cs.tpdWindowStart) >= tpdWindow {
			cs.tpdWindowStart = now
			cs.tpdCount = 0
		}
		if cs.tpdCount >= cfg.RateLimitTPD {
			return false
		}
	}

	cs.rpmCount++
	return true
}

// RecordUsage applies tokens to tenantID's TPD counter post-response. It is
// a no-op for unknown, disabled, or TPD-unlimited tenants.
func (r *Registry) RecordUsage(tenantID string, tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("tokens must be >= 0")
	}
	cfg, cs := r.lookup(tenantID)
	if cfg == nil || !cfg.Enabled || cfg.RateLimitTPD == 0 {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := r.now()
	if now.Sub(cs.tpdWindowStart) >= tpdWindow {
		cs.tpdWindowStart = now
		cs.tpdCount = 0
	}
	cs.tpdCount += tokens
	return nil
}

// RPMRemaining returns the remaining RPM budget: nil for unlimited, 0 for
// unknown/disabled tenants, else the budget left in the current window.
func (r *Registry) RPMRemaining(tenantID string) *int {
	cfg, cs := r.lookup(tenantID)
	if cfg == nil || !cfg.Enabled {
		return intPtr(0)
	}
	if cfg.RateLimitRPM == 0 {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := r.now()
	if now.Sub(cs.rpmWindowStart) >= rpmWindow {
		cs.rpmWindowStart = now
		cs.rpmCount = 0
	}
	remaining := cfg.RateLimitRPM - cs.rpmCount
	if remaining < 0 {
		remaining = 0
	}
	return intPtr(remaining)
}

// TPDRemaining returns the remaining TPD budget: nil for unlimited, 0 for
// unknown/disabled tenants, else the budget left in the current window.
func (r *Registry) TPDRemaining(tenantID string) *int {
	cfg, cs := r.lookup(tenantID)
	if cfg == nil || !cfg.Enabled {
		return intPtr(0)
	}
	if cfg.RateLimitTPD == 0 {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := r.now()
	if now.Sub(cs.tpdWindowStart) >= tpdWindow {
		cs.tpdWindowStart = now
		cs.tpdCount = 0
	}
	remaining := cfg.RateLimitTPD - cs.tpdCount
	if remaining < 0 {
		remaining = 0
	}
	return intPtr(remaining)
}

func intPtr(v int) *int { return &v }

// wireEntry mirrors one element of the tenants file's "tenants" array, using
// `any` for fields whose type must be validated rather than assumed.
type wireEntry struct {
	TenantID     any `json:"tenant_id"`
	APIKeyHashes any `json:"api_key_hashes"`
	RateLimitRPM any `json:"rate_limit_rpm"`
	RateLimitTPD any `json:"rate_limit_tpd"`
	Enabled      any `json:"enabled"`
}

type wireFile struct {
	Tenants []json.RawMessage `json:"tenants"`
}

// Load parses a tenants file: {"tenants": [{tenant_id, api_key_hashes,
// rate_limit_rpm, rate_limit_tpd, enabled}, ...]}.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wf wireFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parsing tenants file: %w", err)
	}

	tenants := make(map[string]*Config, len(wf.Tenants))
	for _, rawEntry := range wf.Tenants {
		var probe any
		if err := json.Unmarshal(rawEntry, &probe); err != nil {
			return nil, fmt.Errorf("parsing tenant entry: %w", err)
		}
		if _, ok := probe.(map[string]any); !ok {
			return nil, fmt.Errorf("Each tenant entry must be an object")
		}

		var we wireEntry
		if err := json.Unmarshal(rawEntry, &we); err != nil {
			return nil, fmt.Errorf("parsing tenant entry: %w", err)
		}

		tenantID, ok := we.TenantID.(string)
		if !ok {
			return nil, fmt.Errorf("tenant_id must be a string")
		}

		hashes, err := asStringSlice(we.APIKeyHashes)
		if err != nil {
			return nil, fmt.Errorf("api_key_hashes %w", err)
		}

		rpm, err := asInt(we.RateLimitRPM)
		if err != nil {
			return nil, fmt.Errorf("rate_limit_rpm must be an int")
		}
		tpd, err := asInt(we.RateLimitTPD)
		if err != nil {
			return nil, fmt.Errorf("rate_limit_tpd must be an int")
		}
		enabled, ok := we.Enabled.(bool)
		if !ok {
			return nil, fmt.Errorf("enabled must be a bool")
		}

		cfg, err := NewConfig(tenantID, hashes, rpm, tpd, enabled)
		if err != nil {
			return nil, err
		}
		if _, exists := tenants[tenantID]; exists {
			return nil, fmt.Errorf("Duplicate tenant_id: %s", tenantID)
		}
		tenants[tenantID] = cfg
	}

	return New(tenants), nil
}

func asStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("must contain strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func asInt(v any) (int, error) {
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("not an int")
	}
	return int(f), nil
}
