package tenant

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustConfig(t *testing.T, id string, keys []string, rpm, tpd int, enabled bool) *Config {
	t.Helper()
	cfg, err := NewConfig(id, keys, rpm, tpd, enabled)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func TestTenantConfigValidation(t *testing.T) {
	if _, err := NewConfig("default", []string{HashAPIKey("test-api-key")}, 60, 1000, true); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if _, err := NewConfig("", []string{HashAPIKey("test-api-key")}, 1, 1, true); err == nil {
		t.Error("expected error for empty tenant_id")
	}
	if _, err := NewConfig("t1", []string{"not-a-sha"}, 1, 1, true); err == nil {
		t.Error("expected error for malformed api key hash")
	}
	if _, err := NewConfig("t1", []string{HashAPIKey("k")}, -1, 1, true); err == nil {
		t.Error("expected error for negative rate_limit_rpm")
	}
}

func TestTenantConfigWhitespaceOnlyTenantID(t *testing.T) {
	_, err := NewConfig("   ", []string{HashAPIKey("k")}, 0, 0, true)
	assertContains(t, err, "tenant_id must be non-empty")
}

func TestTenantConfigNegativeRateLimitTPD(t *testing.T) {
	_, err := NewConfig("t1", []string{HashAPIKey("k")}, 0, -1, true)
	assertContains(t, err, "rate_limit_tpd must be >= 0")
}

func TestKeyHashingAndVerification(t *testing.T) {
	tenant := mustConfig(t, "default", []string{HashAPIKey("test-api-key")}, 0, 0, true)
	registry := New(map[string]*Config{"default": tenant})

	if got := registry.Authenticate("test-api-key"); got != tenant {
		t.Errorf("Authenticate(valid) = %v, want %v", got, tenant)
	}
	if got := registry.Authenticate("wrong"); got != nil {
		t.Errorf("Authenticate(wrong) = %v, want nil", got)
	}
}

func TestConstantTimeComparisonIsUsed(t *testing.T) {
	var calls int
	tenant := mustConfig(t, "default", []string{HashAPIKey("test-api-key")}, 0, 0, true)
	registry := New(map[string]*Config{"default": tenant}, WithComparator(func(a, b string) bool {
		calls++
		return a == b
	}))

	if registry.Authenticate("wrong") != nil {
		t.Fatal("expected no match")
	}
	if calls == 0 {
		t.Error("expected the comparator hook to be invoked")
	}
}

func TestDisabledTenantRejected(t *testing.T) {
	tenant := mustConfig(t, "disabled", []string{HashAPIKey("test-api-key")}, 0, 0, false)
	registry := New(map[string]*Config{"disabled": tenant})
	if registry.Authenticate("test-api-key") != nil {
		t.Error("disabled tenant should never authenticate")
	}
}

func TestMultipleKeysPerTenantRotationSupport(t *testing.T) {
	tenant := mustConfig(t, "default", []string{HashAPIKey("old-key"), HashAPIKey("new-key")}, 0, 0, true)
	registry := New(map[string]*Config{"default": tenant})
	if registry.Authenticate("old-key") != tenant {
		t.Error("old key should still authenticate")
	}
	if registry.Authenticate("new-key") != tenant {
		t.Error("new key should authenticate")
	}
}

func TestRateLimitTrackingAndEnforcement(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	tenant := mustConfig(t, "default", []string{HashAPIKey("k")}, 2, 0, true)
	registry := New(map[string]*Config{"default": tenant}, WithClock(clock))

	if !registry.CheckRateLimit("default") {
		t.Error("1st call should admit")
	}
	if !registry.CheckRateLimit("default") {
		t.Error("2nd call should admit")
	}
	if registry.CheckRateLimit("default") {
		t.Error("3rd call should be rejected")
	}

	if r := registry.RPMRemaining("default"); r == nil || *r != 0 {
		t.Errorf("RPMRemaining = %v, want 0", r)
	}

	now = time.Unix(61, 0)
	if !registry.CheckRateLimit("default") {
		t.Error("call after window reset should admit")
	}
}

func TestRateLimitWindowReset(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	tenant := mustConfig(t, "default", []string{HashAPIKey("k")}, 1, 0, true)
	registry := New(map[string]*Config{"default": tenant}, WithClock(clock))

	if !registry.CheckRateLimit("default") {
		t.Fatal("first call should admit")
	}
	if registry.CheckRateLimit("default") {
		t.Fatal("second call within window should be rejected")
	}

	now = time.Unix(60, 100*int64(time.Millisecond))
	if !registry.CheckRateLimit("default") {
		t.Fatal("call after window reset should admit")
	}
}

func TestTokensPerDayTrackingAndReset(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	tenant := mustConfig(t, "default", []string{HashAPIKey("k")}, 0, 10, true)
	registry := New(map[string]*Config{"default": tenant}, WithClock(clock))

	if !registry.CheckRateLimit("default") {
		t.Fatal("expected admission")
	}
	if r := registry.TPDRemaining("default"); r == nil || *r != 10 {
		t.Fatalf("TPDRemaining = %v, want 10", r)
	}

	registry.RecordUsage("default", 7)
	if r := registry.TPDRemaining("default"); r == nil || *r != 3 {
		t.Fatalf("TPDRemaining = %v, want 3", r)
	}
	if !registry.CheckRateLimit("default") {
		t.Fatal("expected admission with budget remaining")
	}

	registry.RecordUsage("default", 3)
	if r := registry.TPDRemaining("default"); r == nil || *r != 0 {
		t.Fatalf("TPDRemaining = %v, want 0", r)
	}
	if registry.CheckRateLimit("default") {
		t.Fatal("expected rejection with budget exhausted")
	}

	now = time.Unix(86400, 100*int64(time.Millisecond))
	if !registry.CheckRateLimit("default") {
		t.Fatal("expected admission after TPD window reset")
	}
	if r := registry.TPDRemaining("default"); r == nil || *r != 10 {
		t.Fatalf("TPDRemaining after reset = %v, want 10", r)
	}
}

func TestRecordUsageNegativeTokensRaises(t *testing.T) {
	tenant := mustConfig(t, "default", []string{HashAPIKey("k")}, 0, 10, true)
	registry := New(map[string]*Config{"default": tenant})
	if err := registry.RecordUsage("default", -1); err == nil {
		t.Error("expected error for negative tokens")
	}
}

func TestAuthenticateEmptyToken(t *testing.T) {
	tenant := mustConfig(t, "default", []string{HashAPIKey("k")}, 0, 0, true)
	registry := New(map[string]*Config{"default": tenant})
	if registry.Authenticate("") != nil {
		t.Error("empty token should not authenticate")
	}
	if registry.Authenticate("   ") != nil {
		t.Error("whitespace-only token should not authenticate")
	}
}

func TestRPMTPDRemainingUnknownAndDisabled(t *testing.T) {
	registry := New(map[string]*Config{})
	if r := registry.RPMRemaining("unknown"); r == nil || *r != 0 {
		t.Errorf("RPMRemaining(unknown) = %v, want 0", r)
	}
	if r := registry.TPDRemaining("unknown"); r == nil || *r != 0 {
		t.Errorf("TPDRemaining(unknown) = %v, want 0", r)
	}

	disabledRPM := mustConfig(t, "disabled", []string{HashAPIKey("k")}, 100, 0, false)
	reg2 := New(map[string]*Config{"disabled": disabledRPM})
	if r := reg2.RPMRemaining("disabled"); r == nil || *r != 0 {
		t.Errorf("RPMRemaining(disabled) = %v, want 0", r)
	}

	disabledTPD := mustConfig(t, "disabled", []string{HashAPIKey("k")}, 0, 1000, false)
	reg3 := New(map[string]*Config{"disabled": disabledTPD})
	if r := reg3.TPDRemaining("disabled"); r == nil || *r != 0 {
		t.Errorf("TPDRemaining(disabled) = %v, want 0", r)
	}
}

func TestCheckRateLimitUnknownTenant(t *testing.T) {
	registry := New(map[string]*Config{})
	if registry.CheckRateLimit("unknown") {
		t.Error("unknown tenant should never be admitted")
	}
}

func TestRecordUsageUnknownAndDisabledTenant(t *testing.T) {
	registry := New(map[string]*Config{})
	if err := registry.RecordUsage("unknown", 100); err != nil {
		t.Errorf("RecordUsage(unknown) should be a no-op, got %v", err)
	}

	disabled := mustConfig(t, "disabled", []string{HashAPIKey("k")}, 0, 1000, false)
	reg2 := New(map[string]*Config{"disabled": disabled})
	if err := reg2.RecordUsage("disabled", 100); err != nil {
		t.Errorf("RecordUsage(disabled) should be a no-op, got %v", err)
	}
}

func TestRecordUsageTPDDisabled(t *testing.T) {
	tenant := mustConfig(t, "t1", []string{HashAPIKey("k")}, 0, 0, true)
	registry := New(map[string]*Config{"t1": tenant})
	if err := registry.RecordUsage("t1", 100); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if r := registry.TPDRemaining("t1"); r != nil {
		t.Errorf("TPDRemaining with tpd=0 = %v, want nil (unlimited)", r)
	}
}

func TestGetMethod(t *testing.T) {
	tenant := mustConfig(t, "t1", []string{HashAPIKey("k")}, 0, 0, true)
	registry := New(map[string]*Config{"t1": tenant})
	if registry.Get("t1") != tenant {
		t.Error("Get(t1) should return the tenant")
	}
	if registry.Get("unknown") != nil {
		t.Error("Get(unknown) should return nil")
	}
}

func TestTenantsReturnsCopy(t *testing.T) {
	tenant := mustConfig(t, "t1", []string{HashAPIKey("k")}, 0, 0, true)
	registry := New(map[string]*Config{"t1": tenant})
	snap := registry.Tenants()
	snap["t2"] = tenant
	if _, ok := registry.Tenants()["t2"]; ok {
		t.Error("mutating the snapshot should not affect the registry")
	}
}

func TestRPMAndTPDRemainingUnlimited(t *testing.T) {
	tenant := mustConfig(t, "t1", []string{HashAPIKey("k")}, 0, 0, true)
	registry := New(map[string]*Config{"t1": tenant})
	if r := registry.RPMRemaining("t1"); r != nil {
		t.Errorf("RPMRemaining unlimited = %v, want nil", r)
	}
	if r := registry.TPDRemaining("t1"); r != nil {
		t.Errorf("TPDRemaining unlimited = %v, want nil", r)
	}
}

func TestLoadValidAndInvalidJSON(t *testing.T) {
	dir := t.TempDir()

	good := map[string]any{
		"tenants": []map[string]any{
			{
				"tenant_id":      "default",
				"api_key_hashes": []string{HashAPIKey("test-api-key")},
				"rate_limit_rpm": 60,
				"rate_limit_tpd": 1000,
				"enabled":        true,
			},
		},
	}
	goodPath := filepath.Join(dir, "tenants.json")
	raw, _ := json.Marshal(good)
	if err := os.WriteFile(goodPath, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	registry, err := Load(goodPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if registry.Get("default") == nil {
		t.Error("expected default tenant to be loaded")
	}

	badPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(badPath); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestLoadEntryNotDict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	raw, _ := json.Marshal(map[string]any{"tenants": []any{"not-a-dict"}})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := Load(path)
	assertContains(t, err, "Each tenant entry must be an object")
}

func TestLoadRateLimitRPMNotInt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	raw, _ := json.Marshal(map[string]any{
		"tenants": []map[string]any{
			{
				"tenant_id":      "t1",
				"api_key_hashes": []string{HashAPIKey("k")},
				"rate_limit_rpm": "not-an-int",
				"rate_limit_tpd": 0,
				"enabled":        true,
			},
		},
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := Load(path)
	assertContains(t, err, "rate_limit_rpm must be an int")
}

func TestLoadEnabledNotBool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	raw, _ := json.Marshal(map[string]any{
		"tenants": []map[string]any{
			{
				"tenant_id":      "t1",
				"api_key_hashes": []string{HashAPIKey("k")},
				"rate_limit_rpm": 0,
				"rate_limit_tpd": 0,
				"enabled":        "yes",
			},
		},
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := Load(path)
	assertContains(t, err, "enabled must be a bool")
}

func TestLoadDuplicateTenantID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	raw, _ := json.Marshal(map[string]any{
		"tenants": []map[string]any{
			{"tenant_id": "duplicate", "api_key_hashes": []string{HashAPIKey("k1")}, "rate_limit_rpm": 0, "rate_limit_tpd": 0, "enabled": true},
			{"tenant_id": "duplicate", "api_key_hashes": []string{HashAPIKey("k2")}, "rate_limit_rpm": 0, "rate_limit_tpd": 0, "enabled": true},
		},
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := Load(path)
	assertContains(t, err, "Duplicate tenant_id")
}

func assertContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}
