// Package policy loads and validates the gateway's immutable enforcement
// policy from a JSON file.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Error is raised when a policy document fails validation. It carries no
// HTTP mapping of its own — policy errors are fatal at startup.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

const (
	loggingModeMetadataOnly = "metadata_only"
	loggingSinkStdout       = "stdout"
	loggingSinkJSONL        = "jsonl"
)

// Retention bounds how the audit sink rotates and prunes.
type Retention struct {
	MaxSizeMB   int `json:"max_size_mb"`
	MaxAgeDays  int `json:"max_age_days"`
	RotateCount int `json:"rotate_count"`
}

// Policy is the immutable, validated configuration governing one gateway
// process. Once loaded it is never mutated and may be shared across
// goroutines without synchronization.
type Policy struct {
	Version                   string
	EnforceZDROnly            bool
	RequireScrubbedAttestation bool
	AllowedProviders          []string
	AllowedModels             []string
	MaxMessages               int
	MaxCharsPerMessage        int
	LoggingMode               string
	LoggingSink               string
	LoggingPath               string
	Retention                 Retention
}

// wireLimits and wireLogging mirror the on-disk nested JSON shape; Policy's
// own fields are flattened for convenient access by the rest of the
// pipeline.
type wireLimits struct {
	MaxMessages        *int `json:"max_messages"`
	MaxCharsPerMessage *int `json:"max_chars_per_message"`
}

type wireLogging struct {
	Mode      *string    `json:"mode"`
	Sink      *string    `json:"sink"`
	Path      *string    `json:"path"`
	Retention *Retention `json:"retention"`
}

type wirePolicy struct {
	Version                    *string      `json:"version"`
	EnforceZDROnly              *bool        `json:"enforce_zdr_only"`
	RequireScrubbedAttestation  *bool        `json:"require_scrubbed_attestation"`
	AllowedProviders            []string     `json:"allowed_providers"`
	AllowedModels               []string     `json:"allowed_models"`
	Limits                      *wireLimits  `json:"limits"`
	Logging                     *wireLogging `json:"logging"`
}

// Load reads and validates a policy document from path. A missing file
// returns the underlying *os.PathError; a malformed or invalid document
// returns *Error.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, newError("policy document is not valid JSON: %v", err)
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, newError("policy document must be a JSON object")
	}

	var wp wirePolicy
	if err := json.Unmarshal(raw, &wp); err != nil {
		return nil, newError("invalid policy document: %v", err)
	}
	return fromWire(wp)
}

func fromWire(wp wirePolicy) (*Policy, error) {
	p := &Policy{
		EnforceZDROnly:             true,
		RequireScrubbedAttestation: true,
		AllowedModels:              []string{"*"},
		MaxMessages:                50,
		MaxCharsPerMessage:         16000,
		LoggingMode:                loggingModeMetadataOnly,
		LoggingSink:                loggingSinkStdout,
	}

	if wp.Version != nil {
		p.Version = *wp.Version
	}
	if wp.EnforceZDROnly != nil {
		p.EnforceZDROnly = *wp.EnforceZDROnly
	}
	if wp.RequireScrubbedAttestation != nil {
		p.RequireScrubbedAttestation = *wp.RequireScrubbedAttestation
	}
	if len(wp.AllowedProviders) == 0 {
		return nil, newError("allowed_providers must be non-empty")
	}
	p.AllowedProviders = wp.AllowedProviders
	if len(wp.AllowedModels) > 0 {
		p.AllowedModels = wp.AllowedModels
	}

	if wp.Limits != nil {
		if wp.Limits.MaxMessages != nil {
			p.MaxMessages = *wp.Limits.MaxMessages
		}
		if wp.Limits.MaxCharsPerMessage != nil {
			p.MaxCharsPerMessage = *wp.Limits.MaxCharsPerMessage
		}
	}

	if wp.Logging != nil {
		if wp.Logging.Mode != nil {
			p.LoggingMode = *wp.Logging.Mode
		}
		if wp.Logging.Sink != nil {
			p.LoggingSink = *wp.Logging.Sink
		}
		if wp.Logging.Path != nil {
			p.LoggingPath = *wp.Logging.Path
		}
		if wp.Logging.Retention != nil {
			p.Retention = *wp.Logging.Retention
		}
	}

	if p.LoggingMode != loggingModeMetadataOnly {
		return nil, newError("Unsupported logging.mode: %s", p.LoggingMode)
	}
	if p.LoggingSink != loggingSinkStdout && p.LoggingSink != loggingSinkJSONL {
		return nil, newError("Unsupported logging.sink: %s", p.LoggingSink)
	}
	if p.LoggingSink == loggingSinkJSONL && p.LoggingPath == "" {
		return nil, newError("logging.path required when logging.sink is jsonl")
	}
	if p.Retention.MaxSizeMB < 0 {
		return nil, newError("max_size_mb must be >= 0")
	}
	if p.Retention.MaxAgeDays < 0 {
		return nil, newError("max_age_days must be >= 0")
	}
	if p.Retention.RotateCount < 0 {
		return nil, newError("rotate_count must be >= 0")
	}

	return p, nil
}

// AllowsAllModels reports whether the policy's model allowlist is the
// wildcard sentinel ["*"].
func (p *Policy) AllowsAllModels() bool {
	return len(p.AllowedModels) == 1 && p.AllowedModels[0] == "*"
}

// ModelAllowed reports whether model is permitted by the policy.
func (p *Policy) ModelAllowed(model string) bool {
	if p.AllowsAllModels() {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
