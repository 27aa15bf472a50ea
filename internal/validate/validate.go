// Package validate implements the fixed-order request validation described
// in the gateway's request contract: shape checks first, then
// policy-governed checks, first failure wins.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zeroveil/gateway/internal/apierr"
	"github.com/zeroveil/gateway/internal/policy"
)

// Message is one chat message in the incoming request body.
type Message struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// Metadata carries the scrubbed-PII attestation and any additional
// client-supplied fields, none of which are inspected beyond Scrubbed.
type Metadata struct {
	Scrubbed *bool `json:"scrubbed"`
}

// Request is the parsed body of POST /v1/chat/completions.
type Request struct {
	Model    *string   `json:"model"`
	Messages []Message `json:"messages"`
	ZDROnly  *bool     `json:"zdr_only"`
	Metadata *Metadata `json:"metadata"`
}

var allowedRoles = []string{"system", "user", "assistant", "tool", "function"}

func isAllowedRole(role string) bool {
	for _, r := range allowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Check runs the fixed validation order against req under pol and returns
// the first violation encountered, or nil when the request is admissible.
func Check(req *Request, pol *policy.Policy) *apierr.Error {
	if len(req.Messages) == 0 {
		return apierr.InvalidRequest("messages must be non-empty", nil)
	}

	for i, m := range req.Messages {
		if !isAllowedRole(m.Role) {
			return apierr.InvalidRequest("disallowed message role", map[string]any{
				"field":   field("messages[%d].role", i),
				"value":   m.Role,
				"allowed": allowedRoles,
			})
		}
		if m.Content == nil {
			return apierr.InvalidRequest("message content must be a non-null string", map[string]any{
				"field": field("messages[%d].content", i),
			})
		}
		if strings.ContainsRune(*m.Content, '\x00') {
			return apierr.InvalidRequest("message content must not contain NUL bytes", map[string]any{
				"field": field("messages[%d].content", i),
			})
		}
	}

	if len(req.Messages) > pol.MaxMessages {
		return apierr.PolicyDenied("too many messages", map[string]any{
			"field": "messages",
			"limit": pol.MaxMessages,
		})
	}

	for i, m := range req.Messages {
		if utf8.RuneCountInString(*m.Content) > pol.MaxCharsPerMessage {
			return apierr.PolicyDenied("message exceeds the configured character limit", map[string]any{
				"field": field("messages[%d].content", i),
				"index": i,
				"limit": pol.MaxCharsPerMessage,
			})
		}
	}

	if pol.EnforceZDROnly && (req.ZDROnly == nil || !*req.ZDROnly) {
		return apierr.PolicyDenied("zero-data-retention attestation required", map[string]any{
			"field": "zdr_only",
		})
	}

	scrubbed := req.Metadata != nil && req.Metadata.Scrubbed != nil && *req.Metadata.Scrubbed
	if pol.RequireScrubbedAttestation && !scrubbed {
		return apierr.PolicyDenied("scrubbed-PII attestation required", map[string]any{
			"field": "metadata.scrubbed",
		})
	}

	if req.Model != nil && !pol.ModelAllowed(*req.Model) {
		return apierr.PolicyDenied("model not allowed by policy", map[string]any{
			"field":   "model",
			"value":   *req.Model,
			"allowed": pol.AllowedModels,
		})
	}

	return nil
}

func field(format string, index int) string {
	return fmt.Sprintf(format, index)
}
