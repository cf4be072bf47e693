// Package classify implements the ErrorClassifier (spec §4.4): it turns a
// raw failure surface — a model provider error, a tool handler error, or a
// structural signal like an empty result — into the tagged
// session.ErrorClassification the BacktrackManager and AdaptiveTerminator
// consume. It is grounded on the teacher's model.ProviderError taxonomy
// (runtime/agent/model/provider_error.go), generalized from "classifies
// Bedrock/Anthropic/OpenAI errors" to "classifies any tool or model
// failure".
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/tools"
)

// Signal describes the raw inputs available when a turn needs a failure
// classified. Exactly the fields relevant to the failing surface are set.
type Signal struct {
	// Err is the Go error returned by the model client or tool handler, if
	// any. May be nil for structural signals (empty/void result).
	Err error

	// TimedOut reports whether the failure was a tool handler exceeding its
	// configured timeout (ctx.DeadlineExceeded on a tool call specifically,
	// as opposed to a model network timeout, which classifies as
	// Infrastructure.network).
	TimedOut bool

	// EmptyResult reports the handler returned a structurally empty/void
	// result with no error.
	EmptyResult bool

	// ValidationFailed reports a post-condition validator rejected an
	// otherwise successful-looking result.
	ValidationFailed bool

	// IntentUnclear reports the model itself signaled it needs
	// clarification ("I need more information to proceed").
	IntentUnclear bool

	// SchemaViolation reports the tool input failed JSON Schema validation.
	SchemaViolation bool
}

// Classify maps a Signal to a session.ErrorClassification per the table in
// spec §4.4. Order of checks matches the table's precedence.
func Classify(ctx context.Context, sig Signal) session.ErrorClassification {
	if sig.SchemaViolation || errors.Is(sig.Err, tools.ErrInvalidInput) {
		return business(session.BusinessBadParam)
	}
	if sig.TimedOut || errors.Is(sig.Err, context.DeadlineExceeded) {
		return infra(session.InfraTimeout, 0)
	}
	if sig.Err != nil {
		if pe, ok := model.AsProviderError(sig.Err); ok {
			return classifyProviderError(pe)
		}
		if isNetworkError(sig.Err) {
			return infra(session.InfraNetwork, 0)
		}
	}
	if sig.EmptyResult {
		return business(session.BusinessEmptyResult)
	}
	if sig.ValidationFailed {
		return business(session.BusinessValidationFailed)
	}
	if sig.IntentUnclear {
		return business(session.BusinessIntentUnclear)
	}
	if sig.Err != nil && isInvalidJSON(sig.Err) {
		return business(session.BusinessBadParam)
	}
	return business(session.BusinessWrongTool)
}

func classifyProviderError(pe *model.ProviderError) session.ErrorClassification {
	switch pe.Kind() {
	case model.ProviderErrorKindRateLimited:
		return infra(session.InfraRateLimit, 0)
	case model.ProviderErrorKindUnavailable:
		if pe.HTTPStatus() >= 500 {
			return infra(session.InfraProvider5xx, 0)
		}
		return infra(session.InfraNetwork, 0)
	case model.ProviderErrorKindInvalidRequest:
		return business(session.BusinessBadParam)
	default:
		return business(session.BusinessWrongTool)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "no such host", "tls handshake", "dial tcp", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isInvalidJSON(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func infra(kind session.InfraKind, retryAfter time.Duration) session.ErrorClassification {
	return session.ErrorClassification{Class: session.ClassInfrastructure, InfraKind: kind, RetryAfter: retryAfter}
}

func business(kind session.BusinessKind) session.ErrorClassification {
	return session.ErrorClassification{Class: session.ClassBusiness, BusinessKind: kind}
}
