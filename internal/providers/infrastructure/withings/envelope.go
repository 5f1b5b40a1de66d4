// Package withings reads body composition, heart rate, activity and sleep
// summaries from the Withings public API and implements its non-standard
// OAuth token exchange.
package withings

import (
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// DefaultBaseURL is the Withings API root.
const DefaultBaseURL = "https://wbsapi.withings.net"

// Withings answers HTTP 200 and reports failures in the envelope status.
const (
	statusOK           = 0
	statusInvalidToken = 401
	statusRateLimited  = 601
)

// authFailureStatuses are the envelope statuses Withings documents as
// "authentication failed".
var authFailureStatuses = map[int]bool{100: true, 101: true, 102: true, 200: true, statusInvalidToken: true}

type envelope struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
	Error  string          `json:"error"`
}

// decodeEnvelope maps the envelope status to the fetcher error contract and
// decodes the body into v.
func decodeEnvelope(raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode withings envelope: %w", err)
	}
	switch {
	case env.Status == statusOK:
	case authFailureStatuses[env.Status]:
		return fmt.Errorf("%w: withings status %d", application.ErrTokenInvalid, env.Status)
	case env.Status == statusRateLimited:
		return &application.RateLimitError{Provider: providers.ProviderWithings}
	default:
		return &application.StatusError{Provider: providers.ProviderWithings, Status: env.Status, Body: env.Error}
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("decode withings body: %w", err)
	}
	return nil
}
