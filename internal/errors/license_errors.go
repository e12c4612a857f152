package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails is an RFC 7807 problem document. It is the only error
// body the HTTP surface emits.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	Extensions map[string]any `json:"-"`
}

// Render implements render.Renderer, setting the HTTP status and the
// problem+json media type.
func (p *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, p.Status)
	return nil
}

// WithExtension attaches an extension member to the problem document.
func (p *ProblemDetails) WithExtension(key string, value any) *ProblemDetails {
	if p.Extensions == nil {
		p.Extensions = make(map[string]any)
	}
	p.Extensions[key] = value
	return p
}

// MarshalJSON flattens extension members into the document per RFC 7807 §3.2.
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	type alias ProblemDetails
	base, err := json.Marshal((*alias)(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extensions) == 0 {
		return base, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}
	for k, v := range p.Extensions {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// NewProblem builds a problem document with the standard about:blank type.
func NewProblem(status int, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// MapLicenseError converts a domain error into the problem document the
// activation API contract requires: 409 when the slot limit is hit, 401 when
// verification fails or no activation exists, 400 for malformed keys, 500
// otherwise.
func MapLicenseError(err error, traceID string) *ProblemDetails {
	var p *ProblemDetails
	switch {
	case errors.Is(err, ErrSlotLimitReached):
		p = NewProblem(http.StatusConflict, "License Already Activated",
			"this license is already activated on another device; deactivate it there first")
	case errors.Is(err, ErrVerificationFailed):
		p = NewProblem(http.StatusUnauthorized, "License Verification Failed",
			"the license key could not be verified with the purchase platform")
	case errors.Is(err, ErrActivationNotFound):
		p = NewProblem(http.StatusUnauthorized, "Not Activated",
			"no active license was found for this device")
	case errors.Is(err, ErrTokenExpired):
		p = NewProblem(http.StatusUnauthorized, "Credential Expired",
			"the credential token has expired; renew it with a heartbeat")
	case errors.Is(err, ErrTokenInvalid):
		p = NewProblem(http.StatusUnauthorized, "Credential Invalid",
			"the credential token failed validation")
	case errors.Is(err, ErrGraceExpired):
		p = NewProblem(http.StatusUnauthorized, "Offline Grace Expired",
			"the offline grace period has elapsed; the license must be re-activated")
	case errors.Is(err, ErrInvalidLicenseKey):
		p = NewProblem(http.StatusBadRequest, "Invalid License Key",
			"the submitted license key is not in an acceptable format")
	default:
		p = NewProblem(http.StatusInternalServerError, "Internal Server Error",
			"an unexpected error occurred")
	}
	p.TraceID = traceID
	return p
}
