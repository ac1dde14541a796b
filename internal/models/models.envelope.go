// FilePath: internal/models/models.envelope.go
package models

import "encoding/json"

// EnvelopeOK is the envelope code signalling success
const EnvelopeOK = 200

// EnvelopeAuthExpired is the envelope code for an invalid/expired token
const EnvelopeAuthExpired = 401

// Envelope is the uniform response wrapper every backend endpoint uses.
// Data stays raw until the caller supplies a concrete type, so a
// malformed body is rejected once at the transport boundary.
type Envelope struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// OK reports whether the envelope signals success
func (e *Envelope) OK() bool {
	return e.Code == EnvelopeOK
}
