package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Serial domain errors (sentinels, compared with errors.Is)
var (
	ErrInvalidPayload     = errors.New("invalid serial payload")
	ErrChecksumMismatch   = errors.New("serial checksum mismatch")
	ErrMalformedLength    = errors.New("malformed serial length")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrUnsupportedVersion = errors.New("unsupported artifact version")
	ErrSerialNotFound     = errors.New("serial not found")
	ErrSerialExpired      = errors.New("serial expired")
	ErrSerialRevoked      = errors.New("serial revoked")
	ErrQuotaExceeded      = errors.New("activation quota exceeded")
	ErrLockTimeout        = errors.New("serial lock timeout")
	ErrClientNotFound     = errors.New("client not found")

	ErrClientInactive      = errors.New("client inactive")
	ErrClientNumberTaken   = errors.New("client number already assigned")
	ErrSerialSuperseded    = errors.New("serial superseded by renewal")
	ErrSignatureInvalid    = errors.New("serial signature invalid")
	ErrRenewalNotLater     = errors.New("renewal expiration must be later than current expiration")
	ErrDemoSerialImmutable = errors.New("demo serial cannot be modified")
	ErrUsageNotFound       = errors.New("usage record not found")
	ErrSerialNumberTaken   = errors.New("serial number already issued")
	ErrInvalidDevice       = errors.New("invalid device identifier")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

type serialProblem struct {
	sentinel error
	status   int
	slug     string
	title    string
	detail   string
	code     string
}

// Ordered: the first matching sentinel wins, so wrapped chains that carry
// both ErrDecryptionFailed and ErrUnsupportedVersion map to the former.
var serialProblems = []serialProblem{
	{ErrMalformedLength, http.StatusBadRequest, "malformed-serial", "Malformed Serial", "The serial number has the wrong length.", "MALFORMED_LENGTH"},
	{ErrChecksumMismatch, http.StatusBadRequest, "checksum-mismatch", "Checksum Mismatch", "The serial number failed its integrity check.", "CHECKSUM_MISMATCH"},
	{ErrInvalidDevice, http.StatusBadRequest, "invalid-device", "Invalid Device", "The device identifier is missing or malformed.", "INVALID_DEVICE"},
	{ErrInvalidPayload, http.StatusBadRequest, "invalid-payload", "Invalid Serial Payload", "The serial payload is out of range.", "INVALID_PAYLOAD"},
	{ErrDecryptionFailed, http.StatusBadRequest, "decryption-failed", "Decryption Failed", "The protected serial data could not be read.", "DECRYPTION_FAILED"},
	{ErrUnsupportedVersion, http.StatusBadRequest, "unsupported-version", "Unsupported Version", "The artifact version is not supported.", "UNSUPPORTED_VERSION"},
	{ErrSignatureInvalid, http.StatusBadRequest, "signature-invalid", "Signature Invalid", "The serial signature could not be verified.", "SIGNATURE_INVALID"},
	{ErrSerialNotFound, http.StatusNotFound, "serial-not-found", "Serial Not Found", "No serial matches the given identifier.", "SERIAL_NOT_FOUND"},
	{ErrClientNotFound, http.StatusNotFound, "client-not-found", "Client Not Found", "No client matches the given identifier.", "CLIENT_NOT_FOUND"},
	{ErrUsageNotFound, http.StatusNotFound, "usage-not-found", "Usage Not Found", "No active usage matches the given device.", "USAGE_NOT_FOUND"},
	{ErrSerialRevoked, http.StatusConflict, "serial-revoked", "Serial Revoked", "The serial has been revoked.", "SERIAL_REVOKED"},
	{ErrSerialSuperseded, http.StatusConflict, "serial-superseded", "Serial Superseded", "The serial was replaced by a renewal.", "SERIAL_SUPERSEDED"},
	{ErrSerialExpired, http.StatusConflict, "serial-expired", "Serial Expired", "The serial has expired.", "SERIAL_EXPIRED"},
	{ErrQuotaExceeded, http.StatusConflict, "quota-exceeded", "Activation Limit Reached", "The serial has no free activations left.", "QUOTA_EXCEEDED"},
	{ErrClientInactive, http.StatusConflict, "client-inactive", "Client Inactive", "The client is not active.", "CLIENT_INACTIVE"},
	{ErrSerialNumberTaken, http.StatusConflict, "serial-number-taken", "Serial Number Taken", "A serial with the same payload was already issued.", "SERIAL_NUMBER_TAKEN"},
	{ErrClientNumberTaken, http.StatusConflict, "client-number-taken", "Client Number Taken", "The client number is already assigned.", "CLIENT_NUMBER_TAKEN"},
	{ErrRenewalNotLater, http.StatusConflict, "renewal-not-later", "Renewal Rejected", "The new expiration must be later than the current one.", "RENEWAL_NOT_LATER"},
	{ErrDemoSerialImmutable, http.StatusConflict, "demo-immutable", "Demo Serial Immutable", "The shared demo serial cannot be revoked or renewed.", "DEMO_IMMUTABLE"},
	{ErrLockTimeout, http.StatusServiceUnavailable, "lock-timeout", "Serial Busy", "The serial is busy. Please retry.", "LOCK_TIMEOUT"},
}

func lookupSerialProblem(err error) (serialProblem, bool) {
	for _, p := range serialProblems {
		if errors.Is(err, p.sentinel) {
			return p, true
		}
	}
	return serialProblem{}, false
}

// IsSerialError reports whether err carries one of the serial domain sentinels.
func IsSerialError(err error) bool {
	_, ok := lookupSerialProblem(err)
	return ok
}

// MapSerialError maps domain errors to HTTP problem details
func MapSerialError(err error, instance, traceID string) *ProblemDetails {
	p, ok := lookupSerialProblem(err)
	if !ok {
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}

	problem := NewProblemDetails(p.status, "/errors/serial/"+p.slug, p.title, p.detail, instance).
		WithExtension("trace_id", traceID).
		WithExtension("error_code", p.code)
	if errors.Is(err, ErrLockTimeout) {
		problem.WithExtension("retry_after", 1)
	}
	return problem
}

// ValidationOutcome is the user-facing reason attached to a failed validation.
type ValidationOutcome struct {
	Code   string
	Reason string
}

// validation reasons are shown to end users and must not leak internals
var validationReasons = map[string]string{
	"MALFORMED_LENGTH":    "serial number is malformed",
	"CHECKSUM_MISMATCH":   "serial number is not valid",
	"INVALID_PAYLOAD":     "serial number is not valid",
	"INVALID_DEVICE":      "device identifier is invalid",
	"DECRYPTION_FAILED":   "serial number is not valid",
	"UNSUPPORTED_VERSION": "serial number is not valid",
	"SIGNATURE_INVALID":   "serial number is not valid",
	"SERIAL_NOT_FOUND":    "serial number is not recognized",
	"SERIAL_REVOKED":      "serial revoked",
	"SERIAL_SUPERSEDED":   "serial was replaced by a renewed serial",
	"SERIAL_EXPIRED":      "serial expired",
	"QUOTA_EXCEEDED":      "activation limit reached",
	"LOCK_TIMEOUT":        "activation service busy, please retry",
}

// ValidationOutcomeFor converts a validation failure into a reason code pair.
// Unknown errors yield ok == false and must be treated as system faults.
func ValidationOutcomeFor(err error) (ValidationOutcome, bool) {
	p, ok := lookupSerialProblem(err)
	if !ok {
		return ValidationOutcome{}, false
	}
	reason, ok := validationReasons[p.code]
	if !ok {
		return ValidationOutcome{}, false
	}
	return ValidationOutcome{Code: p.code, Reason: reason}, true
}

// Wrap annotates err with an operation name while keeping sentinels reachable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
