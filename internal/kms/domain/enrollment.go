package domain

import (
	"net/url"
	"time"

	validation "github.com/jellydator/validation"

	customValidation "github.com/allisson/webpush-kms/internal/validation"
)

// EnrollmentRecord persists one authenticator method's wrapped copy of the Master
// Secret. Multiple records for the same userId decrypt to the byte-identical MS.
type EnrollmentRecord struct {
	EnrollmentID string    `json:"enrollmentId"`
	UserID       string    `json:"userId"`
	Method       Method    `json:"method"`
	AlgVersion   int       `json:"algVersion"`
	CreatedAt    time.Time `json:"createdAt"`

	// Ciphertext and framing shared by every method.
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`

	// Method-specific key-derivation inputs. Only the fields relevant to Method
	// are populated; the rest are zero values.
	Salt           []byte `json:"salt,omitempty"`           // passphrase
	PBKDF2Iters    int    `json:"pbkdf2Iters,omitempty"`    // passphrase
	CredentialID   []byte `json:"credentialId,omitempty"`   // passkey-prf, passkey-gate
	RPID           string `json:"rpId,omitempty"`            // passkey-prf, passkey-gate
	AppSalt        []byte `json:"appSalt,omitempty"`         // passkey-prf
	GateSalt       []byte `json:"gateSalt,omitempty"`        // passkey-gate (random 32 bytes, generated at enrollment)
}

// Credentials carries the per-call authenticator material a request supplies to
// unlock an existing enrollment. Exactly one shape is populated per Method.
type Credentials struct {
	Method       Method
	UserID       string
	Passphrase   string
	CredentialID []byte
	PRFOutput    []byte
	RPID         string
}

// Sub identifies one push subscription a lease is attenuated to: the
// subscription endpoint URL, its audience (the origin signJWT's aud claim
// must match), and an opaque endpoint id used for the per-endpoint send quota.
type Sub struct {
	URL string `json:"url"`
	Aud string `json:"aud"`
	Eid string `json:"eid"`
}

// Validate checks that every field required to attenuate a lease to this
// subscription is present and well-formed.
func (s Sub) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.URL, validation.Required, customValidation.NotBlank, validation.By(validateSubURL)),
		validation.Field(&s.Aud, validation.Required, customValidation.NotBlank),
		validation.Field(&s.Eid, validation.Required, customValidation.NotBlank),
	)
}

func validateSubURL(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_url_type", "must be a string")
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return validation.NewError("validation_url", "must be a valid absolute URL")
	}
	return nil
}
