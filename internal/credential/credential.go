package credential

import (
	"encoding/json"
	"errors"
	"time"
)

// Codec errors, surfaced to the session controller as typed outcomes.
var (
	ErrNoCodeFound      = errors.New("no qr code found in image")
	ErrMalformedToken   = errors.New("malformed credential token")
	ErrDecryptionFailed = errors.New("credential decryption failed")
	ErrSchemaInvalid    = errors.New("credential schema invalid")
)

// ClassCredential is the decrypted class-session descriptor carried by a QR
// code or deep link. It lives in memory for one attendance session only.
type ClassCredential struct {
	ClassID   string `json:"classId"`
	ClassName string `json:"className"`
	Professor string `json:"professor"`
	Timestamp string `json:"timestamp"`
}

// Validate checks that every required field is present. A credential is valid
// only as a whole unit; a partial decode is never trusted.
func (c *ClassCredential) Validate() error {
	if c.ClassID == "" || c.ClassName == "" || c.Professor == "" || c.Timestamp == "" {
		return ErrSchemaInvalid
	}
	return nil
}

// IssuedAt parses the credential timestamp. Falls back to the zero time when
// the issuer used a non-RFC3339 format; display-only, so not a decode error.
func (c *ClassCredential) IssuedAt() time.Time {
	t, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseCredential(data []byte) (*ClassCredential, error) {
	var c ClassCredential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, ErrSchemaInvalid
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
