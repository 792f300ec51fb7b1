package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/url"
)

// Envelope format: base64(nonce || AES-256-GCM ciphertext). The key is a
// fixed pre-shared secret between the issuing service and the client; the
// issuer distributes the token out-of-band inside the QR payload.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the AES key from the shared secret string.
func NewCipher(secret string) *Cipher {
	return &Cipher{key: sha256.Sum256([]byte(secret))}
}

// DecryptToken unwraps a URL-escaped token into a validated credential. The
// token rides in a URL path segment, so path unescaping applies: percent
// sequences decode but a literal '+' stays a '+', which standard base64
// ciphertext contains.
func (cp *Cipher) DecryptToken(token string) (*ClassCredential, error) {
	if unescaped, err := url.PathUnescape(token); err == nil {
		token = unescaped
	}
	blob, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		blob, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, ErrMalformedToken
		}
	}

	block, err := aes.NewCipher(cp.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns {
		return nil, ErrDecryptionFailed
	}
	plain, err := gcm.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return parseCredential(plain)
}

// EncryptCredential seals a credential into the token format DecryptToken
// accepts. Used by the issuer tool and the round-trip tests.
func (cp *Cipher) EncryptCredential(c *ClassCredential) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return cp.seal(plain)
}

func (cp *Cipher) seal(plain []byte) (string, error) {
	block, err := aes.NewCipher(cp.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	blob := gcm.Seal(nonce, nonce, plain, nil)
	return base64.URLEncoding.EncodeToString(blob), nil
}
