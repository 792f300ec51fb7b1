package credential

import (
	"encoding/json"
	"image"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// deepLinkSegment is the path segment the issuer embeds the encrypted token
// after when the QR carries a full deep-link URL instead of a bare token.
const deepLinkSegment = "registrar-presenca/"

// Codec turns scanned or uploaded pixel data into a ClassCredential.
type Codec struct {
	cipher *Cipher
	reader gozxing.Reader
}

func NewCodec(cipher *Cipher) *Codec {
	return &Codec{cipher: cipher, reader: qrcode.NewQRCodeReader()}
}

// Decode reads the QR pattern out of the image and resolves its text into a
// credential. Every failure is a typed, recoverable error; the caller returns
// to the idle scan state and the user re-scans or re-uploads.
func (cd *Codec) Decode(img image.Image) (*ClassCredential, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, ErrNoCodeFound
	}
	res, err := cd.reader.Decode(bmp, nil)
	if err != nil {
		return nil, ErrNoCodeFound
	}
	return cd.Resolve(res.GetText())
}

// Resolve handles the three shapes of raw QR text: a plain JSON credential,
// a deep-link URL with the token after the registrar-presenca/ segment, or a
// bare encrypted token.
func (cd *Codec) Resolve(text string) (*ClassCredential, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoCodeFound
	}

	if strings.HasPrefix(text, "{") {
		var c ClassCredential
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, ErrSchemaInvalid
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &c, nil
	}

	token := text
	if strings.Contains(text, "://") || strings.Contains(text, deepLinkSegment) {
		idx := strings.Index(text, deepLinkSegment)
		if idx < 0 {
			return nil, ErrMalformedToken
		}
		token = text[idx+len(deepLinkSegment):]
		if token == "" {
			return nil, ErrMalformedToken
		}
	}
	return cd.cipher.DecryptToken(token)
}
