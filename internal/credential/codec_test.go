package credential

import (
	"encoding/base64"
	"errors"
	"image"
	"strings"
	"testing"

	qrgen "github.com/skip2/go-qrcode"
)

const testSecret = "mySecretKey"

func testCredential() *ClassCredential {
	return &ClassCredential{
		ClassID:   "mat-301",
		ClassName: "Cálculo III",
		Professor: "Dr. Silva",
		Timestamp: "2025-03-10T08:00:00Z",
	}
}

func qrImage(t *testing.T, content string) image.Image {
	t.Helper()
	qr, err := qrgen.New(content, qrgen.Medium)
	if err != nil {
		t.Fatalf("qr encode: %v", err)
	}
	return qr.Image(256)
}

func TestTokenRoundTrip(t *testing.T) {
	cipher := NewCipher(testSecret)
	want := testCredential()

	token, err := cipher.EncryptCredential(want)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := cipher.DecryptToken(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecryptTokenErrors(t *testing.T) {
	cipher := NewCipher(testSecret)
	token, err := cipher.EncryptCredential(testCredential())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob, _ := base64.URLEncoding.DecodeString(token)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"not base64", "!!not-a-token!!", ErrMalformedToken},
		{"truncated ciphertext", base64.URLEncoding.EncodeToString(blob[:8]), ErrDecryptionFailed},
		{"corrupted ciphertext", base64.URLEncoding.EncodeToString(append(blob[:len(blob)-1], blob[len(blob)-1]^0xff)), ErrDecryptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cipher.DecryptToken(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecryptTokenStdEncodingWithPlus(t *testing.T) {
	// Tokens from the original issuer use standard base64, whose alphabet
	// includes '+'. Unescaping must not turn that '+' into a space.
	cipher := NewCipher(testSecret)
	want := testCredential()
	for i := 0; i < 256; i++ {
		token, err := cipher.EncryptCredential(want)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		blob, err := base64.URLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		std := base64.StdEncoding.EncodeToString(blob)
		if !strings.Contains(std, "+") {
			continue
		}
		got, err := cipher.DecryptToken(std)
		if err != nil {
			t.Fatalf("decrypt std token with '+': %v", err)
		}
		if *got != *want {
			t.Fatalf("round trip mismatch: got %+v", got)
		}
		return
	}
	t.Fatal("no sealed token produced a '+' in 256 tries")
}

func TestDecryptTokenWrongKey(t *testing.T) {
	token, err := NewCipher(testSecret).EncryptCredential(testCredential())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewCipher("otherKey").DecryptToken(token); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("got %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptRejectsPartialCredential(t *testing.T) {
	c := testCredential()
	c.Professor = ""
	if _, err := NewCipher(testSecret).EncryptCredential(c); !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("got %v, want ErrSchemaInvalid", err)
	}
}

func TestResolve(t *testing.T) {
	cipher := NewCipher(testSecret)
	codec := NewCodec(cipher)
	token, err := cipher.EncryptCredential(testCredential())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"bare token", token, nil},
		{"deep link url", "https://app.example.edu/registrar-presenca/" + token, nil},
		{"json document", `{"classId":"mat-301","className":"Cálculo III","professor":"Dr. Silva","timestamp":"2025-03-10T08:00:00Z"}`, nil},
		{"json missing field", `{"classId":"mat-301"}`, ErrSchemaInvalid},
		{"url without token segment", "https://app.example.edu/dashboard", ErrMalformedToken},
		{"url with empty token", "https://app.example.edu/registrar-presenca/", ErrMalformedToken},
		{"empty text", "   ", ErrNoCodeFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Resolve(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.ClassID != "mat-301" {
				t.Errorf("classId = %q", got.ClassID)
			}
		})
	}
}

func TestDecodeImage(t *testing.T) {
	cipher := NewCipher(testSecret)
	codec := NewCodec(cipher)
	token, err := cipher.EncryptCredential(testCredential())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := codec.Decode(qrImage(t, token))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ClassName != "Cálculo III" {
		t.Errorf("className = %q", got.ClassName)
	}
}

func TestDecodeImageWithoutCode(t *testing.T) {
	codec := NewCodec(NewCipher(testSecret))
	blank := image.NewGray(image.Rect(0, 0, 64, 64))
	if _, err := codec.Decode(blank); !errors.Is(err, ErrNoCodeFound) {
		t.Errorf("got %v, want ErrNoCodeFound", err)
	}
}

func TestDecryptedGarbageIsSchemaInvalid(t *testing.T) {
	// A token that decrypts fine but does not contain a credential document.
	cipher := NewCipher(testSecret)
	token, err := cipher.seal([]byte("not json at all"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := cipher.DecryptToken(token); !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("got %v, want ErrSchemaInvalid", err)
	}
}
