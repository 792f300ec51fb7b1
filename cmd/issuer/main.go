package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	qrgen "github.com/skip2/go-qrcode"

	"presenca/internal/config"
	"presenca/internal/credential"
)

// Issuer is a dev/ops tool: it seals a class credential into a token and
// renders the QR code the registration screen would display.
func main() {
	var (
		classID   = flag.String("class-id", "", "class identifier")
		className = flag.String("class-name", "", "class display name")
		professor = flag.String("professor", "", "professor name")
		timestamp = flag.String("timestamp", "", "class time (RFC 3339, defaults to now)")
		out       = flag.String("out", "class-qr.png", "output PNG path")
		baseURL   = flag.String("base-url", "https://presenca.example.edu", "deep link base URL")
	)
	flag.Parse()

	if *classID == "" || *className == "" || *professor == "" {
		log.Fatal("class-id, class-name and professor are required")
	}
	if *timestamp == "" {
		*timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	cfg := config.Load()
	cipher := credential.NewCipher(cfg.CredentialSecret)

	token, err := cipher.EncryptCredential(&credential.ClassCredential{
		ClassID:   *classID,
		ClassName: *className,
		Professor: *professor,
		Timestamp: *timestamp,
	})
	if err != nil {
		log.Fatalf("seal credential: %v", err)
	}

	link := fmt.Sprintf("%s/registrar-presenca/%s", *baseURL, token)
	if err := qrgen.WriteFile(link, qrgen.Medium, 256, *out); err != nil {
		log.Fatalf("write qr png: %v", err)
	}

	fmt.Println("token:    ", token)
	fmt.Println("deep link:", link)
	fmt.Println("qr code:  ", *out)
}
