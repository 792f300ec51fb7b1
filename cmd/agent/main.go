package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"presenca/internal/capture"
	"presenca/internal/config"
	"presenca/internal/credential"
	"presenca/internal/evidence"
	"presenca/internal/face"
	"presenca/internal/geo"
	"presenca/internal/session"
	"presenca/internal/submit"
)

// The agent runs one attendance verification session end to end: decode a
// class credential (camera, image file or deep link), confirm, verify the
// holder against the reference image, and submit the record.
func main() {
	var (
		tokenFlag = flag.String("token", "", "encrypted credential token or deep link URL")
		qrFlag    = flag.String("qr", "", "image file containing the class QR code")
		faceFlag  = flag.String("frames", "", "comma-separated image files used as camera frames")
	)
	flag.Parse()

	cfg := config.Load()

	if *faceFlag == "" {
		log.Fatal("provide -frames with at least one image for verification")
	}

	if err := run(cfg, *tokenFlag, *qrFlag, *faceFlag); err != nil {
		log.Fatalf("session failed: %v", err)
	}
}

func run(cfg config.App, token, qrPath, framePaths string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recognizer := face.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)

	var locator geo.Locator
	if cfg.LocationURL != "" {
		locator = geo.NewHTTPLocator(cfg.LocationURL)
	}

	var uploader session.EvidenceUploader
	if cfg.EvidenceCloudName != "" && cfg.EvidenceAPIKey != "" && cfg.EvidenceAPISecret != "" {
		uploader = evidence.New(cfg.EvidenceCloudName, cfg.EvidenceAPIKey, cfg.EvidenceAPISecret, cfg.EvidenceFolder)
		log.Println("evidence storage configured:", cfg.EvidenceCloudName)
	}

	ctrl := session.NewController(session.Config{
		Codec:      credential.NewCodec(credential.NewCipher(cfg.CredentialSecret)),
		QRDevice:   capture.NewFileDevice(qrPath),
		FaceDevice: capture.NewFileDevice(strings.Split(framePaths, ",")...),
		Locator:    locator,
		Gateway:    submit.NewGateway(cfg.SubmitURL, cfg.SubmitToken),
		Evidence:   uploader,
		NewEngine: func() session.Engine {
			return face.NewEngine(recognizer, cfg.ReferenceImage, cfg.MatchThreshold)
		},
		PollInterval: cfg.PollInterval,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received, cancelling session")
		ctrl.Cancel()
		cancel()
	}()

	var err error
	if token != "" {
		err = ctrl.StartFromToken(ctx, token)
	} else if qrPath != "" {
		err = ctrl.ScanQR(ctx)
	} else {
		return errors.New("provide -token or -qr")
	}
	if err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	log.Printf("credential accepted: %s (%s) with %s",
		snap.Credential.ClassName, snap.Credential.ClassID, snap.Credential.Professor)

	if err := ctrl.Confirm(ctx); err != nil {
		return err
	}

	return waitTerminal(ctx, ctrl)
}

// waitTerminal polls the controller until the session completes or lands in
// a failure state that needs operator input.
func waitTerminal(ctx context.Context, ctrl *session.Controller) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	last := session.StateIdle
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap := ctrl.Snapshot()
		if snap.State != last {
			log.Printf("state: %s (attempts used: %d)", snap.State, snap.AttemptsUsed)
			last = snap.State
		}

		switch snap.State {
		case session.StateCompleted:
			log.Println("attendance registered")
			return nil
		case session.StateVerificationFailed:
			log.Printf("verification failed after %d attempts: %v", snap.AttemptsUsed, snap.LastErr)
			return snap.LastErr
		case session.StateSubmissionFailed:
			log.Printf("submission failed: %v (re-run to retry)", snap.LastErr)
			return snap.LastErr
		case session.StateIdle:
			if snap.LastErr != nil {
				return snap.LastErr
			}
		}
	}
}
