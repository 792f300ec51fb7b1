package session

import (
	"context"
	"errors"
	"image"
	"log"
	"sync"
	"time"

	"presenca/internal/capture"
	"presenca/internal/credential"
	"presenca/internal/face"
	"presenca/internal/geo"
	"presenca/internal/metrics"
	"presenca/internal/submit"
)

// Engine is the slice of the face engine the controller drives.
type Engine interface {
	Initialize(ctx context.Context) error
	CompareOnce(ctx context.Context, frame capture.Frame) (face.Result, error)
}

// Submitter posts the verified record. Only the controller calls it.
type Submitter interface {
	Submit(ctx context.Context, cred *credential.ClassCredential, loc *geo.Coordinates, imageURL string) (*submit.Ack, error)
}

// EvidenceUploader stores the matched frame snapshot; best-effort, optional.
type EvidenceUploader interface {
	Upload(ctx context.Context, raw []byte, name string) (string, error)
}

// Config wires the controller's collaborators.
type Config struct {
	Codec      *credential.Codec
	Cameras    *capture.Manager
	QRDevice   capture.Device
	FaceDevice capture.Device
	Locator    geo.Locator
	Gateway    Submitter
	Evidence   EvidenceUploader
	NewEngine  func() Engine

	// PollInterval is the camera sampling cadence; defaults to 100ms.
	PollInterval time.Duration
	// MaxAttempts overrides the retry budget; defaults to MaxAttempts.
	MaxAttempts int
}

// Controller is the orchestrating state machine. All transitions go through
// it; the capture manager, engine and gateway never talk to each other.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	state    State
	sess     *Session
	engine   Engine
	lastErr  error
	locCh    <-chan geo.Result
	location *geo.Coordinates
	runStop  context.CancelFunc
	runDone  chan struct{}
}

func NewController(cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	if cfg.Cameras == nil {
		cfg.Cameras = capture.NewManager()
	}
	return &Controller{cfg: cfg, state: StateIdle}
}

// Snapshot returns a copy of the observable state for the UI.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, Location: c.location, LastErr: c.lastErr}
	if c.sess != nil {
		snap.Credential = c.sess.Credential
		snap.AttemptsUsed = c.sess.AttemptsUsed
		snap.Matched = c.sess.Matched
	}
	return snap
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ScanQR opens the environment-facing camera and polls frames through the
// codec until a credential decodes, the context ends, or the session is
// cancelled. On success the session rests in PreConfirm awaiting consent.
func (c *Controller) ScanQR(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateCredentialPending
	c.lastErr = nil
	c.startProbeLocked(ctx)
	c.mu.Unlock()

	src := capture.NewLiveSource(c.cfg.QRDevice, capture.FacingEnvironment, c.cfg.PollInterval)
	frames, err := c.cfg.Cameras.Acquire(ctx, src)
	if err != nil {
		c.toIdle(err)
		return err
	}

	for frame := range frames {
		if c.State() != StateCredentialPending {
			break
		}
		cred, err := c.cfg.Codec.Decode(frame.Image)
		if errors.Is(err, credential.ErrNoCodeFound) {
			continue // no pattern in this frame, keep scanning
		}
		c.cfg.Cameras.Release()
		if err != nil {
			metrics.CredentialDecodes.WithLabelValues(decodeLabel(err)).Inc()
			c.toIdle(err)
			return err
		}
		metrics.CredentialDecodes.WithLabelValues("ok").Inc()
		c.acceptCredential(cred)
		return nil
	}

	c.cfg.Cameras.Release()
	c.toIdle(nil)
	return ctx.Err()
}

// UploadQR decodes a single uploaded still image. Upload mode applies to QR
// decoding only; face verification always requires a live stream. The
// one-shot source goes through the manager so the exclusive-handle rule
// holds for uploads too.
func (c *Controller) UploadQR(ctx context.Context, img image.Image) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.lastErr = nil
	c.startProbeLocked(ctx)
	c.mu.Unlock()

	frames, err := c.cfg.Cameras.Acquire(ctx, capture.NewUploadSource(img, nil))
	if err != nil {
		c.toIdle(err)
		return err
	}
	frame, ok := <-frames
	c.cfg.Cameras.Release()
	if !ok {
		c.toIdle(credential.ErrNoCodeFound)
		return credential.ErrNoCodeFound
	}

	cred, err := c.cfg.Codec.Decode(frame.Image)
	if err != nil {
		metrics.CredentialDecodes.WithLabelValues(decodeLabel(err)).Inc()
		c.toIdle(err)
		return err
	}
	metrics.CredentialDecodes.WithLabelValues("ok").Inc()
	c.acceptCredential(cred)
	return nil
}

// StartFromToken begins a session from a deep-link token, skipping the live
// scan entirely.
func (c *Controller) StartFromToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.lastErr = nil
	c.startProbeLocked(ctx)
	c.mu.Unlock()

	cred, err := c.cfg.Codec.Resolve(token)
	if err != nil {
		metrics.CredentialDecodes.WithLabelValues(decodeLabel(err)).Inc()
		c.toIdle(err)
		return err
	}
	metrics.CredentialDecodes.WithLabelValues("ok").Inc()
	c.acceptCredential(cred)
	return nil
}

// Confirm is the consent checkpoint: only after the user explicitly agrees
// does the controller load models and open the user-facing camera.
func (c *Controller) Confirm(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePreConfirm {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateInitializing
	if c.engine == nil {
		c.engine = c.cfg.NewEngine()
	}
	engine, sessID := c.engine, c.sess.ID
	c.mu.Unlock()

	// Initialize runs unlocked; the session may be cancelled underneath it.
	// Every transition below re-checks that this session is still the one
	// the controller holds.
	if err := engine.Initialize(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateInitializing && c.sess != nil && c.sess.ID == sessID {
			c.state = StatePreConfirm // stage blocked, user may retry consent
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}
	return c.startVerifying(ctx, sessID)
}

// RetryVerification restarts the polling loop after budget exhaustion. The
// attempt counter resets; the decoded credential and the cached reference
// descriptor are preserved for the same session.
func (c *Controller) RetryVerification(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateVerificationFailed {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.sess.AttemptsUsed = 0
	c.state = StateInitializing
	c.lastErr = nil
	sessID := c.sess.ID
	c.mu.Unlock()
	return c.startVerifying(ctx, sessID)
}

// Resubmit retries a failed submission. Manual only; the controller never
// resubmits on its own.
func (c *Controller) Resubmit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateSubmissionFailed {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateMatched
	c.mu.Unlock()
	return c.submitOnce(ctx)
}

// Cancel discards the session and returns to Idle: from any active state the
// polling loop is stopped synchronously and the camera released; from
// Completed it just resets the controller for the next session.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	wasCompleted := c.state.Terminal()
	stop, done := c.runStop, c.runDone
	c.runStop, c.runDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.cfg.Cameras.Release()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sess = nil
	c.engine = nil
	c.lastErr = nil
	c.locCh = nil
	c.location = nil
	c.mu.Unlock()
	if !wasCompleted {
		metrics.Sessions.WithLabelValues("cancelled").Inc()
	}
}

func (c *Controller) acceptCredential(cred *credential.ClassCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = newSession(cred)
	c.state = StatePreConfirm
	log.Printf("session %s: credential accepted for class %s", c.sess.ID, cred.ClassID)
}

// startVerifying opens the user-facing camera and launches the polling loop
// for sessID. The session may have been cancelled while Initialize ran, so
// the transition into Verifying is guarded: a stale session never reopens
// the camera or resurrects itself.
func (c *Controller) startVerifying(ctx context.Context, sessID string) error {
	c.mu.Lock()
	if c.state != StateInitializing || c.sess == nil || c.sess.ID != sessID {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.mu.Unlock()

	src := capture.NewLiveSource(c.cfg.FaceDevice, capture.FacingUser, c.cfg.PollInterval)
	frames, err := c.cfg.Cameras.Acquire(ctx, src)
	if err != nil {
		c.mu.Lock()
		if c.state == StateInitializing && c.sess != nil && c.sess.ID == sessID {
			c.state = StatePreConfirm
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	if c.state != StateInitializing || c.sess == nil || c.sess.ID != sessID {
		c.mu.Unlock()
		stop()
		c.cfg.Cameras.Release()
		return ErrInvalidState
	}
	c.state = StateVerifying
	c.runStop = stop
	c.runDone = done
	engine := c.engine
	c.mu.Unlock()

	go c.verifyLoop(runCtx, frames, engine, sessID, done)
	return nil
}

// verifyLoop consumes sampled frames and drives the retry budget. It is the
// only goroutine that performs comparisons; overlapping ticks are dropped by
// the engine's in-flight guard and by the capture source's non-blocking
// sends.
func (c *Controller) verifyLoop(ctx context.Context, frames <-chan capture.Frame, engine Engine, sessID string, done chan struct{}) {
	defer close(done)
	for frame := range frames {
		c.mu.Lock()
		active := c.state == StateVerifying && c.sess != nil && c.sess.ID == sessID && !c.sess.Matched
		c.mu.Unlock()
		if !active {
			return
		}

		res, err := engine.CompareOnce(ctx, frame)
		if errors.Is(err, face.ErrInFlight) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return // cancelled, not a verification failure
			}
			metrics.Comparisons.WithLabelValues("error").Inc()
			c.failVerification(err)
			return
		}
		metrics.Comparisons.WithLabelValues(res.Outcome.String()).Inc()

		switch res.Outcome {
		case face.OutcomeMatch:
			c.handleMatch(ctx, frame)
			return
		default:
			if c.recordMiss() {
				return
			}
		}
	}
}

// recordMiss increments the attempt counter and reports whether the budget
// is exhausted.
func (c *Controller) recordMiss() bool {
	c.mu.Lock()
	if c.sess == nil || c.state != StateVerifying {
		c.mu.Unlock()
		return true
	}
	c.sess.AttemptsUsed++
	exhausted := c.sess.AttemptsUsed >= c.cfg.MaxAttempts
	if exhausted {
		c.state = StateVerificationFailed
		c.lastErr = errors.New("verification attempts exhausted")
		metrics.SessionAttempts.Observe(float64(c.sess.AttemptsUsed))
	}
	c.mu.Unlock()

	if exhausted {
		c.cfg.Cameras.Release()
		metrics.Sessions.WithLabelValues("verification_failed").Inc()
		log.Printf("session %s: attempts exhausted", c.sessID())
	}
	return exhausted
}

func (c *Controller) failVerification(err error) {
	c.mu.Lock()
	c.state = StateVerificationFailed
	c.lastErr = err
	c.mu.Unlock()
	c.cfg.Cameras.Release()
	metrics.Sessions.WithLabelValues("verification_failed").Inc()
	log.Printf("session %s: verification error: %v", c.sessID(), err)
}

// handleMatch records the match, tears down the camera, and issues the one
// submission this Matched entry is allowed.
func (c *Controller) handleMatch(ctx context.Context, frame capture.Frame) {
	c.mu.Lock()
	if c.sess == nil || c.sess.Matched {
		c.mu.Unlock()
		return
	}
	c.sess.Matched = true
	c.state = StateMatched
	attempts := c.sess.AttemptsUsed
	c.mu.Unlock()

	c.cfg.Cameras.Release()
	metrics.SessionAttempts.Observe(float64(attempts))
	log.Printf("session %s: face matched after %d misses", c.sessID(), attempts)

	if c.cfg.Evidence != nil && len(frame.Raw) > 0 {
		if url, err := c.cfg.Evidence.Upload(ctx, frame.Raw, c.sessID()); err != nil {
			log.Printf("session %s: evidence upload failed: %v", c.sessID(), err)
		} else {
			c.mu.Lock()
			c.sess.EvidenceURL = url
			c.mu.Unlock()
		}
	}

	if err := c.submitOnce(ctx); err != nil {
		log.Printf("session %s: submission failed: %v", c.sessID(), err)
	}
}

// submitOnce performs exactly one gateway call for the current Matched
// entry. On failure the session rests in SubmissionFailed and waits for a
// manual Resubmit.
func (c *Controller) submitOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateMatched || c.sess == nil {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateSubmitting
	c.harvestLocationLocked()
	cred, loc, evidence := c.sess.Credential, c.location, c.sess.EvidenceURL
	c.mu.Unlock()

	ack, err := c.cfg.Gateway.Submit(ctx, cred, loc, evidence)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateSubmissionFailed
		c.lastErr = err
		metrics.Submissions.WithLabelValues("error").Inc()
		return err
	}
	c.state = StateCompleted
	c.lastErr = nil
	metrics.Submissions.WithLabelValues("ok").Inc()
	metrics.Sessions.WithLabelValues("completed").Inc()
	log.Printf("session %s: attendance recorded (%s)", c.sess.ID, ack.RecordID)
	return nil
}

// startProbeLocked fires the one-shot geolocation probe for this screen
// mount. Its absence never gates anything downstream.
func (c *Controller) startProbeLocked(ctx context.Context) {
	if c.locCh != nil {
		return
	}
	c.locCh = geo.Probe(ctx, c.cfg.Locator)
}

// harvestLocationLocked attaches the probe result if it has arrived.
func (c *Controller) harvestLocationLocked() {
	if c.locCh == nil || c.location != nil {
		return
	}
	select {
	case res, ok := <-c.locCh:
		if ok && res.Err == nil {
			c.location = res.Coords
		} else if ok && res.Err != nil {
			log.Printf("location probe failed: %v", res.Err)
		}
		c.locCh = nil
	default:
		// probe still running; proceed without location
	}
}

func (c *Controller) toIdle(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.sess = nil
	c.lastErr = err
}

func (c *Controller) sessID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ID
}

func decodeLabel(err error) string {
	switch {
	case errors.Is(err, credential.ErrNoCodeFound):
		return "no_code"
	case errors.Is(err, credential.ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, credential.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, credential.ErrSchemaInvalid):
		return "schema_invalid"
	}
	return "error"
}
