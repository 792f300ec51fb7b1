// Package metrics holds the Prometheus collectors for the verification
// pipeline and the collection API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CredentialDecodes counts codec outcomes by result
	// (ok, no_code, malformed_token, decryption_failed, schema_invalid).
	CredentialDecodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presenca_credential_decodes_total",
		Help: "QR credential decode attempts by result.",
	}, []string{"result"})

	// Comparisons counts face comparison outcomes (match, no_match, no_face, error).
	Comparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presenca_face_comparisons_total",
		Help: "Per-frame face comparison outcomes.",
	}, []string{"outcome"})

	// SessionAttempts observes attempts used by sessions that left Verifying.
	SessionAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presenca_session_attempts",
		Help:    "Biometric attempts used per session.",
		Buckets: prometheus.LinearBuckets(0, 5, 7),
	})

	// Sessions counts sessions by terminal state (completed, verification_failed, cancelled).
	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presenca_sessions_total",
		Help: "Attendance sessions by terminal state.",
	}, []string{"state"})

	// Submissions counts gateway submissions by result (ok, error).
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presenca_submissions_total",
		Help: "Attendance submissions by result.",
	}, []string{"result"})
)
