// Package transcribe calls the hosted speech service that returns timed
// transcript and translation segments for a chunk of audio.
package transcribe

import (
	"context"
	"errors"

	"clipfactory/internal/apperr"
	"clipfactory/internal/models"
)

// Request describes one chunk to transcribe.
type Request struct {
	AudioPath      string
	Model          string
	SourceLanguage string
	TargetLanguage string
	// Duration is the chunk length in seconds; proposals must fall inside it.
	Duration float64
}

// Backend is a pluggable transcription+translation service.
// Errors are classified with apperr kinds RateLimited, Transient or Permanent.
type Backend interface {
	Transcribe(ctx context.Context, apiKey string, req Request) ([]models.SegmentProposal, error)
}

// ErrKeyRejected marks a failure caused by the credential itself.
var ErrKeyRejected = errors.New("api key rejected")

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch Classify(err) {
	case apperr.KindRateLimited, apperr.KindTransient:
		return true
	}
	return false
}

// Classify maps an error that escaped a backend onto a failure kind.
// Context deadlines are transient; unclassified errors are treated as transient too.
func Classify(err error) apperr.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.KindTransient
	}
	if ae, ok := apperr.As(err); ok {
		return ae.Kind
	}
	return apperr.KindTransient
}
