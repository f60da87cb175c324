// Package lifecycle holds the chunk state machine: which transitions are
// legal and how each one is recorded for audit.
package lifecycle

import (
	"clipfactory/internal/apperr"
	"clipfactory/internal/models"

	"github.com/sirupsen/logrus"
)

var transitions = map[models.ChunkStatus][]models.ChunkStatus{
	models.ChunkPending:     {models.ChunkQueued},
	models.ChunkQueued:      {models.ChunkProcessing, models.ChunkPending},
	models.ChunkProcessing:  {models.ChunkReviewReady, models.ChunkQueued, models.ChunkFailed},
	models.ChunkReviewReady: {models.ChunkInReview, models.ChunkRejected, models.ChunkQueued},
	models.ChunkInReview:    {models.ChunkApproved, models.ChunkRejected, models.ChunkQueued},
	models.ChunkApproved:    {models.ChunkQueued},
	models.ChunkRejected:    {models.ChunkQueued},
	models.ChunkFailed:      {models.ChunkQueued},
}

var order = []models.ChunkStatus{
	models.ChunkPending,
	models.ChunkQueued,
	models.ChunkProcessing,
	models.ChunkReviewReady,
	models.ChunkInReview,
	models.ChunkApproved,
	models.ChunkRejected,
	models.ChunkFailed,
}

// Enqueueable are the states enqueueChunks accepts. Review states go back
// to the queue only through Retranscript.
var Enqueueable = []models.ChunkStatus{models.ChunkPending, models.ChunkFailed}

// Retranscribable are the states a human may roll back to the queue.
var Retranscribable = []models.ChunkStatus{
	models.ChunkApproved,
	models.ChunkInReview,
	models.ChunkReviewReady,
	models.ChunkRejected,
}

// Reviewable are the states in which a lease may be acquired.
var Reviewable = []models.ChunkStatus{models.ChunkReviewReady, models.ChunkInReview}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.ChunkStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an InvalidTransition error unless from -> to is legal and
// from is one of allowed (nil means any source).
func Validate(from, to models.ChunkStatus, allowed []models.ChunkStatus) error {
	if allowed != nil && !Contains(allowed, from) {
		return apperr.New(apperr.KindInvalidTransition, "chunk is %s, cannot move to %s", from, to)
	}
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindInvalidTransition, "illegal transition %s -> %s (reachable from %v)", from, to, Sources(to))
	}
	return nil
}

// Sources returns every state with an edge into to, in table order.
func Sources(to models.ChunkStatus) []models.ChunkStatus {
	var out []models.ChunkStatus
	for _, from := range order {
		for _, next := range transitions[from] {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Contains reports whether s is in states.
func Contains(states []models.ChunkStatus, s models.ChunkStatus) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Record writes the audit line for a committed transition.
func Record(log *logrus.Entry, tr *models.ChunkTransition) {
	if tr == nil || log == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"chunk_id": tr.ChunkID,
		"from":     tr.From,
		"to":       tr.To,
		"actor":    tr.Actor,
		"reason":   tr.Reason,
		"at":       tr.CreatedAt,
	}).Info("chunk transition")
}
