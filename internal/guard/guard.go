// Package guard computes which stage should own the conversation from gate
// state alone. It never writes to the record.
package guard

import (
	"venueline/internal/domain"
	"venueline/internal/gates"
)

// RequiredStage returns the lowest stage owning an unverified gate. The
// second result is false when every gate is verified.
func RequiredStage(rec *domain.Record, reg *gates.Registry) (int, bool) {
	pending := reg.Pending(rec)
	if len(pending) == 0 {
		return 0, false
	}
	return pending[0].Stage, true
}
