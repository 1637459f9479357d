package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultSweepLimit is the page size of a sweep.
const DefaultSweepLimit = 500

// SweepReport counts what a reconciliation pass did.
type SweepReport struct {
	Examined  int
	Finalized int
	Resumed   int
	Rearmed   int
	Failed    int
}

// Sweep walks persisted non-terminal sessions and rebuilds state that only lived in a
// lost process: expired sessions are finalized, overdue grace periods resume the clock
// and missing countdowns are armed again. Sessions are read in pages of limit, keyed
// by id, until every non-terminal session has been examined.
func (e *Engine) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}

	var report SweepReport
	cursor := uuid.Nil
	for ctx.Err() == nil {
		sessions, err := e.store.ListNonTerminalSessions(ctx, cursor, limit)
		if err != nil {
			return report, fmt.Errorf("list non-terminal sessions: %w", err)
		}
		e.sweepPage(ctx, sessions, &report)
		if len(sessions) < limit {
			break
		}
		cursor = sessions[len(sessions)-1].ID
	}
	return report, nil
}

func (e *Engine) sweepPage(ctx context.Context, sessions []model.Session, report *SweepReport) {
	for i := range sessions {
		if ctx.Err() != nil {
			return
		}
		report.Examined++
		outcome, err := e.rederive(ctx, &sessions[i])
		if err != nil {
			report.Failed++
			e.metrics.ReconcileProcessed.WithLabelValues("failed").Inc()
			e.log.Error().Err(err).Str("session_id", sessions[i].ID.String()).Msg("Reconcile failed for session")
			continue
		}
		switch outcome {
		case rederiveFinalized:
			report.Finalized++
		case rederiveResumed:
			report.Resumed++
		case rederiveArmed, rederiveGrace:
			report.Rearmed++
		}
		e.metrics.ReconcileProcessed.WithLabelValues(string(outcome)).Inc()
	}
}
