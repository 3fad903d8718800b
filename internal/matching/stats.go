package matching

import (
	"context"
	"time"

	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
)

// Stats is the current shape of the matching system. Everything except
// LastRun is derived from the stores on demand.
type Stats struct {
	PoolsByStatus          map[models.PoolStatus]int     `json:"pools_by_status"`
	WaitingByMemberCount   map[int]int                   `json:"waiting_by_member_count"`
	WaitingByGender        map[models.Gender]int         `json:"waiting_by_gender"`
	AverageWaitSeconds     float64                       `json:"average_wait_seconds"`
	ProposalsByStatus      map[models.ProposalStatus]int `json:"proposals_by_status"`
	AcceptanceRate         float64                       `json:"acceptance_rate"`
	AverageTimeToMatchSecs float64                       `json:"average_time_to_match_seconds"`
	LastRun                *PassResult                   `json:"last_run,omitempty"`
	LastRunDurationMS      int64                         `json:"last_run_duration_ms"`
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	var (
		st  Stats
		err error
	)
	if st.PoolsByStatus, err = e.stats.PoolCountsByStatus(ctx); err != nil {
		return nil, apperr.Transient(err, "pool counts")
	}
	if st.WaitingByMemberCount, err = e.stats.WaitingByMemberCount(ctx); err != nil {
		return nil, apperr.Transient(err, "waiting by size")
	}
	if st.WaitingByGender, err = e.stats.WaitingByGender(ctx); err != nil {
		return nil, apperr.Transient(err, "waiting by gender")
	}
	if st.AverageWaitSeconds, err = e.stats.AverageWaitSeconds(ctx, e.clock.Now()); err != nil {
		return nil, apperr.Transient(err, "average wait")
	}
	if st.ProposalsByStatus, err = e.stats.ProposalCountsByStatus(ctx); err != nil {
		return nil, apperr.Transient(err, "proposal counts")
	}
	if st.AverageTimeToMatchSecs, err = e.stats.AverageTimeToMatchSeconds(ctx); err != nil {
		return nil, apperr.Transient(err, "time to match")
	}
	st.AcceptanceRate = acceptanceRate(st.ProposalsByStatus)
	if last := e.LastRun(); last != nil {
		st.LastRun = last
		st.LastRunDurationMS = last.DurationMS
	}
	return &st, nil
}

// acceptanceRate is matched over all finalized proposals.
func acceptanceRate(counts map[models.ProposalStatus]int) float64 {
	matched := counts[models.ProposalMatched]
	done := matched + counts[models.ProposalRejected]
	if done == 0 {
		return 0
	}
	return float64(matched) / float64(done)
}

// History windows and the bucket each one is reported in.
var historyWindows = map[string]struct {
	bucket string
	span   time.Duration
}{
	"daily":   {"day", 30 * 24 * time.Hour},
	"weekly":  {"week", 12 * 7 * 24 * time.Hour},
	"monthly": {"month", 365 * 24 * time.Hour},
}

// History returns pool and proposal counts bucketed by window, which is
// one of daily, weekly or monthly.
func (e *Engine) History(ctx context.Context, window string) ([]repository.HistoryPoint, error) {
	w, ok := historyWindows[window]
	if !ok {
		return nil, apperr.InvalidInput("window must be daily, weekly or monthly")
	}
	points, err := e.stats.History(ctx, w.bucket, e.clock.Now().Add(-w.span))
	if err != nil {
		return nil, apperr.Transient(err, "matching history")
	}
	return points, nil
}
