package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
)

const defaultHistoryLimit = 20

// Rollback force-resets the tree to pre_update_commit, or to last_good_commit
// when no pre-update marker exists.
func (o *Orchestrator) Rollback(ctx context.Context) (Result, error) {
	token, ok := o.guard.TryAcquire("rollback")
	if !ok {
		o.metrics.IncUpdateAttempts("conflict")
		return Result{Stage: StageRollback, Diagnostic: "an update or rollback is already running"},
			fault.New(fault.Conflict, "rollback", "%s is already running", o.guard.Holder())
	}
	defer token.Release()

	res := Result{Stage: StageRollback, StartedAt: o.now()}
	logger := o.logger.With().Str("repo", o.cfg.RepoDir).Logger()

	err := func() error {
		pre, lastGood, err := o.markers.Markers()
		if err != nil {
			return fault.Wrap(fault.Internal, "rollback", err)
		}
		target := pre
		if target == "" {
			target = lastGood
		}
		if target == "" {
			return fault.New(fault.NotFound, "rollback", "no rollback point available")
		}
		if current, err := o.git.head(ctx); err == nil {
			res.PreviousRevision = current
		}
		if _, err := o.git.resetHard(ctx, target); err != nil {
			return err
		}
		res.Revision = target
		res.RolledBack = true
		return nil
	}()

	res.FinishedAt = o.now()
	res.Success = err == nil
	if err != nil {
		res.Diagnostic = diagnostic(err)
		logger.Error().Err(err).Msg("rollback failed")
		o.metrics.IncUpdateAttempts("rollback_failure")
	} else {
		res.Diagnostic = fmt.Sprintf("rolled back to %s", res.Revision)
		logger.Warn().Str("revision", res.Revision).Msg("rolled back on request")
		o.metrics.IncUpdateAttempts("rollback")
	}
	o.record(ctx, res)
	return res, err
}

// History is what the version history view shows.
type History struct {
	Current         string     `json:"current"`
	PreUpdateCommit string     `json:"pre_update_commit,omitempty"`
	LastGoodCommit  string     `json:"last_good_commit,omitempty"`
	Revisions       []Revision `json:"revisions"`
}

// History lists the newest limit revisions of the tree along with both
// commit markers. A non-positive limit uses the default.
func (o *Orchestrator) History(ctx context.Context, limit int) (History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	revisions, err := o.git.log(ctx, limit)
	if err != nil {
		return History{}, err
	}
	h := History{Revisions: revisions}
	if current, err := o.git.head(ctx); err == nil {
		h.Current = current
	}
	if pre, ok, _ := o.markers.Read(state.PreUpdateCommit); ok {
		h.PreUpdateCommit = pre
	}
	if good, ok, _ := o.markers.Read(state.LastGoodCommit); ok {
		h.LastGoodCommit = good
	}
	return h, nil
}

// String renders one line per revision, newest first, tagging the current
// revision and the commit markers.
func (h History) String() string {
	var b strings.Builder
	for _, rev := range h.Revisions {
		marker := ""
		switch rev.Hash {
		case h.Current:
			marker = " (current)"
		case h.LastGoodCommit:
			marker = " (last good)"
		case h.PreUpdateCommit:
			marker = " (pre-update)"
		}
		fmt.Fprintf(&b, "%s %s %s %s%s\n", rev.Short, rev.Date, rev.Author, rev.Subject, marker)
	}
	return b.String()
}
