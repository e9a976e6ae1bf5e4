// Package ingest runs one invocation of the permit pipeline for a source:
// watermark, fetch, parse, normalize, upsert, lead derivation and summary.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/lead"
	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/permit"
	"github.com/sells-group/permitsync/internal/source"
	"github.com/sells-group/permitsync/internal/store"
)

// DefaultSinceDays is the lookback used when a source has no watermark and
// RunOpts.SinceDays is zero.
const DefaultSinceDays = 7

// ErrEmptyResult is returned when RunOpts.FailOnEmpty is set and the source
// produced no records.
var ErrEmptyResult = errors.New("ingest: source returned no records")

// Store is the persistence an invocation needs.
type Store interface {
	store.PermitStore
	store.LeadStore
	store.SyncStateStore
	store.RunLog
}

// RunOpts are the explicit toggles of one invocation.
type RunOpts struct {
	// SinceDays is the lookback when the source has never completed a batch.
	SinceDays int
	// FailOnEmpty turns an empty fetch into ErrEmptyResult.
	FailOnEmpty bool
	// Timeout bounds the whole invocation. Zero means no limit.
	Timeout time.Duration
	// SkipLeads disables lead derivation for upserted permits.
	SkipLeads bool
}

// Runner executes ingestion invocations against a registry of sources.
type Runner struct {
	reg     *source.Registry
	st      Store
	permits *permit.Engine
	leads   *lead.Engine
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the wall clock used for watermarks.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner.
func NewRunner(reg *source.Registry, st Store, opts ...Option) *Runner {
	r := &Runner{
		reg:     reg,
		st:      st,
		permits: permit.NewEngine(st),
		leads:   lead.NewEngine(st),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// staged is a normalized permit awaiting persistence.
type staged struct {
	ref    string
	permit *model.Permit
}

// RunIngestion performs one invocation for the named source and returns its
// summary. The summary is returned alongside a non-nil error whenever the
// invocation got far enough to produce one. The watermark advances to the
// invocation start time only when every record was either persisted or
// rejected for reasons a re-fetch cannot fix. A fetch cut short by the record
// cap only covers the prefix up to its newest issue date, so the watermark
// moves to that date instead.
func (r *Runner) RunIngestion(ctx context.Context, sourceName string, opts RunOpts) (*model.Summary, error) {
	adapter, err := r.reg.Get(sourceName)
	if err != nil {
		return nil, err
	}
	if opts.SinceDays <= 0 {
		opts.SinceDays = DefaultSinceDays
	}

	startedAt := r.now().UTC()
	log := zap.L().With(zap.String("component", "ingest.runner"), zap.String("source", sourceName))

	runID, err := r.st.StartRun(ctx, sourceName)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: start run for %s", sourceName)
	}
	log = log.With(zap.String("run_id", runID))

	since, err := store.SinceTimestamp(ctx, r.st, sourceName, opts.SinceDays, startedAt)
	if err != nil {
		err = eris.Wrapf(err, "ingest: watermark for %s", sourceName)
		r.fail(ctx, log, runID, err, nil)
		return nil, err
	}
	summary := &model.Summary{Source: sourceName, Since: since, Errors: []model.RecordError{}}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log.Info("ingestion started", zap.Time("since", since))

	chunks, err := adapter.Fetch(runCtx, source.Window{Since: since})
	if err != nil {
		err = eris.Wrapf(err, "ingest: fetch %s", sourceName)
		r.fail(ctx, log, runID, err, summary)
		return summary, err
	}

	batch, complete := r.parseAndNormalize(runCtx, log, adapter, chunks, summary)
	summary.Truncated = source.Truncated(chunks)

	if summary.Fetched == 0 && opts.FailOnEmpty {
		r.fail(ctx, log, runID, ErrEmptyResult, summary)
		return summary, ErrEmptyResult
	}

	persisted, err := r.persist(runCtx, log, batch, summary, opts.SkipLeads)
	if err != nil {
		r.fail(ctx, log, runID, err, summary)
		return summary, err
	}
	complete = complete && persisted

	mark, advance := startedAt, complete
	if advance && summary.Truncated {
		mark, advance = truncatedWatermark(batch, since, startedAt)
	}
	if advance {
		if err := r.st.UpdateLastRun(ctx, sourceName, mark); err != nil {
			err = eris.Wrapf(err, "ingest: advance watermark for %s", sourceName)
			r.fail(ctx, log, runID, err, summary)
			return summary, err
		}
		summary.Watermark = &mark
	} else {
		log.Warn("watermark held back", zap.Time("since", since), zap.Bool("truncated", summary.Truncated))
	}

	if err := r.st.CompleteRun(context.WithoutCancel(ctx), runID, summary); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	log.Info("ingestion complete",
		zap.Int("fetched", summary.Fetched),
		zap.Int("upserted", summary.Upserted),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("leads_created", summary.LeadsCreated),
		zap.Int("leads_updated", summary.LeadsUpdated),
		zap.Int("errors", len(summary.Errors)),
		zap.Bool("watermark_advanced", summary.Watermark != nil),
		zap.Duration("elapsed", r.now().Sub(startedAt)),
	)
	return summary, nil
}

// parseAndNormalize turns chunks into permits sorted by issue date. It
// reports false when a whole chunk was unreadable, since the records in it
// would be skipped for good if the watermark moved past them.
func (r *Runner) parseAndNormalize(ctx context.Context, log *zap.Logger, a source.Adapter, chunks []source.Chunk, summary *model.Summary) ([]staged, bool) {
	complete := true
	var batch []staged
	for _, c := range chunks {
		res, err := a.Parse(ctx, c)
		if err != nil {
			summary.AddError(c.Name, model.ErrorParse, err.Error())
			log.Warn("chunk unreadable", zap.String("chunk", c.Name), zap.Error(err))
			complete = false
			continue
		}
		summary.Fetched += len(res.Records) + len(res.Skipped)
		for _, s := range res.Skipped {
			summary.AddError(s.Ref, model.ErrorParse, s.Err.Error())
			log.Warn("record skipped", zap.String("record", s.Ref), zap.Error(s.Err))
		}
		for i, rec := range res.Records {
			p, err := a.Normalize(rec)
			if err != nil {
				summary.AddError(res.Refs[i], model.ErrorNormalize, err.Error())
				log.Warn("record not normalized", zap.String("record", res.Refs[i]), zap.Error(err))
				continue
			}
			batch = append(batch, staged{ref: res.Refs[i], permit: p})
		}
	}

	// Oldest first; undated records go last.
	sort.SliceStable(batch, func(i, j int) bool {
		x, y := batch[i].permit.IssuedDate, batch[j].permit.IssuedDate
		if x == nil || y == nil {
			return x != nil && y == nil
		}
		return x.Before(*y)
	})
	return batch, complete
}

// truncatedWatermark returns the newest issue date in the sorted batch,
// capped at now. It reports false when that date would not move the next
// window past since, which happens when more records share one issue date
// than the cap admits.
func truncatedWatermark(batch []staged, since, now time.Time) (time.Time, bool) {
	for i := len(batch) - 1; i >= 0; i-- {
		d := batch[i].permit.IssuedDate
		if d == nil {
			continue
		}
		mark := d.UTC()
		if mark.After(now) {
			mark = now
		}
		return mark, mark.After(since.Add(store.WatermarkBuffer))
	}
	return time.Time{}, false
}

// persist upserts every staged permit and derives its lead. Record-scoped
// failures are added to the summary and make it return false. Any other
// storage failure aborts the batch with an error.
func (r *Runner) persist(ctx context.Context, log *zap.Logger, batch []staged, summary *model.Summary, skipLeads bool) (bool, error) {
	complete := true
	for _, s := range batch {
		if err := ctx.Err(); err != nil {
			return false, eris.Wrap(err, "ingest: batch interrupted")
		}

		res, err := r.permits.Upsert(ctx, s.permit)
		if err != nil {
			var conflict *permit.IdentityConflictError
			switch {
			case errors.As(err, &conflict):
				summary.AddError(s.ref, model.ErrorIdentityConflict, err.Error())
				log.Warn("identity conflict", zap.String("record", s.ref), zap.String("permit_id", conflict.PermitID))
				r.flag(ctx, log, conflict, s.permit)
			case errors.Is(err, permit.ErrInvalidPermit):
				summary.AddError(s.ref, model.ErrorNormalize, err.Error())
			case store.IsRecordScoped(err):
				summary.AddError(s.ref, model.ErrorPersistence, err.Error())
				log.Warn("record not persisted", zap.String("record", s.ref), zap.Error(err))
				complete = false
			default:
				summary.AddError(s.ref, model.ErrorPersistence, err.Error())
				return false, eris.Wrapf(err, "ingest: persist %s", s.ref)
			}
			continue
		}

		summary.Upserted++
		if res.Action == model.ActionInserted {
			summary.Inserted++
		} else {
			summary.Updated++
		}

		if skipLeads {
			continue
		}
		_, inserted, err := r.leads.Derive(ctx, &res.Row)
		if err != nil {
			summary.AddError(s.ref, model.ErrorDerivation, err.Error())
			log.Warn("lead derivation failed", zap.String("record", s.ref), zap.Error(err))
			continue
		}
		if inserted {
			summary.LeadsCreated++
		} else {
			summary.LeadsUpdated++
		}
	}
	return complete, nil
}

func (r *Runner) flag(ctx context.Context, log *zap.Logger, c *permit.IdentityConflictError, p *model.Permit) {
	err := r.st.FlagConflict(ctx, &model.PermitConflict{
		Source:           c.Source,
		PermitID:         c.PermitID,
		SourceRecordID:   c.SourceRecordID,
		ExistingRecordID: c.ExistingRecordID,
		RawData:          p.RawData,
	})
	if err != nil {
		log.Error("failed to flag identity conflict", zap.String("permit_id", c.PermitID), zap.Error(err))
	}
}

// fail records a failed run. It uses a context detached from cancellation so
// a timed-out invocation is still logged.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, runID string, err error, summary *model.Summary) {
	log.Error("ingestion failed", zap.Error(err))
	if logErr := r.st.FailRun(context.WithoutCancel(ctx), runID, err.Error(), summary); logErr != nil {
		log.Error("failed to record run failure", zap.Error(logErr))
	}
}
