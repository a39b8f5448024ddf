// Package batch runs question batteries against a document set and keeps the
// batch's progress record current after every answered question.
package batch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/analyzer"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/resilience"
)

var (
	ErrIndexOutOfRange  = eris.New("batch: question index out of range")
	ErrNoResult         = eris.New("batch: question has no result yet")
	ErrNoQuestions      = eris.New("batch: no questions")
	ErrCancelled        = eris.New("batch: cancelled")
	ErrAlreadyCompleted = eris.New("batch: already completed")
)

// Error message prefixes written into the record, one per flow.
const (
	msgRun          = "Error en análisis"
	msgRerunSingle  = "Error en re-análisis individual"
	msgRerunGlobal  = "Error en re-análisis global"
	msgCorruptPrior = "Registro de progreso previo corrupto"
)

// Invoker answers one question against a bundle. It never fails; failures
// come back as High-risk explanatory answers.
type Invoker interface {
	Invoke(ctx context.Context, q model.Question, bundle *docctx.Bundle, preferAttachments bool) analyzer.Answer
	Provider() string
	Model() string
}

// ContextBuilder turns documents into the bundle shared by a run.
type ContextBuilder interface {
	Build(ctx context.Context, docs []docctx.Document) (*docctx.Bundle, error)
}

// Indexer mirrors record summaries into a listing index. Failures are logged
// and never affect the run.
type Indexer interface {
	Sync(ctx context.Context, id string, rec *model.Record) error
	Remove(ctx context.Context, id string) error
}

// DocumentRemover deletes the stored documents of a batch.
type DocumentRemover interface {
	Remove(ctx context.Context, id string) error
}

// Request starts a full run or a global re-run.
type Request struct {
	ID                string
	Documents         []docctx.Document
	Questions         []model.Question
	PreferAttachments bool
}

// SingleRequest re-runs one question. Empty Text or Section keep the
// recorded value.
type SingleRequest struct {
	ID                string
	Documents         []docctx.Document
	Index             int
	Text              string
	Section           string
	PreferAttachments bool
}

// Runner drives the batch state machine. It holds no per-batch state; the
// progress record is the only source of truth.
type Runner struct {
	store   progress.Store
	builder ContextBuilder
	invoker Invoker
	index   Indexer
	docs    DocumentRemover
	write   resilience.Policy
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithIndex mirrors every persisted record into ix.
func WithIndex(ix Indexer) Option {
	return func(r *Runner) { r.index = ix }
}

// WithDocuments lets Cancel remove stored documents.
func WithDocuments(d DocumentRemover) Option {
	return func(r *Runner) { r.docs = d }
}

// WithWritePolicy sets the retry policy for progress writes.
func WithWritePolicy(p resilience.Policy) Option {
	return func(r *Runner) { r.write = p }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. Progress writes are retried once by default.
func NewRunner(store progress.Store, builder ContextBuilder, invoker Invoker, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		builder: builder,
		invoker: invoker,
		write:   resilience.WritePolicy(2, 200*time.Millisecond),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) stamp() string {
	return model.FormatTime(r.now())
}

// Enqueue writes the queued record for a new batch.
func (r *Runner) Enqueue(ctx context.Context, id string, questions []model.Question, preferAttachments bool) error {
	rec := model.NewQueuedRecord(questions)
	rec.ModifiedAt = r.stamp()
	rec.Metadata = &model.Metadata{
		Provider:          r.invoker.Provider(),
		Model:             r.invoker.Model(),
		PreferAttachments: preferAttachments,
	}
	if err := r.persistNew(ctx, id, rec); err != nil {
		return err
	}
	zap.L().Info("batch: queued", zap.String("batch_id", id), zap.Int("questions", len(questions)))
	return nil
}

// Run answers every question in order, persisting after each one. The batch
// must have been enqueued first; a missing record means it was cancelled and
// Run returns ErrCancelled. Failures are recorded as status error and also
// returned for logging.
func (r *Runner) Run(ctx context.Context, req Request) error {
	log := zap.L().With(zap.String("batch_id", req.ID))

	if len(req.Questions) == 0 {
		r.fail(ctx, req.ID, ErrNoQuestions, msgRun)
		return ErrNoQuestions
	}

	// The queued record must still exist; a batch cancelled while waiting
	// for a slot stops here, before any model call.
	rec, err := r.update(ctx, req.ID, func(cur *model.Record) error {
		now := r.stamp()
		*cur = model.Record{
			Status:     model.StatusRunning,
			Total:      len(req.Questions),
			Results:    make([]model.Result, 0, len(req.Questions)),
			Questions:  req.Questions,
			StartedAt:  now,
			ModifiedAt: now,
			Metadata: &model.Metadata{
				Provider:          r.invoker.Provider(),
				Model:             r.invoker.Model(),
				PreferAttachments: req.PreferAttachments,
			},
		}
		return nil
	})
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRun)
	}
	log.Info("batch: started", zap.Int("questions", rec.Total))

	bundle, err := r.buildContext(ctx, req.ID, rec, req.Documents)
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRun)
	}

	if err := r.answerAll(ctx, req.ID, rec, req.Questions, bundle, req.PreferAttachments, ""); err != nil {
		return r.stop(ctx, req.ID, err, msgRun)
	}

	rec.Status = model.StatusCompleted
	rec.Progress = len(rec.Results)
	rec.NumResults = len(rec.Results)
	rec.FinishedAt = r.stamp()
	rec.ModifiedAt = rec.FinishedAt
	if err := r.persist(ctx, req.ID, rec); err != nil {
		return r.stop(ctx, req.ID, err, msgRun)
	}
	log.Info("batch: completed", zap.Int("results", len(rec.Results)))
	return nil
}

// CheckSingle verifies the preconditions of RerunSingle without touching
// the record or calling a model.
func (r *Runner) CheckSingle(ctx context.Context, id string, index int) (*model.Record, error) {
	rec, err := r.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkIndex(rec, index); err != nil {
		return nil, err
	}
	return rec, nil
}

func checkIndex(rec *model.Record, index int) error {
	switch {
	case index < 0 || (index >= len(rec.Results) && index >= len(rec.Questions)):
		return eris.Wrapf(ErrIndexOutOfRange, "index %d, %d results", index, len(rec.Results))
	case index >= len(rec.Results):
		return eris.Wrapf(ErrNoResult, "index %d, %d results", index, len(rec.Results))
	}
	return nil
}

// RerunSingle re-asks the question at req.Index and patches that result in
// place. Every other result is left untouched.
func (r *Runner) RerunSingle(ctx context.Context, req SingleRequest) error {
	log := zap.L().With(zap.String("batch_id", req.ID), zap.Int("index", req.Index))

	rec, err := r.CheckSingle(ctx, req.ID, req.Index)
	if err != nil {
		if eris.Is(err, progress.ErrCorrupt) {
			r.fail(ctx, req.ID, err, msgCorruptPrior)
		}
		return err
	}

	q, _ := rec.QuestionAt(req.Index)
	if req.Text != "" {
		q.Text = req.Text
	}
	if req.Section != "" {
		q.Section = req.Section
	}

	idx := req.Index
	_, err = r.update(ctx, req.ID, func(cur *model.Record) error {
		cur.Status = model.StatusRunning
		cur.RerunKind = model.RerunIndividual
		cur.LastRerunIndex = &idx
		cur.Error = ""
		cur.ModifiedAt = r.stamp()
		return nil
	})
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRerunSingle)
	}
	log.Info("batch: re-running question")

	bundle, err := r.builder.Build(ctx, req.Documents)
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRerunSingle)
	}
	ans := r.invoker.Invoke(ctx, q, bundle, req.PreferAttachments)

	_, err = r.update(ctx, req.ID, func(cur *model.Record) error {
		if err := checkIndex(cur, idx); err != nil {
			return err
		}
		now := r.stamp()
		cur.Results[idx] = model.Result{
			Question:  q.Text,
			Section:   q.SectionOrDefault(),
			Answer:    ans.Text,
			Risk:      ans.Risk,
			RerunAt:   now,
			RerunKind: model.RerunIndividual,
		}
		if idx < len(cur.Questions) {
			cur.Questions[idx] = model.Question{Text: q.Text, Section: q.SectionOrDefault()}
		}
		if cur.Metadata == nil {
			cur.Metadata = &model.Metadata{}
		}
		countMode(cur.Metadata, ans.Mode)
		cur.Status = model.StatusCompleted
		cur.Progress = len(cur.Results)
		cur.NumResults = len(cur.Results)
		cur.FinishedAt = now
		cur.ModifiedAt = now
		return nil
	})
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRerunSingle)
	}
	log.Info("batch: question re-run completed", zap.String("risk", string(ans.Risk)))
	return nil
}

// RerunAll clears the results and answers the new question list from the
// start under the same batch id.
func (r *Runner) RerunAll(ctx context.Context, req Request) error {
	log := zap.L().With(zap.String("batch_id", req.ID))

	if len(req.Questions) == 0 {
		return ErrNoQuestions
	}

	rec, err := r.update(ctx, req.ID, func(cur *model.Record) error {
		cur.Status = model.StatusRerunning
		cur.Results = make([]model.Result, 0, len(req.Questions))
		cur.Progress = 0
		cur.NumResults = 0
		cur.Total = len(req.Questions)
		cur.RerunKind = model.RerunGlobal
		cur.LastRerunIndex = nil
		cur.Error = ""
		cur.FailedAt = ""
		cur.FinishedAt = ""
		cur.ModifiedAt = r.stamp()
		if cur.Metadata == nil {
			cur.Metadata = &model.Metadata{}
		}
		cur.Metadata.Provider = r.invoker.Provider()
		cur.Metadata.Model = r.invoker.Model()
		cur.Metadata.PreferAttachments = req.PreferAttachments
		cur.Metadata.Extra = withoutKey(cur.Metadata.Extra, ExtraModes)
		return nil
	})
	if err != nil {
		if eris.Is(err, progress.ErrNotFound) {
			return err
		}
		return r.stop(ctx, req.ID, err, msgRerunGlobal)
	}
	log.Info("batch: global re-run started", zap.Int("questions", len(req.Questions)))

	bundle, err := r.buildContext(ctx, req.ID, rec, req.Documents)
	if err != nil {
		return r.stop(ctx, req.ID, err, msgRerunGlobal)
	}

	if err := r.answerAll(ctx, req.ID, rec, req.Questions, bundle, req.PreferAttachments, model.RerunGlobal); err != nil {
		return r.stop(ctx, req.ID, err, msgRerunGlobal)
	}

	rec.Status = model.StatusCompleted
	rec.Progress = len(rec.Results)
	rec.NumResults = len(rec.Results)
	rec.Questions = req.Questions
	rec.FinishedAt = r.stamp()
	rec.ModifiedAt = rec.FinishedAt
	if err := r.persist(ctx, req.ID, rec); err != nil {
		return r.stop(ctx, req.ID, err, msgRerunGlobal)
	}
	log.Info("batch: global re-run completed", zap.Int("results", len(rec.Results)))
	return nil
}

// Cancel removes a batch that has not completed: its record, its documents
// and its index row. It returns the status the batch had. A run still in
// flight stops at its next write.
func (r *Runner) Cancel(ctx context.Context, id string) (model.Status, error) {
	prev := model.StatusError
	rec, err := r.store.Read(ctx, id)
	switch {
	case err == nil && rec.Status == model.StatusCompleted:
		return rec.Status, ErrAlreadyCompleted
	case err == nil:
		prev = rec.Status
	case !eris.Is(err, progress.ErrCorrupt):
		return "", err
	}

	if err := r.store.Delete(ctx, id); err != nil && !eris.Is(err, progress.ErrNotFound) {
		return "", err
	}
	if r.docs != nil {
		if err := r.docs.Remove(ctx, id); err != nil {
			zap.L().Warn("batch: remove documents", zap.String("batch_id", id), zap.Error(err))
		}
	}
	if r.index != nil {
		if err := r.index.Remove(ctx, id); err != nil {
			zap.L().Warn("batch: remove index row", zap.String("batch_id", id), zap.Error(err))
		}
	}
	zap.L().Info("batch: cancelled", zap.String("batch_id", id), zap.String("previous_status", string(prev)))
	return prev, nil
}

// buildContext builds the bundle and records document metadata on rec.
func (r *Runner) buildContext(ctx context.Context, id string, rec *model.Record, docs []docctx.Document) (*docctx.Bundle, error) {
	bundle, err := r.builder.Build(ctx, docs)
	if err != nil {
		return nil, err
	}
	if rec.Metadata == nil {
		rec.Metadata = &model.Metadata{}
	}
	rec.Metadata.TotalPages = bundle.TotalPages
	rec.Metadata.Documents = bundle.Info()
	rec.ModifiedAt = r.stamp()
	if err := r.persist(ctx, id, rec); err != nil {
		return nil, err
	}
	return bundle, nil
}

// answerAll asks each question in order, appending to rec.Results and
// persisting after every answer.
func (r *Runner) answerAll(ctx context.Context, id string, rec *model.Record, questions []model.Question, bundle *docctx.Bundle, prefer bool, kind model.RerunKind) error {
	if rec.Metadata == nil {
		rec.Metadata = &model.Metadata{}
	}
	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "batch: run interrupted")
		}

		ans := r.invoker.Invoke(ctx, q, bundle, prefer)
		res := model.Result{
			Question: q.Text,
			Section:  q.SectionOrDefault(),
			Answer:   ans.Text,
			Risk:     ans.Risk,
		}
		if kind != "" {
			res.RerunAt = r.stamp()
			res.RerunKind = kind
		}

		prevExtra := rec.Metadata.Extra
		rec.Results = append(rec.Results, res)
		rec.Progress = i + 1
		rec.NumResults = len(rec.Results)
		rec.ModifiedAt = r.stamp()
		countMode(rec.Metadata, ans.Mode)
		if err := r.persist(ctx, id, rec); err != nil {
			// The appended result was never persisted.
			rec.Results = rec.Results[:len(rec.Results)-1]
			rec.Metadata.Extra = prevExtra
			return err
		}

		zap.L().Debug("batch: question answered",
			zap.String("batch_id", id),
			zap.Int("index", i),
			zap.String("risk", string(ans.Risk)),
			zap.String("mode", string(ans.Mode)),
		)
	}
	return nil
}

// ExtraModes is the Metadata.Extra key counting answers per context mode
// since the batch, or its last global re-run, started.
const ExtraModes = "respuestas_por_modo"

// countMode bumps the counter for mode. Extra and the counter map are
// replaced, never mutated, so earlier clones stay intact.
func countMode(md *model.Metadata, mode analyzer.Mode) {
	if mode == "" {
		return
	}
	counts := make(map[string]any)
	if prev, ok := md.Extra[ExtraModes].(map[string]any); ok {
		for k, v := range prev {
			counts[k] = v
		}
	}
	counts[string(mode)] = asCount(counts[string(mode)]) + 1

	extra := make(map[string]any, len(md.Extra)+1)
	for k, v := range md.Extra {
		extra[k] = v
	}
	extra[ExtraModes] = counts
	md.Extra = extra
}

// asCount reads a counter that may have round-tripped through JSON.
func asCount(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func withoutKey(m map[string]any, key string) map[string]any {
	if _, ok := m[key]; !ok {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// persistNew writes rec unconditionally, creating the record if needed.
func (r *Runner) persistNew(ctx context.Context, id string, rec *model.Record) error {
	err := resilience.Do(context.WithoutCancel(ctx), r.writePolicy(id), func(ctx context.Context) error {
		return r.store.Write(ctx, id, rec)
	})
	if err != nil {
		return eris.Wrap(err, "batch: write progress")
	}
	r.syncIndex(ctx, id, rec)
	return nil
}

// persist replaces an existing record with rec. A record deleted by a
// cancellation yields ErrCancelled.
func (r *Runner) persist(ctx context.Context, id string, rec *model.Record) error {
	snapshot := rec.Clone()
	_, err := r.update(ctx, id, func(cur *model.Record) error {
		*cur = *snapshot
		return nil
	})
	return err
}

// update is a retried store.Update. Missing records are not retried.
func (r *Runner) update(ctx context.Context, id string, fn func(cur *model.Record) error) (*model.Record, error) {
	p := r.writePolicy(id)
	retryable := p.Retryable
	p.Retryable = func(err error) bool {
		if eris.Is(err, progress.ErrNotFound) || eris.Is(err, ErrIndexOutOfRange) || eris.Is(err, ErrNoResult) {
			return false
		}
		return retryable == nil || retryable(err)
	}

	rec, err := resilience.DoVal(context.WithoutCancel(ctx), p, func(ctx context.Context) (*model.Record, error) {
		return r.store.Update(ctx, id, fn)
	})
	if eris.Is(err, progress.ErrNotFound) {
		return nil, eris.Wrapf(ErrCancelled, "batch %s: record removed", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "batch: update progress")
	}
	r.syncIndex(ctx, id, rec)
	return rec, nil
}

func (r *Runner) writePolicy(id string) resilience.Policy {
	p := r.write
	p.OnRetry = resilience.RetryLogger("batch", "write_progress", zap.String("batch_id", id))
	return p
}

func (r *Runner) syncIndex(ctx context.Context, id string, rec *model.Record) {
	if r.index == nil || rec == nil {
		return
	}
	if err := r.index.Sync(context.WithoutCancel(ctx), id, rec); err != nil {
		zap.L().Warn("batch: index sync failed", zap.String("batch_id", id), zap.Error(err))
	}
}

// stop ends a flow after err. A cancelled batch is left alone; anything
// else is recorded as status error.
func (r *Runner) stop(ctx context.Context, id string, err error, prefix string) error {
	if eris.Is(err, ErrCancelled) {
		zap.L().Info("batch: record removed, stopping", zap.String("batch_id", id))
		return err
	}
	r.fail(ctx, id, err, prefix)
	return err
}

// fail marks the record as failed, keeping whatever results it already
// holds. A corrupt record is replaced by a minimal error record; a missing
// one was cancelled and stays gone.
func (r *Runner) fail(ctx context.Context, id string, cause error, prefix string) {
	ctx = context.WithoutCancel(ctx)
	msg := prefix + ": " + cause.Error()
	now := r.now()

	zap.L().Error("batch: failed", zap.String("batch_id", id), zap.Error(cause))

	rec, err := r.store.Update(ctx, id, func(cur *model.Record) error {
		cur.Status = model.StatusError
		cur.Error = msg
		cur.FailedAt = model.FormatTime(now)
		cur.ModifiedAt = model.FormatTime(now)
		return nil
	})
	if err == nil {
		r.syncIndex(ctx, id, rec)
		return
	}
	if eris.Is(err, progress.ErrNotFound) {
		zap.L().Info("batch: record removed, failure not recorded", zap.String("batch_id", id))
		return
	}
	if !eris.Is(err, progress.ErrCorrupt) {
		zap.L().Error("batch: could not record failure", zap.String("batch_id", id), zap.Error(err))
		return
	}

	minimal := model.NewErrorRecord(msg, now)
	if werr := r.store.Write(ctx, id, minimal); werr != nil {
		zap.L().Error("batch: could not write error record", zap.String("batch_id", id), zap.Error(werr))
		return
	}
	r.syncIndex(ctx, id, minimal)
}
