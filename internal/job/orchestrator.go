// Package job runs imports as asynchronous jobs: claim the idempotency key,
// create the job, then extract, normalize and persist in the background,
// advancing the job through its state machine.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/events"
	"github.com/sells-group/catalog-import/internal/extract"
	"github.com/sells-group/catalog-import/internal/idempotency"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/normalize"
	"github.com/sells-group/catalog-import/internal/router"
	"github.com/sells-group/catalog-import/internal/scope"
	"github.com/sells-group/catalog-import/internal/store"
)

const (
	// Scope is the idempotency scope of import submissions.
	Scope = "import"
	// DefaultDeadline bounds one job's background run.
	DefaultDeadline = 2 * time.Minute
	// DefaultMinCompleteness is the score a product needs to be usable.
	DefaultMinCompleteness = 40
)

var (
	// ErrIncomplete marks a job whose product fell below the completeness
	// threshold.
	ErrIncomplete = eris.New("job: product incomplete")
	// ErrInvalidSubmission is returned for submissions that cannot start.
	ErrInvalidSubmission = eris.New("job: invalid submission")
)

// Extractor runs the extraction pipeline for a path.
type Extractor interface {
	Run(ctx context.Context, path model.Path, t extract.Target, hints model.Hints) extract.Result
}

// DescriptionRewriter produces an improved product description.
type DescriptionRewriter interface {
	RewriteDescription(ctx context.Context, p *model.Product) (string, error)
}

// Config holds job policy.
type Config struct {
	Deadline        time.Duration
	MinCompleteness int
}

// Deps are the orchestrator's collaborators. Rewriter is optional.
type Deps struct {
	Jobs        store.JobStore
	Products    store.ProductStore
	Idempotency *idempotency.Coordinator
	Router      *router.Router
	Extractor   Extractor
	Normalizer  *normalize.Normalizer
	Rewriter    DescriptionRewriter
	Bus         *events.Bus
}

// Submission is one import request.
type Submission struct {
	Actor  string
	Scopes []scope.Token
	// IdempotencyKey is the caller's key, scoped to Actor. Empty derives one
	// from actor and target identity.
	IdempotencyKey string
	TargetURL      string
	Hints          model.Hints
	// Preview runs the pipeline without persisting a product version or
	// claiming an idempotency key.
	Preview bool
}

// Submitted is the synchronous answer to a submission.
type Submitted struct {
	Job *model.Job
	// Kind is Executed for a new job, InProgress or Cached for duplicates.
	Kind idempotency.Kind
}

// Orchestrator creates and runs import jobs.
type Orchestrator struct {
	d   Deps
	cfg Config

	wg      sync.WaitGroup
	newID   func() string
	nowFunc func() time.Time
}

// New creates an Orchestrator.
func New(d Deps, cfg Config) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MinCompleteness <= 0 {
		cfg.MinCompleteness = DefaultMinCompleteness
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(0)
	}
	if d.Normalizer == nil {
		d.Normalizer = normalize.New(normalize.Options{})
	}
	if d.Router == nil {
		d.Router = router.New(router.Config{CascadePercent: 100})
	}
	return &Orchestrator{d: d, cfg: cfg, newID: uuid.NewString, nowFunc: time.Now}
}

// DedupKey derives the idempotency key for submissions without one.
func DedupKey(actor, identity string) string {
	sum := sha256.Sum256([]byte(actor + ":" + identity))
	return hex.EncodeToString(sum[:])
}

// CallerKey scopes a caller supplied idempotency key to actor, so equal keys
// from different actors never collide.
func CallerKey(actor, key string) string {
	return actor + ":" + key
}

// Submit creates a job for s, or returns the existing job for a duplicate.
// New jobs are returned in status received while the pipeline runs in the
// background, detached from ctx.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (*Submitted, error) {
	target, err := extract.NewTarget(s.TargetURL)
	if err != nil {
		return nil, eris.Wrap(ErrInvalidSubmission, err.Error())
	}
	if s.Actor == "" {
		return nil, eris.Wrap(ErrInvalidSubmission, "actor is required")
	}

	decision := o.d.Router.Route(router.Request{Target: target, Override: s.Hints.Pipeline})
	now := o.nowFunc().UTC()
	job := &model.Job{
		ID:          o.newID(),
		RequestedBy: s.Actor,
		TargetURL:   target.URL.String(),
		Identity:    target.Identity,
		Path:        decision.Path,
		Preview:     s.Preview,
		Status:      model.JobStatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("identity", job.Identity))

	var claim *idempotency.Claim
	if !s.Preview {
		job.DedupKey = DedupKey(s.Actor, target.Identity)
		if s.IdempotencyKey != "" {
			job.DedupKey = CallerKey(s.Actor, s.IdempotencyKey)
		}
		var out idempotency.Outcome
		claim, out, err = o.d.Idempotency.Begin(ctx, job.DedupKey, Scope, job.ID)
		if err != nil {
			return nil, eris.Wrap(err, "job: claim")
		}
		if claim == nil {
			log.Info("job: duplicate submission", zap.String("kind", string(out.Kind)), zap.String("existing_job", out.Ref))
			existing, err := o.existing(ctx, out, job)
			if err != nil {
				return nil, err
			}
			return &Submitted{Job: existing, Kind: out.Kind}, nil
		}
	}

	if err := o.d.Jobs.CreateJob(ctx, job); err != nil {
		if claim != nil {
			o.releaseClaim(ctx, claim, err)
		}
		return nil, eris.Wrap(err, "job: create")
	}
	o.publish(job, "")
	log.Info("job: received", zap.String("path", string(job.Path)), zap.Bool("preview", job.Preview))

	created := *job
	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), job, target, s, claim)
	return &Submitted{Job: &created, Kind: idempotency.Executed}, nil
}

// existing resolves the job a duplicate submission refers to. The owner may
// not have written its job row yet; it is reported as received.
func (o *Orchestrator) existing(ctx context.Context, out idempotency.Outcome, stub *model.Job) (*model.Job, error) {
	ref := out.Ref
	if ref == "" && len(out.Response) > 0 {
		var cached completion
		if err := json.Unmarshal(out.Response, &cached); err == nil {
			ref = cached.JobID
		}
	}
	if ref == "" {
		return nil, eris.Errorf("job: duplicate of %s has no job reference", stub.DedupKey)
	}
	j, err := o.d.Jobs.GetJob(ctx, ref)
	if eris.Is(err, store.ErrNotFound) && out.Kind == idempotency.InProgress {
		pending := *stub
		pending.ID = ref
		return &pending, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "job: load existing")
	}
	return j, nil
}

// completion is the response cached on the idempotency key.
type completion struct {
	JobID     string `json:"job_id"`
	ResultRef string `json:"result_ref,omitempty"`
}

// Get returns the current state of job id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Job, error) {
	return o.d.Jobs.GetJob(ctx, id)
}

// Subscribe streams state changes of job id until it is terminal.
func (o *Orchestrator) Subscribe(id string) (<-chan events.Event, func()) {
	return o.d.Bus.Subscribe(id)
}

// Wait blocks until job id reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*model.Job, error) {
	ch, cancel := o.d.Bus.Subscribe(id)
	defer func() { cancel() }()

	j, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for !j.Status.Terminal() {
		select {
		case <-ctx.Done():
			return j, eris.Wrap(ctx.Err(), "job: wait")
		case e, ok := <-ch:
			if ok && !e.Terminal() {
				continue
			}
			if j, err = o.Get(ctx, id); err != nil {
				return nil, err
			}
			if !j.Status.Terminal() {
				// Subscription ended without a terminal event; poll.
				ch, cancel = o.resubscribe(id, cancel)
			}
		}
	}
	return j, nil
}

func (o *Orchestrator) resubscribe(id string, cancel func()) (<-chan events.Event, func()) {
	cancel()
	return o.d.Bus.Subscribe(id)
}

// Drain waits for background jobs to finish or ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "job: drain")
	}
}

// run executes the pipeline for one job.
func (o *Orchestrator) run(ctx context.Context, job *model.Job, target extract.Target, s Submission, claim *idempotency.Claim) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	log := zap.L().With(zap.String("job_id", job.ID), zap.String("identity", job.Identity), zap.String("path", string(job.Path)))
	start := o.nowFunc()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job: panic", zap.Any("panic", r))
			o.fail(ctx, job, claim, eris.Errorf("job: panic: %v", r))
		}
	}()

	if err := o.transition(ctx, job, model.JobStatusScraping, model.JobUpdate{}, ""); err != nil {
		o.fail(ctx, job, claim, err)
		return
	}

	res := o.d.Extractor.Run(ctx, job.Path, target, s.Hints)
	stages := make([]model.StageResult, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		stages = append(stages, a.StageResult())
	}
	if err := ctx.Err(); err != nil {
		o.fail(ctx, job, claim, eris.Wrap(err, "job: extraction"))
		return
	}
	if err := o.transition(ctx, job, model.JobStatusEnriching, model.JobUpdate{Stages: stages}, "scraping"); err != nil {
		o.fail(ctx, job, claim, err)
		return
	}

	enrichStart := o.nowFunc()
	product := o.d.Normalizer.Normalize(res.Fields)
	o.maybeRewrite(ctx, &product, s, log)
	score := product.CompletenessScore
	enriched := model.StageResult{Name: "enriching", Duration: o.nowFunc().Sub(enrichStart).Milliseconds()}

	if !normalize.Usable(&product, o.cfg.MinCompleteness) {
		cause := eris.Wrapf(ErrIncomplete, "completeness %d below %d", score, o.cfg.MinCompleteness)
		log.Warn("job: incomplete product", zap.Int("completeness", score))
		done := context.WithoutCancel(ctx)
		if err := o.transition(done, job, model.JobStatusErrorIncomplete, model.JobUpdate{
			Stages:            []model.StageResult{enriched},
			Error:             cause.Error(),
			CompletenessScore: &score,
			Product:           &product,
		}, "enriching"); err != nil {
			log.Error("job: could not record incomplete result", zap.Error(err))
		}
		o.releaseClaim(done, claim, cause)
		return
	}

	var resultRef string
	if !job.Preview {
		v, err := o.d.Products.SaveProductVersion(ctx, job.Identity, job.ID, product)
		if err != nil {
			o.fail(ctx, job, claim, eris.Wrap(err, "job: persist product"))
			return
		}
		resultRef = fmt.Sprintf("%s@v%d", v.Identity, v.Version)
	}

	done := context.WithoutCancel(ctx)
	if err := o.transition(done, job, model.JobStatusReady, model.JobUpdate{
		Stages:            []model.StageResult{enriched},
		ResultRef:         resultRef,
		CompletenessScore: &score,
		Product:           &product,
	}, "enriching"); err != nil {
		if resultRef == "" {
			o.fail(ctx, job, claim, err)
			return
		}
		// A stored version completes the key; retries must not write another.
		log.Error("job: version stored but ready transition failed", zap.String("result_ref", resultRef), zap.Error(err))
		if job.Status.CanTransition(model.JobStatusError) {
			if terr := o.transition(done, job, model.JobStatusError, model.JobUpdate{Error: err.Error(), ResultRef: resultRef}, ""); terr != nil {
				log.Error("job: could not record failure", zap.Error(terr))
			}
		}
		o.succeedClaim(done, claim, job.ID, resultRef, log)
		return
	}
	o.succeedClaim(done, claim, job.ID, resultRef, log)
	log.Info("job: ready",
		zap.Int("completeness", score),
		zap.String("result_ref", resultRef),
		zap.Duration("elapsed", o.nowFunc().Sub(start)),
	)
}

// maybeRewrite applies the description rewrite when asked for and allowed.
// Failures keep the original description.
func (o *Orchestrator) maybeRewrite(ctx context.Context, p *model.Product, s Submission, log *zap.Logger) {
	if !s.Hints.RewriteDescription || o.d.Rewriter == nil || p.Description == "" {
		return
	}
	if !scope.AuthorizeAction(s.Scopes, scope.ActionRewrite) {
		log.Info("job: rewrite skipped, actor lacks scope", zap.String("actor", s.Actor))
		return
	}
	text, err := o.d.Rewriter.RewriteDescription(ctx, p)
	if err != nil {
		log.Warn("job: rewrite failed, keeping original", zap.Error(err))
		return
	}
	p.Description = text
	p.DescriptionRewritten = true
}

// transition moves job to `to` with a CAS on its current status and
// publishes the change.
func (o *Orchestrator) transition(ctx context.Context, job *model.Job, to model.JobStatus, u model.JobUpdate, stage string) error {
	updated, err := o.d.Jobs.TransitionJob(ctx, job.ID, job.Status, to, u)
	if err != nil {
		return eris.Wrapf(err, "job: %s -> %s", job.Status, to)
	}
	*job = *updated
	o.publish(job, stage)
	return nil
}

// fail moves a non-terminal job to error and releases its key.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, claim *idempotency.Claim, cause error) {
	done := context.WithoutCancel(ctx)
	zap.L().Error("job: failed", zap.String("job_id", job.ID), zap.Error(cause))
	if !job.Status.Terminal() && job.Status.CanTransition(model.JobStatusError) {
		if err := o.transition(done, job, model.JobStatusError, model.JobUpdate{Error: cause.Error()}, ""); err != nil {
			zap.L().Error("job: could not record failure", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	o.releaseClaim(done, claim, cause)
}

func (o *Orchestrator) succeedClaim(ctx context.Context, claim *idempotency.Claim, jobID, resultRef string, log *zap.Logger) {
	if claim == nil {
		return
	}
	resp, _ := json.Marshal(completion{JobID: jobID, ResultRef: resultRef})
	if err := claim.Succeed(ctx, resp); err != nil {
		log.Error("job: could not mark key succeeded", zap.Error(err))
	}
}

func (o *Orchestrator) releaseClaim(ctx context.Context, claim *idempotency.Claim, cause error) {
	if claim == nil {
		return
	}
	if err := claim.Fail(context.WithoutCancel(ctx), cause); err != nil {
		zap.L().Error("job: could not mark key failed", zap.String("key", claim.Key), zap.Error(err))
	}
}

func (o *Orchestrator) publish(job *model.Job, stage string) {
	o.d.Bus.Publish(events.Event{JobID: job.ID, Job: job.View(), Stage: stage, At: job.UpdatedAt})
}
