// Package extract runs the product extraction cascade: independent
// strategies in fixed priority order, each contributing field candidates
// tagged with source and confidence.
package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/resilience"
)

// Budget bounds one strategy attempt.
type Budget struct {
	// Timeout is the hard limit for the whole attempt.
	Timeout time.Duration
	// MaxScrolls caps scroll interactions for rendering strategies.
	MaxScrolls int
	// PageBudget caps time spent interacting with a rendered page,
	// independent of Timeout.
	PageBudget time.Duration
}

// Strategy extracts field candidates from a target.
type Strategy interface {
	Source() model.Source
	Supports(t Target) bool
	Attempt(ctx context.Context, t Target, b Budget) ([]model.ExtractedField, error)
}

// Skip reasons recorded on attempts that did not run.
const (
	SkipCircuitOpen = "circuit_open"
	SkipComplete    = "complete"
	SkipUnsupported = "unsupported"
)

// Attempt records the outcome of one strategy within a cascade run.
type Attempt struct {
	Strategy model.Source  `json:"strategy"`
	Fields   int           `json:"fields"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  string        `json:"skipped,omitempty"`
}

// StageResult converts the attempt into the job stage record.
func (a Attempt) StageResult() model.StageResult {
	return model.StageResult{
		Name:     string(a.Strategy),
		Fields:   a.Fields,
		Duration: a.Duration.Milliseconds(),
		Skipped:  a.Skipped,
		Error:    a.Error,
	}
}

// Result is everything a cascade run collected.
type Result struct {
	Fields   []model.ExtractedField
	Attempts []Attempt
}

// Cascade runs strategies in order, collecting every candidate.
type Cascade struct {
	strategies []Strategy
	budgets    map[model.Source]Budget
	breakers   *resilience.Breakers
	nowFunc    func() time.Time
}

// DefaultBudgets are the per-strategy policy limits.
func DefaultBudgets() map[model.Source]Budget {
	return map[model.Source]Budget{
		model.SourceStructuredAPI: {Timeout: 8 * time.Second},
		model.SourceRenderedDOM:   {Timeout: 25 * time.Second, MaxScrolls: 6, PageBudget: 15 * time.Second},
		model.SourceRawMarkup:     {Timeout: 12 * time.Second},
	}
}

// NewCascade creates a cascade over strategies in the given order. A nil
// budgets map uses DefaultBudgets; a nil breakers registry gets a fresh one.
func NewCascade(breakers *resilience.Breakers, budgets map[model.Source]Budget, strategies ...Strategy) *Cascade {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Cascade{strategies: strategies, budgets: budgets, breakers: breakers, nowFunc: time.Now}
}

// Run attempts every strategy that supports t, in order, until no canonical
// field is missing. Strategy failures are recorded, never returned. Hints
// are appended as fallback candidates.
func (c *Cascade) Run(ctx context.Context, t Target, hints model.Hints) Result {
	var res Result
	covered := make(map[string]bool)
	log := zap.L().With(zap.String("host", t.Host), zap.String("identity", t.Identity))

	for _, s := range c.strategies {
		src := s.Source()
		if !s.Supports(t) {
			res.Attempts = append(res.Attempts, Attempt{Strategy: src, Skipped: SkipUnsupported})
			continue
		}
		if len(missing(covered)) == 0 {
			res.Attempts = append(res.Attempts, Attempt{Strategy: src, Skipped: SkipComplete})
			continue
		}
		if ctx.Err() != nil {
			res.Attempts = append(res.Attempts, Attempt{Strategy: src, Error: ctx.Err().Error()})
			continue
		}

		cb := c.breakers.Get(resilience.BreakerKey{Strategy: string(src), Host: t.Host})
		if err := cb.Allow(); err != nil {
			log.Info("extract: strategy skipped, circuit open", zap.String("strategy", string(src)))
			res.Attempts = append(res.Attempts, Attempt{Strategy: src, Skipped: SkipCircuitOpen})
			continue
		}

		fields, att := c.attempt(ctx, s, t)
		cb.Record(errFromAttempt(att))
		res.Attempts = append(res.Attempts, att)
		if att.Error != "" {
			log.Warn("extract: strategy failed",
				zap.String("strategy", string(src)),
				zap.Duration("duration", att.Duration),
				zap.String("error", att.Error),
			)
			continue
		}
		for _, f := range fields {
			covered[f.Field()] = true
		}
		res.Fields = append(res.Fields, fields...)
		log.Debug("extract: strategy done",
			zap.String("strategy", string(src)),
			zap.Int("fields", len(fields)),
			zap.Strings("missing", missing(covered)),
		)
	}

	res.Fields = append(res.Fields, hints.Fields()...)
	return res
}

// attempt runs one strategy under its hard timeout. A strategy that
// overruns is abandoned and contributes nothing.
func (c *Cascade) attempt(ctx context.Context, s Strategy, t Target) ([]model.ExtractedField, Attempt) {
	b := c.budgets[s.Source()]
	if b.Timeout <= 0 {
		b.Timeout = 10 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	type out struct {
		fields []model.ExtractedField
		err    error
	}
	done := make(chan out, 1)
	start := c.nowFunc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- out{err: eris.Errorf("extract: %s panicked: %v", s.Source(), r)}
			}
		}()
		f, err := s.Attempt(actx, t, b)
		done <- out{fields: f, err: err}
	}()

	var o out
	select {
	case o = <-done:
	case <-actx.Done():
		o = out{err: eris.Wrapf(actx.Err(), "extract: %s timed out after %s", s.Source(), b.Timeout)}
	}

	att := Attempt{Strategy: s.Source(), Duration: c.nowFunc().Sub(start)}
	if o.err != nil {
		att.Error = o.err.Error()
		return nil, att
	}
	valid := o.fields[:0:0]
	for _, f := range o.fields {
		// A strategy may only speak for itself.
		if f.Source() == s.Source() {
			valid = append(valid, f)
		}
	}
	att.Fields = len(valid)
	return valid, att
}

func errFromAttempt(a Attempt) error {
	if a.Error == "" {
		return nil
	}
	return eris.New(a.Error)
}

// missing lists canonical fields with no candidate yet.
func missing(covered map[string]bool) []string {
	var out []string
	for _, f := range model.RequiredFields {
		if !covered[f] {
			out = append(out, f)
		}
	}
	for _, f := range model.OptionalFields {
		if !covered[f] {
			out = append(out, f)
		}
	}
	return out
}
