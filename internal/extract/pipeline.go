package extract

import (
	"context"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/resilience"
)

// Deps are the shared collaborators strategies are built from. Breakers and
// the fetcher's rate limiters are shared across jobs.
type Deps struct {
	Fetcher  *Fetcher
	Renderer Renderer
	Profiles Profiles
	Breakers *resilience.Breakers
	Budgets  map[model.Source]Budget
	Retry    resilience.RetryConfig
}

// Pipelines holds one cascade per path.
type Pipelines struct {
	Cascade *Cascade
	Legacy  *Cascade
}

// NewPipelines builds the full cascade and the single-pass legacy one.
// A nil Renderer leaves the rendered strategy unsupported.
func NewPipelines(d Deps) *Pipelines {
	if d.Fetcher == nil {
		d.Fetcher = NewFetcher(nil, 0, 0)
	}
	if d.Breakers == nil {
		d.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	raw := NewRawMarkup(d.Fetcher)
	return &Pipelines{
		Cascade: NewCascade(d.Breakers, d.Budgets,
			NewStructuredAPI(d.Fetcher, d.Retry),
			NewRenderedDOM(d.Renderer, d.Profiles),
			raw,
		),
		Legacy: NewCascade(d.Breakers, d.Budgets, raw),
	}
}

// For returns the cascade for path.
func (p *Pipelines) For(path model.Path) *Cascade {
	if path == model.PathLegacy {
		return p.Legacy
	}
	return p.Cascade
}

// Run extracts t on the cascade for path.
func (p *Pipelines) Run(ctx context.Context, path model.Path, t Target, hints model.Hints) Result {
	return p.For(path).Run(ctx, t, hints)
}
