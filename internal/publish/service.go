package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/idempotency"
	"github.com/sells-group/catalog-import/internal/store"
)

// ErrUnknownChannel is returned for channels missing from the registry.
var ErrUnknownChannel = eris.New("publish: unknown channel")

// Result reports a publish call.
type Result struct {
	Channel    string           `json:"channel"`
	Identity   string           `json:"identity"`
	Version    int              `json:"version"`
	ExternalID string           `json:"external_id,omitempty"`
	Kind       idempotency.Kind `json:"-"`
}

// Service publishes the latest version of a product exactly once per key.
type Service struct {
	products store.ProductStore
	idem     *idempotency.Coordinator
	registry *Registry
}

// NewService creates a Service.
func NewService(products store.ProductStore, idem *idempotency.Coordinator, registry *Registry) *Service {
	return &Service{products: products, idem: idem, registry: registry}
}

// Scope is the idempotency scope of a channel.
func Scope(channel string) string { return "publish:" + channel }

// DefaultKey identifies one product version for publishing.
func DefaultKey(identity string, version int) string {
	return fmt.Sprintf("product:%s:v%d", identity, version)
}

// Publish sends the latest version of identity to channel. An empty key
// defaults to DefaultKey. Duplicates return the first call's external id, or
// Kind InProgress while it is still running.
func (s *Service) Publish(ctx context.Context, channel, identity, key string) (*Result, error) {
	p, ok := s.registry.Get(channel)
	if !ok {
		return nil, eris.Wrap(ErrUnknownChannel, channel)
	}
	v, err := s.products.LatestProductVersion(ctx, identity)
	if err != nil {
		return nil, eris.Wrap(err, "publish: load product")
	}
	if key == "" {
		key = DefaultKey(identity, v.Version)
	}

	res := &Result{Channel: channel, Identity: identity, Version: v.Version}
	out, err := s.idem.Execute(ctx, key, Scope(channel), func(ctx context.Context) ([]byte, error) {
		id, err := p.Publish(ctx, Request{IdempotencyKey: key, Version: *v})
		if err != nil {
			return nil, err
		}
		res.ExternalID = id
		return json.Marshal(res)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "publish: %s to %s", identity, channel)
	}
	res.Kind = out.Kind

	if out.Kind == idempotency.Cached && len(out.Response) > 0 {
		var cached Result
		if err := json.Unmarshal(out.Response, &cached); err != nil {
			return nil, eris.Wrap(err, "publish: decode cached result")
		}
		cached.Kind = out.Kind
		res = &cached
	}
	zap.L().Info("publish: done",
		zap.String("channel", channel),
		zap.String("identity", identity),
		zap.Int("version", res.Version),
		zap.String("kind", string(res.Kind)),
		zap.String("external_id", res.ExternalID),
	)
	return res, nil
}
