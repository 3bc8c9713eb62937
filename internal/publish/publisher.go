// Package publish pushes persisted product versions to downstream channels.
package publish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/resilience"
)

// Publisher delivers one product version to a channel and returns the
// channel's identifier for it.
type Publisher interface {
	Publish(ctx context.Context, req Request) (string, error)
}

// Request is what a publisher sends.
type Request struct {
	IdempotencyKey string               `json:"idempotency_key"`
	Version        model.ProductVersion `json:"version"`
}

// ChannelConfig configures one channel.
type ChannelConfig struct {
	Name string `mapstructure:"name"`
	// Type is "webhook" or "log".
	Type    string        `mapstructure:"type"`
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Catalog-Signature"

// WebhookPublisher POSTs the product version as JSON.
type WebhookPublisher struct {
	name     string
	endpoint string
	host     string
	secret   []byte
	client   *http.Client
	retry    resilience.RetryConfig
	breakers *resilience.Breakers
}

// NewWebhookPublisher creates a webhook publisher. Breakers are shared with
// the rest of the process; nil creates a private registry.
func NewWebhookPublisher(cfg ChannelConfig, client *http.Client, retry resilience.RetryConfig, breakers *resilience.Breakers) (*WebhookPublisher, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("publish: channel %s: invalid webhook url %q", cfg.Name, cfg.URL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	retry.OnRetry = resilience.RetryLogger("publish:"+cfg.Name, u.Host)
	return &WebhookPublisher{
		name:     cfg.Name,
		endpoint: u.String(),
		host:     u.Host,
		secret:   []byte(cfg.Secret),
		client:   client,
		retry:    retry,
		breakers: breakers,
	}, nil
}

type webhookResponse struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
}

// Publish sends req, retrying transient failures behind the channel's
// circuit breaker.
func (w *WebhookPublisher) Publish(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "publish: marshal")
	}
	cb := w.breakers.Get(resilience.BreakerKey{Strategy: "publish:" + w.name, Host: w.host})
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (string, error) {
		return resilience.DoVal(ctx, w.retry, func(ctx context.Context) (string, error) {
			return w.post(ctx, req.IdempotencyKey, payload)
		})
	})
}

func (w *WebhookPublisher) post(ctx context.Context, key string, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "publish: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if len(w.secret) > 0 {
		httpReq.Header.Set(SignatureHeader, Sign(w.secret, payload))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", eris.Wrapf(err, "publish: post to %s", w.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := resilience.CheckStatus(resp.StatusCode, "publish: "+w.name); err != nil {
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", eris.Wrap(err, "publish: read response")
	}
	var out webhookResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrapf(err, "publish: decode %s response", w.name)
	}
	id := out.ExternalID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", eris.Errorf("publish: %s response carries no id", w.name)
	}
	return id, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogPublisher records the publish in the log and returns a synthetic id.
type LogPublisher struct {
	name string
}

func (l LogPublisher) Publish(_ context.Context, req Request) (string, error) {
	id := "log:" + req.IdempotencyKey
	zap.L().Info("publish: logged",
		zap.String("channel", l.name),
		zap.String("identity", req.Version.Identity),
		zap.Int("version", req.Version.Version),
		zap.String("external_id", id),
	)
	return id, nil
}

// Registry resolves publishers by channel name.
type Registry struct {
	channels map[string]Publisher
}

// NewRegistry builds publishers for every configured channel.
func NewRegistry(cfgs []ChannelConfig, retry resilience.RetryConfig, breakers *resilience.Breakers) (*Registry, error) {
	r := &Registry{channels: make(map[string]Publisher, len(cfgs))}
	for _, c := range cfgs {
		if c.Name == "" {
			return nil, eris.New("publish: channel without name")
		}
		if _, dup := r.channels[c.Name]; dup {
			return nil, eris.Errorf("publish: duplicate channel %s", c.Name)
		}
		switch c.Type {
		case "", "webhook":
			p, err := NewWebhookPublisher(c, nil, retry, breakers)
			if err != nil {
				return nil, err
			}
			r.channels[c.Name] = p
		case "log":
			r.channels[c.Name] = LogPublisher{name: c.Name}
		default:
			return nil, eris.Errorf("publish: channel %s: unknown type %q", c.Name, c.Type)
		}
	}
	return r, nil
}

// Register adds or replaces a channel.
func (r *Registry) Register(name string, p Publisher) {
	r.channels[name] = p
}

// Get returns the publisher for a channel.
func (r *Registry) Get(name string) (Publisher, bool) {
	p, ok := r.channels[name]
	return p, ok
}

// Names lists configured channels in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.channels))
	for n := range r.channels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
