// Package webhook delivers messages as JSON POSTs to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// PlatformName is the registry name of the webhook adapter.
const PlatformName = "webhook"

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-DispatchPipe-Signature"

// maxErrorBody caps how much of a failed response body ends up in errors.
const maxErrorBody = 512

// DefaultConstraints apply unless overridden.
var DefaultConstraints = models.PlatformConstraints{
	MaxContentLength:  65536,
	MaxAttachments:    10,
	MaxAttachmentSize: 25 << 20,
	SupportsRichText:  true,
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Opts holds configuration for the webhook adapter.
type Opts struct {
	URL         string
	Secret      string
	Headers     map[string]string
	HTML        bool
	Client      Doer
	BaseOptions []adapter.BaseOption
}

// Option configures the webhook adapter.
type Option func(*Opts)

// WithURL sets the endpoint messages are posted to.
func WithURL(u string) Option {
	return func(o *Opts) { o.URL = u }
}

// WithSecret enables body signing.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithHeader adds a static request header.
func WithHeader(key, value string) Option {
	return func(o *Opts) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithHTML declares that the receiver renders HTML, so rich text is passed through.
func WithHTML(html bool) Option {
	return func(o *Opts) { o.HTML = html }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c Doer) Option {
	return func(o *Opts) { o.Client = c }
}

// WithBaseOptions forwards options to the shared adapter base.
func WithBaseOptions(opts ...adapter.BaseOption) Option {
	return func(o *Opts) { o.BaseOptions = append(o.BaseOptions, opts...) }
}

// Adapter posts messages to a webhook endpoint.
type Adapter struct {
	*adapter.Base
	url     string
	secret  string
	headers map[string]string
	client  Doer
}

// New creates a webhook adapter. A URL with an http or https scheme is required.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook URL must be an absolute http(s) URL, got %q", cfg.URL)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: adapter.DefaultSendTimeout}
	}

	constraints := DefaultConstraints
	constraints.SupportsHTML = cfg.HTML
	baseOpts := append([]adapter.BaseOption{
		adapter.WithMessageTypes(models.MessageTypeText, models.MessageTypeRichText, models.MessageTypeImage,
			models.MessageTypeVideo, models.MessageTypeDocument),
		adapter.WithParameters(map[string]string{"endpoint": u.Redacted(), "signed": fmt.Sprint(cfg.Secret != "")}),
	}, cfg.BaseOptions...)

	slog.Debug("webhook.New: adapter configured", "endpoint", u.Redacted(), "signed", cfg.Secret != "", "html", cfg.HTML)
	return &Adapter{
		Base:    adapter.NewBase(PlatformName, constraints, baseOpts...),
		url:     u.String(),
		secret:  cfg.Secret,
		headers: cfg.Headers,
		client:  cfg.Client,
	}, nil
}

type attachmentPayload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
}

type payload struct {
	MessageID        string              `json:"message_id"`
	Content          string              `json:"content"`
	Type             models.MessageType  `json:"type,omitempty"`
	Format           adapter.Dialect     `json:"format"`
	Title            string              `json:"title,omitempty"`
	Subtitle         string              `json:"subtitle,omitempty"`
	UserID           string              `json:"user_id,omitempty"`
	Priority         models.Priority     `json:"priority,omitempty"`
	Tags             []string            `json:"tags,omitempty"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	Attachments      []attachmentPayload `json:"attachments,omitempty"`
	ThreadID         string              `json:"thread_id,omitempty"`
	ReplyToMessageID string              `json:"reply_to_message_id,omitempty"`
	SentAt           time.Time           `json:"sent_at"`
}

type receiptBody struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func buildPayload(out adapter.Outbound) payload {
	req := out.Request
	p := payload{
		MessageID:        req.RequestID,
		Content:          out.Content,
		Type:             req.Type,
		Format:           out.Dialect,
		Title:            req.Title,
		Subtitle:         req.Subtitle,
		UserID:           req.UserID,
		Priority:         req.Priority,
		Tags:             req.Tags,
		Metadata:         req.Metadata,
		ThreadID:         req.ThreadID,
		ReplyToMessageID: req.ReplyToMessageID,
		SentAt:           time.Now().UTC(),
	}
	for _, a := range req.Attachments {
		p.Attachments = append(p.Attachments, attachmentPayload{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			URL:         a.URL,
			Size:        a.EffectiveSize(),
		})
	}
	return p
}

func (a *Adapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send implements adapter.Adapter.
func (a *Adapter) Send(ctx context.Context, req models.MessageRequest) models.PlatformResult {
	return a.Deliver(ctx, req, a.post)
}

func (a *Adapter) post(ctx context.Context, out adapter.Outbound) (adapter.Receipt, error) {
	body, err := json.Marshal(buildPayload(out))
	if err != nil {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeInternal, false, fmt.Errorf("failed to encode payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	if a.secret != "" {
		httpReq.Header.Set(SignatureHeader, a.sign(body))
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return adapter.Receipt{}, fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return adapter.Receipt{}, adapter.StatusError(resp.StatusCode, string(respBody))
	}

	receipt := adapter.Receipt{MessageID: out.Request.RequestID}
	var rb receiptBody
	if len(respBody) > 0 && json.Unmarshal(respBody, &rb) == nil {
		if rb.ID != "" {
			receipt.MessageID = rb.ID
		}
		receipt.URL = rb.URL
	}
	return receipt, nil
}

// TestConnection reports whether the endpoint is reachable. Any response
// below 500 counts, since many receivers reject HEAD.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.Probe(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(httpReq)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return nil
	})
}
