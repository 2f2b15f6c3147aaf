// Package telegram delivers messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// PlatformName is the registry name of the Telegram adapter.
const PlatformName = "telegram"

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// DefaultConstraints mirror Bot API limits.
var DefaultConstraints = models.PlatformConstraints{
	MaxContentLength:  4096,
	MaxAttachments:    10,
	MaxAttachmentSize: 50 << 20,
	SupportsRichText:  true,
	SupportsMarkdown:  true,
	SupportsHTML:      true,
	SupportsEditing:   true,
	SupportsDeletion:  true,
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Opts holds configuration for the Telegram adapter.
type Opts struct {
	Token       string
	ChatID      string
	APIBase     string
	Client      Doer
	BaseOptions []adapter.BaseOption
}

// Option configures the Telegram adapter.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithChatID sets the default destination chat.
func WithChatID(id string) Option {
	return func(o *Opts) { o.ChatID = id }
}

// WithAPIBase points the adapter at another Bot API server.
func WithAPIBase(base string) Option {
	return func(o *Opts) { o.APIBase = base }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c Doer) Option {
	return func(o *Opts) { o.Client = c }
}

// WithBaseOptions forwards options to the shared adapter base.
func WithBaseOptions(opts ...adapter.BaseOption) Option {
	return func(o *Opts) { o.BaseOptions = append(o.BaseOptions, opts...) }
}

// Adapter sends messages as a Telegram bot.
type Adapter struct {
	*adapter.Base
	token   string
	chatID  string
	apiBase string
	client  Doer
}

// New creates a Telegram adapter. A bot token is required.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: adapter.DefaultSendTimeout}
	}
	slog.Debug("telegram.New: adapter configured", "chat_id_set", cfg.ChatID != "", "api_base", cfg.APIBase)

	baseOpts := append([]adapter.BaseOption{
		adapter.WithMessageTypes(models.MessageTypeText, models.MessageTypeRichText, models.MessageTypeImage,
			models.MessageTypeVideo, models.MessageTypeDocument),
		adapter.WithParameters(map[string]string{"parse_mode": "HTML", "default_chat_set": strconv.FormatBool(cfg.ChatID != "")}),
	}, cfg.BaseOptions...)

	return &Adapter{
		Base:    adapter.NewBase(PlatformName, DefaultConstraints, baseOpts...),
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.Client,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"chat"`
}

func (a *Adapter) endpoint(method string) string {
	return a.apiBase + "/bot" + a.token + "/" + method
}

func (a *Adapter) do(ctx context.Context, method, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(method), body)
	if err != nil {
		return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		// The request URL embeds the token; keep it out of errors and logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("telegram %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ar); err != nil {
		if resp.StatusCode >= 300 {
			return nil, adapter.StatusError(resp.StatusCode, resp.Status)
		}
		return nil, adapter.NewDeliveryError(models.ErrorCodePlatform, true, fmt.Errorf("telegram %s: invalid response: %w", method, err))
	}
	if !ar.OK {
		status := ar.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		de := adapter.StatusError(status, ar.Description)
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			de.Err = fmt.Errorf("%s (retry after %ds)", ar.Description, ar.Parameters.RetryAfter)
		}
		return nil, de
	}
	return ar.Result, nil
}

func (a *Adapter) callJSON(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	return a.do(ctx, method, "application/json", bytes.NewReader(body))
}

func (a *Adapter) callMultipart(ctx context.Context, method string, params map[string]string, field string, att models.Attachment) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if err := w.WriteField(k, v); err != nil {
			return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
		}
	}
	part, err := w.CreateFormFile(field, att.FileName)
	if err != nil {
		return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	if err := w.Close(); err != nil {
		return nil, adapter.NewDeliveryError(models.ErrorCodeInternal, false, err)
	}
	return a.do(ctx, method, w.FormDataContentType(), &buf)
}

// mediaMethod picks the Bot API method and field for an attachment.
func mediaMethod(contentType string) (method, field string) {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "sendPhoto", "photo"
	case strings.HasPrefix(contentType, "video/"):
		return "sendVideo", "video"
	default:
		return "sendDocument", "document"
	}
}

// Send implements adapter.Adapter.
func (a *Adapter) Send(ctx context.Context, req models.MessageRequest) models.PlatformResult {
	return a.Deliver(ctx, req, a.send)
}

func (a *Adapter) send(ctx context.Context, out adapter.Outbound) (adapter.Receipt, error) {
	req := out.Request
	chatID := adapter.Recipient(req, PlatformName, a.chatID)
	if chatID == "" {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeValidation, false, errors.New("no telegram chat id configured or provided"))
	}

	text := out.Content
	if req.Title != "" && out.Dialect == adapter.DialectHTML && req.Type == models.MessageTypeRichText {
		text = "<b>" + html.EscapeString(req.Title) + "</b>\n" + text
	}
	params := map[string]any{"chat_id": chatID, "text": text}
	if req.Type == models.MessageTypeRichText {
		params["parse_mode"] = "HTML"
	}
	if req.ThreadID != "" {
		params["message_thread_id"] = req.ThreadID
	}
	if req.ReplyToMessageID != "" {
		if id, err := strconv.ParseInt(req.ReplyToMessageID, 10, 64); err == nil {
			params["reply_parameters"] = map[string]any{"message_id": id, "allow_sending_without_reply": true}
		}
	}

	raw, err := a.callJSON(ctx, "sendMessage", params)
	if err != nil {
		return adapter.Receipt{}, err
	}
	var msg sentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodePlatform, false, fmt.Errorf("telegram sendMessage: unexpected result: %w", err))
	}

	for i, att := range req.Attachments {
		method, field := mediaMethod(att.ContentType)
		if att.URL != "" {
			_, err = a.callJSON(ctx, method, map[string]any{"chat_id": chatID, field: att.URL})
		} else {
			_, err = a.callMultipart(ctx, method, map[string]string{"chat_id": chatID}, field, att)
		}
		if err != nil {
			return adapter.Receipt{}, fmt.Errorf("attachment %d (%s): %w", i, att.FileName, err)
		}
	}

	receipt := adapter.Receipt{MessageID: strconv.FormatInt(msg.MessageID, 10)}
	if msg.Chat.Username != "" {
		receipt.URL = fmt.Sprintf("https://t.me/%s/%d", msg.Chat.Username, msg.MessageID)
	}
	return receipt, nil
}

// TestConnection calls getMe to verify the token.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.Probe(ctx, func(ctx context.Context) error {
		_, err := a.callJSON(ctx, "getMe", map[string]any{})
		return err
	})
}
