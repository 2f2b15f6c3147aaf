// Package twilio delivers SMS and WhatsApp messages through the Twilio REST API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	twiliosdk "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// PlatformName is the registry name of the Twilio adapter.
const PlatformName = "twilio"

const whatsappPrefix = "whatsapp:"

// DefaultConstraints mirror Twilio's message limits.
var DefaultConstraints = models.PlatformConstraints{
	MaxContentLength:   1600,
	MaxAttachments:     10,
	MaxAttachmentSize:  5 << 20,
	SupportedMIMETypes: []string{"image/*", "video/*", "audio/*", "application/pdf", "text/vcard"},
}

// API is the subset of the Twilio REST client the adapter uses;
// *twilioApi.ApiService satisfies it.
type API interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

// Opts holds configuration options for the Twilio adapter.
type Opts struct {
	AccountSID  string
	AuthToken   string
	From        string
	DefaultTo   string
	API         API
	BaseOptions []adapter.BaseOption
}

// Option defines a configuration option for the Twilio adapter.
type Option func(*Opts)

// WithAccountSID sets the account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sender. A "whatsapp:" prefix switches the adapter to
// WhatsApp delivery.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithDefaultTo sets the recipient used when a request names none.
func WithDefaultTo(to string) Option {
	return func(o *Opts) { o.DefaultTo = to }
}

// WithAPI injects the REST client, for tests.
func WithAPI(api API) Option {
	return func(o *Opts) { o.API = api }
}

// WithBaseOptions forwards options to the shared adapter base.
func WithBaseOptions(opts ...adapter.BaseOption) Option {
	return func(o *Opts) { o.BaseOptions = append(o.BaseOptions, opts...) }
}

// Adapter wraps the Twilio REST API.
type Adapter struct {
	*adapter.Base
	api        API
	accountSID string
	from       string
	defaultTo  string
	whatsapp   bool
}

// New creates a Twilio adapter.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("twilio.New: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.From == "" {
		return nil, fmt.Errorf("twilio from number must be provided")
	}
	if cfg.API == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("account SID and auth token must be provided")
		}
		cfg.API = twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}).Api
	}

	whatsapp := strings.HasPrefix(cfg.From, whatsappPrefix)
	channel := "sms"
	if whatsapp {
		channel = "whatsapp"
	}
	baseOpts := append([]adapter.BaseOption{
		adapter.WithMessageTypes(models.MessageTypeText, models.MessageTypeRichText, models.MessageTypeImage,
			models.MessageTypeVideo, models.MessageTypeDocument),
		adapter.WithParameters(map[string]string{"channel": channel, "from": cfg.From}),
	}, cfg.BaseOptions...)

	return &Adapter{
		Base:       adapter.NewBase(PlatformName, DefaultConstraints, baseOpts...),
		api:        cfg.API,
		accountSID: cfg.AccountSID,
		from:       cfg.From,
		defaultTo:  cfg.DefaultTo,
		whatsapp:   whatsapp,
	}, nil
}

func (a *Adapter) address(to string) string {
	if a.whatsapp && !strings.HasPrefix(to, whatsappPrefix) {
		return whatsappPrefix + to
	}
	return to
}

// classify converts a Twilio REST error into a DeliveryError.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		de := adapter.StatusError(restErr.Status, fmt.Sprintf("%d %s", restErr.Code, restErr.Message))
		return de
	}
	return err
}

// Send implements adapter.Adapter.
func (a *Adapter) Send(ctx context.Context, req models.MessageRequest) models.PlatformResult {
	return a.Deliver(ctx, req, a.send)
}

func (a *Adapter) send(ctx context.Context, out adapter.Outbound) (adapter.Receipt, error) {
	req := out.Request
	to := adapter.Recipient(req, PlatformName, a.defaultTo)
	if to == "" {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeValidation, false, errors.New("no twilio recipient configured or provided"))
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(a.address(to))
	params.SetFrom(a.from)
	params.SetBody(out.Content)

	var media []string
	for _, att := range req.Attachments {
		if att.URL == "" {
			return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeValidation, false,
				fmt.Errorf("attachment %q must be given by URL for twilio", att.FileName))
		}
		media = append(media, att.URL)
	}
	if len(media) > 0 {
		params.SetMediaUrl(media)
	}
	if req.CallbackURL != "" {
		params.SetStatusCallback(req.CallbackURL)
	}

	// The SDK call is not context-aware; honour cancellation before and after it.
	if err := ctx.Err(); err != nil {
		return adapter.Receipt{}, err
	}
	resp, err := a.api.CreateMessage(params)
	if err != nil {
		slog.Error("twilio.Send: CreateMessage failed", "to", to, "error", err)
		return adapter.Receipt{}, fmt.Errorf("failed to send message to %s: %w", to, classify(err))
	}
	if err := ctx.Err(); err != nil {
		slog.Warn("twilio.Send: context ended after message was accepted", "to", to, "error", err)
	}

	receipt := adapter.Receipt{}
	if resp != nil && resp.Sid != nil {
		receipt.MessageID = *resp.Sid
	}
	slog.Debug("twilio.Send: message sent", "to", to, "sid", receipt.MessageID)
	return receipt, nil
}

// TestConnection fetches the account to verify credentials.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.Probe(ctx, func(ctx context.Context) error {
		_, err := a.api.FetchAccount(a.accountSID)
		return classify(err)
	})
}
