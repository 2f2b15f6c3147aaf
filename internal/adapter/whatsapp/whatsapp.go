package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// PlatformName is the registry name of the WhatsApp adapter.
const PlatformName = "whatsapp"

// DefaultConstraints apply to text delivery over a linked device.
var DefaultConstraints = models.PlatformConstraints{
	MaxContentLength: 4096,
	MaxAttachments:   0,
	SupportsRichText: true,
}

// Adapter delivers text messages through a Sender.
type Adapter struct {
	*adapter.Base
	sender    Sender
	defaultTo string
}

// Opts holds configuration for the WhatsApp adapter.
type Opts struct {
	DefaultTo   string
	BaseOptions []adapter.BaseOption
}

// Option configures the WhatsApp adapter.
type Option func(*Opts)

// WithDefaultTo sets the recipient used when a request names none.
func WithDefaultTo(to string) Option {
	return func(o *Opts) { o.DefaultTo = to }
}

// WithBaseOptions forwards options to the shared adapter base.
func WithBaseOptions(opts ...adapter.BaseOption) Option {
	return func(o *Opts) { o.BaseOptions = append(o.BaseOptions, opts...) }
}

// New creates a WhatsApp adapter over sender.
func New(sender Sender, opts ...Option) (*Adapter, error) {
	if sender == nil {
		return nil, errors.New("whatsapp sender must be provided")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	baseOpts := append([]adapter.BaseOption{
		adapter.WithMessageTypes(models.MessageTypeText, models.MessageTypeRichText),
		adapter.WithParameters(map[string]string{"transport": "whatsmeow"}),
	}, cfg.BaseOptions...)
	return &Adapter{
		Base:      adapter.NewBase(PlatformName, DefaultConstraints, baseOpts...),
		sender:    sender,
		defaultTo: cfg.DefaultTo,
	}, nil
}

// Send implements adapter.Adapter.
func (a *Adapter) Send(ctx context.Context, req models.MessageRequest) models.PlatformResult {
	return a.Deliver(ctx, req, a.send)
}

func (a *Adapter) send(ctx context.Context, out adapter.Outbound) (adapter.Receipt, error) {
	to := adapter.Recipient(out.Request, PlatformName, a.defaultTo)
	if to == "" {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeValidation, false, errors.New("no whatsapp recipient configured or provided"))
	}
	if !a.sender.IsConnected() {
		return adapter.Receipt{}, adapter.NewDeliveryError(models.ErrorCodeTransport, true, errors.New("whatsapp client is not connected"))
	}

	body := out.Content
	if t := out.Request.Title; t != "" {
		body = fmt.Sprintf("*%s*\n%s", t, body)
	}
	id, err := a.sender.SendText(ctx, to, body)
	if err != nil {
		return adapter.Receipt{}, err
	}
	return adapter.Receipt{MessageID: id}, nil
}

// TestConnection reports whether the linked device is connected.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.Probe(ctx, func(context.Context) error {
		if !a.sender.IsConnected() {
			return errors.New("whatsapp client is not connected")
		}
		return nil
	})
}
