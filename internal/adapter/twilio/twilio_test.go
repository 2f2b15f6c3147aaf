package twilio

import (
	"context"
	"errors"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

type mockAPI struct {
	sent       []*twilioApi.CreateMessageParams
	err        error
	accountErr error
}

func (m *mockAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, params)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (m *mockAPI) FetchAccount(sid string) (*twilioApi.ApiV2010Account, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	return &twilioApi.ApiV2010Account{Sid: &sid}, nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := New(WithFrom("+15550001111")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := New(WithFrom("+15550001111"), WithAPI(&mockAPI{})); err != nil {
		t.Errorf("injected API should not need credentials: %v", err)
	}
}

func TestSend_WhatsAppAddressing(t *testing.T) {
	api := &mockAPI{}
	a, err := New(WithFrom("whatsapp:+15550001111"), WithAPI(api))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pr := a.Send(context.Background(), models.MessageRequest{
		Content:     "<p>Your order <b>shipped</b></p>",
		Type:        models.MessageTypeRichText,
		Metadata:    map[string]string{"to": "+15552223333"},
		CallbackURL: "https://example.com/status",
		Attachments: []models.Attachment{{FileName: "label.pdf", ContentType: "application/pdf", URL: "https://cdn.example/label.pdf"}},
	})
	if !pr.Success || pr.PlatformMessageID != "SM123" {
		t.Fatalf("unexpected result: %+v", pr)
	}
	p := api.sent[0]
	if *p.To != "whatsapp:+15552223333" || *p.From != "whatsapp:+15550001111" {
		t.Errorf("unexpected addressing: to=%s from=%s", *p.To, *p.From)
	}
	if *p.Body != "Your order shipped" {
		t.Errorf("rich text should be flattened, got %q", *p.Body)
	}
	if p.MediaUrl == nil || (*p.MediaUrl)[0] != "https://cdn.example/label.pdf" {
		t.Errorf("media URL not set: %v", p.MediaUrl)
	}
	if p.StatusCallback == nil || *p.StatusCallback != "https://example.com/status" {
		t.Error("status callback not set")
	}
}

func TestSend_SMSUsesDefaultRecipient(t *testing.T) {
	api := &mockAPI{}
	a, _ := New(WithFrom("+15550001111"), WithDefaultTo("+15559998888"), WithAPI(api))

	pr := a.Send(context.Background(), models.MessageRequest{Content: "hi"})
	if !pr.Success {
		t.Fatalf("unexpected result: %+v", pr)
	}
	if *api.sent[0].To != "+15559998888" {
		t.Errorf("expected default recipient, got %s", *api.sent[0].To)
	}
}

func TestSend_Failures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		req           models.MessageRequest
		wantCode      string
		wantRetryable bool
	}{
		{"auth", &twilioclient.TwilioRestError{Status: 401, Code: 20003, Message: "Authenticate"},
			models.MessageRequest{Content: "x"}, models.ErrorCodeAuth, false},
		{"invalid number", &twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "Invalid 'To' Phone Number"},
			models.MessageRequest{Content: "x"}, models.ErrorCodePlatform, false},
		{"server", &twilioclient.TwilioRestError{Status: 503, Code: 20500, Message: "Service unavailable"},
			models.MessageRequest{Content: "x"}, models.ErrorCodePlatform, true},
		{"network", errors.New("connection reset by peer"),
			models.MessageRequest{Content: "x"}, models.ErrorCodeTransport, true},
		{"inline attachment", nil,
			models.MessageRequest{Content: "x", Attachments: []models.Attachment{{FileName: "a.png", ContentType: "image/png", Data: []byte{1}}}},
			models.ErrorCodeValidation, false},
		{"disallowed mime", nil,
			models.MessageRequest{Content: "x", Attachments: []models.Attachment{{FileName: "a.zip", ContentType: "application/zip", URL: "https://x/a.zip"}}},
			models.ErrorCodeValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := New(WithFrom("+15550001111"), WithDefaultTo("+15552223333"), WithAPI(&mockAPI{err: tt.err}))
			pr := a.Send(context.Background(), tt.req)
			if pr.Success || pr.ErrorCode != tt.wantCode || adapter.IsRetryable(pr) != tt.wantRetryable {
				t.Errorf("got %+v", pr)
			}
		})
	}
}

func TestSend_TooLong(t *testing.T) {
	api := &mockAPI{}
	a, _ := New(WithFrom("+15550001111"), WithDefaultTo("+1"), WithAPI(api))
	long := make([]rune, 1601)
	for i := range long {
		long[i] = 'x'
	}
	pr := a.Send(context.Background(), models.MessageRequest{Content: string(long)})
	if pr.ErrorCode != models.ErrorCodeValidation || len(api.sent) != 0 {
		t.Errorf("expected validation failure before I/O, got %+v", pr)
	}
}

func TestTestConnection(t *testing.T) {
	api := &mockAPI{}
	a, _ := New(WithAccountSID("AC1"), WithFrom("+15550001111"), WithAPI(api))
	if !a.TestConnection(context.Background()) {
		t.Error("expected healthy")
	}
	api.accountErr = &twilioclient.TwilioRestError{Status: 401, Message: "Authenticate"}
	if a.TestConnection(context.Background()) {
		t.Error("expected unhealthy")
	}
}
