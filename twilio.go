package tweetwatch

import (
	"context"

	"github.com/pkg/errors"
	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// messageCreator is the part of the Twilio REST API the sender needs.
// *openapi.ApiService satisfies it.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSMSSender sends SMS messages through Twilio.
type TwilioSMSSender struct {
	AccountSID string
	Sender     string

	api messageCreator
	log *zap.SugaredLogger
}

// TwilioOption configures a TwilioSMSSender.
type TwilioOption func(*TwilioSMSSender)

// WithTwilioLogger sets the logger the sender reports deliveries to.
func WithTwilioLogger(logger *zap.SugaredLogger) TwilioOption {
	return func(tss *TwilioSMSSender) {
		tss.log = logger
	}
}

// withMessageCreator replaces the Twilio API client, for tests.
func withMessageCreator(api messageCreator) TwilioOption {
	return func(tss *TwilioSMSSender) {
		tss.api = api
	}
}

// NewTwilioSMSSender returns a sender that sends from the Twilio number
// sender using the given account credentials.
func NewTwilioSMSSender(accountSID, authToken, sender string, options ...TwilioOption) (*TwilioSMSSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("Twilio account SID and auth token are required")
	}
	if sender == "" {
		return nil, errors.New("Twilio sender number is required")
	}
	tss := &TwilioSMSSender{
		AccountSID: accountSID,
		Sender:     sender,
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(tss)
	}
	if tss.api == nil {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		})
		tss.api = client.Api
	}
	return tss, nil
}

// Send sends msg.Body to msg.To in an SMS.
func (tss *TwilioSMSSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(tss.Sender)
	params.SetBody(msg.Body)

	resp, err := tss.api.CreateMessage(params)
	if err != nil {
		return errors.Wrap(err, "error calling Twilio API")
	}
	if resp == nil {
		return errors.New("empty Twilio response")
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		return errors.Errorf("Twilio error %d: %s", *resp.ErrorCode, deref(resp.ErrorMessage))
	}
	status := deref(resp.Status)
	if isNotOKMessageStatus(status) {
		return errors.Errorf("bad message status: %s", status)
	}
	tss.log.Infow("sent SMS",
		"message_sid", deref(resp.Sid),
		"message_status", status,
		"message_to", msg.To)
	return nil
}

func isNotOKMessageStatus(status string) bool {
	okStatuses := []string{"accepted", "queued", "sending", "sent", "delivered"}
	for _, s := range okStatuses {
		if status == s {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
