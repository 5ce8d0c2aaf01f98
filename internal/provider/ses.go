package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
)

const (
	sesSendPath        = "/v2/email/outbound-emails"
	sesBulkPath        = "/v2/email/outbound-bulk-emails"
	sesAccountPath     = "/v2/email/account"
	sesMaxBatchSize    = 50
	sesBulkStatusOK    = "SUCCESS"
	sesDefaultCharset  = "UTF-8"
	sesConfigSetHeader = "X-SES-CONFIGURATION-SET"
)

type sesContent struct {
	Data    string `json:"Data"`
	Charset string `json:"Charset,omitempty"`
}

type sesHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type sesTag struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type sesBody struct {
	HTML *sesContent `json:"Html,omitempty"`
	Text *sesContent `json:"Text,omitempty"`
}

type sesSimpleMessage struct {
	Subject sesContent  `json:"Subject"`
	Body    sesBody     `json:"Body"`
	Headers []sesHeader `json:"Headers,omitempty"`
}

type sesDestination struct {
	ToAddresses []string `json:"ToAddresses"`
}

type sesEmailContent struct {
	Simple sesSimpleMessage `json:"Simple"`
}

type sesSendRequest struct {
	FromEmailAddress     string          `json:"FromEmailAddress"`
	Destination          sesDestination  `json:"Destination"`
	ReplyToAddresses     []string        `json:"ReplyToAddresses,omitempty"`
	Content              sesEmailContent `json:"Content"`
	EmailTags            []sesTag        `json:"EmailTags,omitempty"`
	ConfigurationSetName string          `json:"ConfigurationSetName,omitempty"`
}

type sesSendResponse struct {
	MessageID string `json:"MessageId"`
}

type sesBulkRequest struct {
	Entries []sesSendRequest `json:"BulkEmailEntries"`
}

type sesBulkEntryResult struct {
	Status    string `json:"Status"`
	Error     string `json:"Error,omitempty"`
	MessageID string `json:"MessageId,omitempty"`
}

type sesBulkResponse struct {
	Results []sesBulkEntryResult `json:"BulkEmailEntryResults"`
}

// SESAdapter talks to an SES v2 shaped JSON API. It supports native bulk sends but not
// attachments.
type SESAdapter struct {
	name          string
	transport     *httpTransport
	webhookSecret string
	now           func() time.Time
}

func NewSESAdapter(cfg domain.ProviderConfig, client *resty.Client) (*SESAdapter, error) {
	transport, err := newHTTPTransport(cfg.Name, cfg.Endpoint, cfg.APIKey, cfg.Timeout, client)
	if err != nil {
		return nil, err
	}
	if cfg.Region != "" {
		transport.client.SetHeader("X-Ses-Region", cfg.Region)
	}

	return &SESAdapter{
		name:          cfg.Name,
		transport:     transport,
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
	}, nil
}

func (a *SESAdapter) Name() string { return a.name }

func (a *SESAdapter) Capabilities() Capabilities {
	return Capabilities{Batch: true, Webhooks: true}
}

func (a *SESAdapter) MaxBatchSize() int { return sesMaxBatchSize }

func (a *SESAdapter) SendEmail(ctx context.Context, msg domain.Message) (*domain.MessageResponse, error) {
	req, err := a.buildRequest(msg)
	if err != nil {
		return nil, err
	}

	var out sesSendResponse
	response, err := a.transport.do(ctx, http.MethodPost, sesSendPath, nil, req, &out)
	if err != nil {
		return nil, err
	}

	messageID := out.MessageID
	if messageID == "" {
		messageID = providerMessageID(response)
	}

	return &domain.MessageResponse{
		MessageID: messageID,
		Recipient: msg.PrimaryRecipient(),
		Status:    domain.MessageStatusSent,
		Provider:  a.name,
		Timestamp: a.now().UTC(),
	}, nil
}

// SendBatch posts up to MaxBatchSize messages in one bulk call. A transport or status
// failure fails the whole call; per-entry failures are reported as failed responses.
func (a *SESAdapter) SendBatch(ctx context.Context, msgs []domain.Message) ([]domain.MessageResponse, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > sesMaxBatchSize {
		return nil, permanentError(a.name, "batch of %d exceeds max %d", len(msgs), sesMaxBatchSize)
	}

	entries := make([]sesSendRequest, 0, len(msgs))
	for _, msg := range msgs {
		req, err := a.buildRequest(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, req)
	}

	var out sesBulkResponse
	if _, err := a.transport.do(ctx, http.MethodPost, sesBulkPath, nil, sesBulkRequest{Entries: entries}, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(msgs) {
		return nil, &ProviderError{
			Provider:  a.name,
			Message:   "bulk response size mismatch",
			Retryable: true,
		}
	}

	now := a.now().UTC()
	responses := make([]domain.MessageResponse, len(msgs))
	for i, result := range out.Results {
		recipient := msgs[i].PrimaryRecipient()
		if !strings.EqualFold(result.Status, sesBulkStatusOK) {
			errMsg := result.Error
			if errMsg == "" {
				errMsg = strings.ToLower(result.Status)
			}
			responses[i] = domain.MessageResponse{
				Recipient: recipient,
				Status:    domain.MessageStatusFailed,
				Provider:  a.name,
				Timestamp: now,
				Attempts:  1,
				Error:     errMsg,
			}
			continue
		}
		responses[i] = domain.MessageResponse{
			MessageID: result.MessageID,
			Recipient: recipient,
			Status:    domain.MessageStatusSent,
			Provider:  a.name,
			Timestamp: now,
			Attempts:  1,
		}
	}

	return responses, nil
}

func (a *SESAdapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return signing.Verify(a.webhookSecret, payload, signature)
}

func (a *SESAdapter) HealthCheck(ctx context.Context) bool {
	return a.transport.healthy(ctx, sesAccountPath)
}

func (a *SESAdapter) buildRequest(msg domain.Message) (sesSendRequest, error) {
	if msg.HasAttachments() {
		return sesSendRequest{}, permanentError(a.name, "attachments are not supported")
	}

	simple := sesSimpleMessage{
		Subject: sesContent{Data: msg.Subject, Charset: sesDefaultCharset},
	}
	if msg.HTML != "" {
		simple.Body.HTML = &sesContent{Data: msg.HTML, Charset: sesDefaultCharset}
	}
	if msg.Text != "" {
		simple.Body.Text = &sesContent{Data: msg.Text, Charset: sesDefaultCharset}
	}

	var configSet string
	for _, name := range sortedKeys(msg.Headers) {
		if strings.EqualFold(name, sesConfigSetHeader) {
			configSet = msg.Headers[name]
			continue
		}
		simple.Headers = append(simple.Headers, sesHeader{Name: name, Value: msg.Headers[name]})
	}

	req := sesSendRequest{
		FromEmailAddress:     msg.From,
		Destination:          sesDestination{ToAddresses: append([]string(nil), msg.To...)},
		Content:              sesEmailContent{Simple: simple},
		ConfigurationSetName: configSet,
	}
	if msg.ReplyTo != "" {
		req.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for _, key := range sortedKeys(msg.Metadata) {
		req.EmailTags = append(req.EmailTags, sesTag{Name: key, Value: msg.Metadata[key]})
	}
	if msg.ID != "" {
		req.EmailTags = append(req.EmailTags, sesTag{Name: "message_id", Value: msg.ID})
	}

	return req, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
