package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
)

const (
	sendGridSendPath   = "/v3/mail/send"
	sendGridStatsPath  = "/v3/stats"
	sendGridScopesPath = "/v3/scopes"
	sendGridDateLayout = "2006-01-02"
)

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

type sendGridToggle struct {
	Enable bool `json:"enable"`
}

type sendGridTracking struct {
	ClickTracking sendGridToggle `json:"click_tracking"`
	OpenTracking  sendGridToggle `json:"open_tracking"`
}

type sendGridMailRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
	Headers          map[string]string         `json:"headers,omitempty"`
	TrackingSettings sendGridTracking          `json:"tracking_settings"`
	SendAt           int64                     `json:"send_at,omitempty"`
}

type sendGridStatMetrics struct {
	Requests     int64 `json:"requests"`
	Delivered    int64 `json:"delivered"`
	UniqueOpens  int64 `json:"unique_opens"`
	UniqueClicks int64 `json:"unique_clicks"`
	Bounces      int64 `json:"bounces"`
	SpamReports  int64 `json:"spam_reports"`
}

type sendGridStatDay struct {
	Date  string `json:"date"`
	Stats []struct {
		Metrics sendGridStatMetrics `json:"metrics"`
	} `json:"stats"`
}

// SendGridAdapter talks to a SendGrid v3 shaped API. It supports attachments, tracking,
// scheduled sends and analytics, but has no native batch.
type SendGridAdapter struct {
	name          string
	transport     *httpTransport
	webhookSecret string
	now           func() time.Time
}

func NewSendGridAdapter(cfg domain.ProviderConfig, client *resty.Client) (*SendGridAdapter, error) {
	transport, err := newHTTPTransport(cfg.Name, cfg.Endpoint, cfg.APIKey, cfg.Timeout, client)
	if err != nil {
		return nil, err
	}

	return &SendGridAdapter{
		name:          cfg.Name,
		transport:     transport,
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
	}, nil
}

func (a *SendGridAdapter) Name() string { return a.name }

func (a *SendGridAdapter) Capabilities() Capabilities {
	return Capabilities{
		Webhooks:    true,
		Attachments: true,
		Tracking:    true,
		Scheduling:  true,
		Analytics:   true,
	}
}

func (a *SendGridAdapter) SendEmail(ctx context.Context, msg domain.Message) (*domain.MessageResponse, error) {
	req, err := a.buildRequest(msg)
	if err != nil {
		return nil, err
	}

	response, err := a.transport.do(ctx, http.MethodPost, sendGridSendPath, nil, req, nil)
	if err != nil {
		return nil, err
	}

	return &domain.MessageResponse{
		MessageID: providerMessageID(response),
		Recipient: msg.PrimaryRecipient(),
		Status:    domain.MessageStatusSent,
		Provider:  a.name,
		Timestamp: a.now().UTC(),
	}, nil
}

func (a *SendGridAdapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return signing.Verify(a.webhookSecret, payload, signature)
}

func (a *SendGridAdapter) HealthCheck(ctx context.Context) bool {
	return a.transport.healthy(ctx, sendGridScopesPath)
}

// Analytics sums the daily global stats between from and to, inclusive by date.
func (a *SendGridAdapter) Analytics(ctx context.Context, from, to time.Time) (*Analytics, error) {
	if to.Before(from) {
		return nil, permanentError(a.name, "analytics range end precedes start")
	}

	query := map[string]string{
		"start_date":    from.UTC().Format(sendGridDateLayout),
		"end_date":      to.UTC().Format(sendGridDateLayout),
		"aggregated_by": "day",
	}

	var days []sendGridStatDay
	if _, err := a.transport.do(ctx, http.MethodGet, sendGridStatsPath, query, nil, &days); err != nil {
		return nil, err
	}

	out := &Analytics{Provider: a.name, From: from, To: to}
	for _, day := range days {
		for _, stat := range day.Stats {
			out.Requests += stat.Metrics.Requests
			out.Delivered += stat.Metrics.Delivered
			out.Opened += stat.Metrics.UniqueOpens
			out.Clicked += stat.Metrics.UniqueClicks
			out.Bounced += stat.Metrics.Bounces
			out.Complained += stat.Metrics.SpamReports
		}
	}

	return out, nil
}

func (a *SendGridAdapter) buildRequest(msg domain.Message) (sendGridMailRequest, error) {
	from, err := sendGridAddressOf(msg.From)
	if err != nil {
		return sendGridMailRequest{}, permanentError(a.name, "invalid sender %q", msg.From)
	}

	personalization := sendGridPersonalization{}
	for _, to := range msg.To {
		addr, err := sendGridAddressOf(to)
		if err != nil {
			return sendGridMailRequest{}, permanentError(a.name, "invalid recipient %q", to)
		}
		personalization.To = append(personalization.To, addr)
	}
	if len(msg.Metadata) > 0 || msg.ID != "" {
		personalization.CustomArgs = make(map[string]string, len(msg.Metadata)+1)
		for k, v := range msg.Metadata {
			personalization.CustomArgs[k] = v
		}
		if msg.ID != "" {
			personalization.CustomArgs["message_id"] = msg.ID
		}
	}

	req := sendGridMailRequest{
		Personalizations: []sendGridPersonalization{personalization},
		From:             from,
		Subject:          msg.Subject,
		Headers:          msg.Headers,
		TrackingSettings: sendGridTracking{
			ClickTracking: sendGridToggle{Enable: msg.TrackClicks},
			OpenTracking:  sendGridToggle{Enable: msg.TrackOpens},
		},
	}

	// text/plain must precede text/html.
	if msg.Text != "" {
		req.Content = append(req.Content, sendGridContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		req.Content = append(req.Content, sendGridContent{Type: "text/html", Value: msg.HTML})
	}

	if msg.ReplyTo != "" {
		replyTo, err := sendGridAddressOf(msg.ReplyTo)
		if err != nil {
			return sendGridMailRequest{}, permanentError(a.name, "invalid reply-to %q", msg.ReplyTo)
		}
		req.ReplyTo = &replyTo
	}

	for _, att := range msg.Attachments {
		disposition := "attachment"
		if att.ContentID != "" {
			disposition = "inline"
		}
		req.Attachments = append(req.Attachments, sendGridAttachment{
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			Type:        att.ContentType,
			Filename:    att.Filename,
			Disposition: disposition,
			ContentID:   att.ContentID,
		})
	}

	if msg.SendAt != nil && msg.SendAt.After(a.now()) {
		req.SendAt = msg.SendAt.Unix()
	}

	return req, nil
}

func sendGridAddressOf(raw string) (sendGridAddress, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return sendGridAddress{}, err
	}
	return sendGridAddress{Email: addr.Address, Name: addr.Name}, nil
}
