package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

func newTestSendGrid(t *testing.T, handler http.HandlerFunc) *SendGridAdapter {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := NewSendGridAdapter(domain.ProviderConfig{
		Name:     "sendgrid",
		Kind:     domain.ProviderKindSendGrid,
		Endpoint: server.URL,
		APIKey:   "sg-key",
	}, resty.New())
	if err != nil {
		t.Fatalf("NewSendGridAdapter() error = %v", err)
	}
	return adapter
}

func TestSendGridAdapterSendEmail(t *testing.T) {
	t.Parallel()

	var got sendGridMailRequest
	adapter := newTestSendGrid(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sendGridSendPath {
			t.Errorf("path = %s, want %s", r.URL.Path, sendGridSendPath)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg-42")
		w.WriteHeader(http.StatusAccepted)
	})
	now := time.Unix(1_700_000_000, 0)
	adapter.now = func() time.Time { return now }

	sendAt := now.Add(time.Hour)
	msg := testMessage("Jane Doe <jane@example.com>")
	msg.TrackOpens = true
	msg.SendAt = &sendAt
	msg.Attachments = []domain.Attachment{{Filename: "a.txt", ContentType: "text/plain", Content: []byte("abc")}}

	resp, err := adapter.SendEmail(context.Background(), msg)
	if err != nil {
		t.Fatalf("SendEmail() unexpected error: %v", err)
	}
	if resp.MessageID != "sg-42" || resp.Provider != "sendgrid" {
		t.Fatalf("SendEmail() = %+v", resp)
	}

	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "jane@example.com" || got.Personalizations[0].To[0].Name != "Jane Doe" {
		t.Fatalf("personalizations = %+v", got.Personalizations)
	}
	if got.Personalizations[0].CustomArgs["message_id"] != "msg-1" {
		t.Fatalf("custom_args = %+v", got.Personalizations[0].CustomArgs)
	}
	if len(got.Content) != 2 || got.Content[0].Type != "text/plain" {
		t.Fatalf("content = %+v, want text/plain first", got.Content)
	}
	if !got.TrackingSettings.OpenTracking.Enable || got.TrackingSettings.ClickTracking.Enable {
		t.Fatalf("tracking = %+v", got.TrackingSettings)
	}
	if got.SendAt != sendAt.Unix() {
		t.Fatalf("send_at = %d, want %d", got.SendAt, sendAt.Unix())
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Content != base64.StdEncoding.EncodeToString([]byte("abc")) {
		t.Fatalf("attachments = %+v", got.Attachments)
	}
}

func TestSendGridAdapterAnalytics(t *testing.T) {
	t.Parallel()

	adapter := newTestSendGrid(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sendGridStatsPath {
			t.Errorf("path = %s, want %s", r.URL.Path, sendGridStatsPath)
		}
		if r.URL.Query().Get("start_date") != "2026-01-01" || r.URL.Query().Get("end_date") != "2026-01-02" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[
			{"date":"2026-01-01","stats":[{"metrics":{"requests":10,"delivered":9,"unique_opens":4,"bounces":1}}]},
			{"date":"2026-01-02","stats":[{"metrics":{"requests":5,"delivered":5,"unique_clicks":2,"spam_reports":1}}]}]`))
	})

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stats, err := adapter.Analytics(context.Background(), from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Analytics() unexpected error: %v", err)
	}
	if stats.Requests != 15 || stats.Delivered != 14 || stats.Opened != 4 || stats.Clicked != 2 || stats.Bounced != 1 || stats.Complained != 1 {
		t.Fatalf("Analytics() = %+v", stats)
	}
}

func TestNewAdapterByKind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     domain.ProviderConfig
		wantErr bool
	}{
		{name: "ses", cfg: domain.ProviderConfig{Name: "ses", Kind: domain.ProviderKindSES, Endpoint: "http://ses.local"}},
		{name: "sendgrid", cfg: domain.ProviderConfig{Name: "sg", Kind: domain.ProviderKindSendGrid, Endpoint: "http://sg.local"}},
		{name: "mock", cfg: domain.ProviderConfig{Name: "mock", Kind: domain.ProviderKindMock}},
		{name: "missing endpoint", cfg: domain.ProviderConfig{Name: "ses", Kind: domain.ProviderKindSES}, wantErr: true},
		{name: "unknown kind", cfg: domain.ProviderConfig{Name: "x", Kind: "smtp"}, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			adapter, err := NewAdapter(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("NewAdapter() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAdapter() error = %v", err)
			}
			if adapter.Name() != tc.cfg.Name {
				t.Fatalf("Name() = %q, want %q", adapter.Name(), tc.cfg.Name)
			}
		})
	}
}
