package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPStatusThreshold = 300
	webhookTimeout             = 5 * time.Second
)

// WebhookService pushes security-relevant rotation events (reuse detected,
// revoked token presented) to an external receiver. Fire and forget: a
// failed delivery is logged, never surfaced to the request path.
type WebhookService struct {
	client     *http.Client
	log        *zap.SugaredLogger
	webhookURL string
}

func NewWebhookService(log *zap.SugaredLogger, webhookURL string) *WebhookService {
	return &WebhookService{
		client:     &http.Client{Timeout: webhookTimeout},
		log:        log,
		webhookURL: webhookURL,
	}
}

func (s *WebhookService) NotifySecurityEvent(ctx context.Context, event string, data map[string]interface{}) {
	go func() {
		if s.webhookURL == "" {
			return
		}

		payload := map[string]interface{}{"event": event}
		for k, v := range data {
			payload[k] = v
		}

		body, err := json.Marshal(payload)
		if err != nil {
			s.log.Errorw("failed to marshal webhook payload", "error", err)
			return
		}

		// Detach from the request context: the alert must outlive the
		// rejected request that triggered it.
		sendCtx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
		if err != nil {
			s.log.Errorw("failed to create webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Errorw("failed to send webhook", "error", err, "event", event)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= defaultHTTPStatusThreshold {
			s.log.Warnw("webhook returned non-2xx status", "status", resp.StatusCode, "event", event)
		}
	}()
}
