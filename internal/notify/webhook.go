package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event       Event            `json:"event"`
	Station     string           `json:"station,omitempty"`
	File        string           `json:"file,omitempty"`
	StopReason  types.StopReason `json:"stop_reason,omitempty"`
	PeakLeftDB  float64          `json:"peak_left_db,omitempty"`
	PeakRightDB float64          `json:"peak_right_db,omitempty"`
	ThresholdDB float64          `json:"threshold_db,omitempty"`
	S3Key       string           `json:"s3_key,omitempty"`
	RetryCount  int              `json:"retry_count,omitempty"`
	Error       string           `json:"error,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   string           `json:"timestamp"`
}

// SendAlertWebhook posts an alert to the webhook.
func SendAlertWebhook(webhookURL, stationName string, a *Alert) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:       a.Event,
		Station:     stationName,
		File:        filepath.Base(a.File),
		StopReason:  a.StopReason,
		PeakLeftDB:  a.PeakLeftDB,
		PeakRightDB: a.PeakRightDB,
		ThresholdDB: a.ThresholdDB,
		S3Key:       a.S3Key,
		RetryCount:  a.RetryCount,
		Error:       a.Error,
		Message:     a.summary(),
		Timestamp:   timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     EventTest,
		Station:   stationName,
		Message:   "This is a test notification from " + stationName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
