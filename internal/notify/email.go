package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// alertEmail returns the subject and body of an alert email.
func alertEmail(stationName string, a *Alert) (subject, body string) {
	var tag, title string
	switch a.Event {
	case EventCaptureSilent:
		tag, title = "ALERT", "Silent Capture"
	case EventCaptureInterrupted:
		tag, title = "ALERT", "Capture Interrupted"
	case EventCaptureFailed:
		tag, title = "ALERT", "Capture Failed"
	case EventUploadAbandoned:
		tag, title = "ALERT", "Upload Abandoned"
	default:
		tag, title = "OK", "Capture Finished"
	}
	subject = fmt.Sprintf("[%s] %s - %s", tag, title, stationName)

	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s.\n\n", capitalize(a.summary()), util.HumanTime())
	fmt.Fprintf(&b, "File:        %s\n", filepath.Base(a.File))
	if a.StopReason != "" {
		fmt.Fprintf(&b, "Stop reason: %s\n", a.StopReason)
	}
	if a.Event == EventCaptureSilent {
		fmt.Fprintf(&b, "Peak level:  L %.1f dB / R %.1f dB\n", a.PeakLeftDB, a.PeakRightDB)
		fmt.Fprintf(&b, "Threshold:   %.1f dB\n", a.ThresholdDB)
	}
	if a.S3Key != "" {
		fmt.Fprintf(&b, "S3 key:      %s\n", a.S3Key)
	}
	if a.RetryCount > 0 {
		fmt.Fprintf(&b, "Retries:     %d\n", a.RetryCount)
	}
	if a.Error != "" {
		fmt.Fprintf(&b, "Last error:  %s\n", a.Error)
	}
	return subject, b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// sendAlertEmail mails an alert with client.
func sendAlertEmail(ctx context.Context, client *GraphClient, cfg *GraphConfig, stationName string, a *Alert) error {
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	subject, body := alertEmail(stationName, a)
	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test email from %s.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		AppName, util.HumanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
