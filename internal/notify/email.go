package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// alertSubject returns the subject line for an alert email.
func alertSubject(stationName string, p *WebhookPayload) string {
	what := "Device " + p.Device
	if p.Track != "" {
		what += " track " + p.Track
	}
	return fmt.Sprintf("[ALERT] %s %s - %s", what, strings.ToUpper(p.State), stationName)
}

// alertBody returns the plain text body for an alert email.
func alertBody(p *WebhookPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A recording problem was detected at %s.\n\n", util.HumanTime())
	fmt.Fprintf(&b, "Device: %s\n", p.Device)
	if p.Track != "" {
		fmt.Fprintf(&b, "Track:  %s\n", p.Track)
	}
	fmt.Fprintf(&b, "State:  %s\n", p.State)
	if p.Error != "" {
		fmt.Fprintf(&b, "Error:  %s\n", p.Error)
	}
	if p.RunID != "" {
		fmt.Fprintf(&b, "Run:    %s\n", p.RunID)
	}
	b.WriteString("\nOther devices keep recording. Please check the affected input.")
	return b.String()
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
