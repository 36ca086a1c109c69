package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/UditSharma04/Embedder-farm/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier sends verification codes over SMTP.
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier creates a new SMTP-backed notifier.
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendVerificationCode emails the verification code to the user.
func (n *EmailNotifier) SendVerificationCode(toEmail string, fullName string, code string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return fmt.Errorf("email config missing")
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(n.cfg.FromEmail, "FarmConnect"))
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "Verify Your FarmConnect Account")
	m.SetBody("text/html", buildVerificationBody(fullName, code))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("verification email sent", slog.String("to", toEmail))
	return nil
}

func buildVerificationBody(fullName string, code string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="text-align: center; margin-bottom: 20px;">
    <h1 style="color: #2B5C2B; margin-bottom: 10px;">Welcome to FarmConnect!</h1>
    <p style="font-size: 16px; color: #666;">India's Largest Agricultural Network</p>
  </div>
  <div style="background-color: #ffffff; border-radius: 8px; padding: 20px; box-shadow: 0 2px 4px rgba(0,0,0,0.1);">
    <p style="font-size: 16px; color: #333;">Hi %s,</p>
    <p style="font-size: 16px; color: #333;">Thank you for signing up. Please use the verification code below to verify your account:</p>
    <div style="background-color: #f8f8f8; border-radius: 4px; padding: 16px; text-align: center; margin: 24px 0;">
      <span style="font-size: 32px; letter-spacing: 4px; font-weight: bold; color: #2B5C2B;">%s</span>
    </div>
    <p style="font-size: 14px; color: #666;">This code will expire in 10 minutes.</p>
    <p style="font-size: 14px; color: #666;">If you didn't create an account, please ignore this email.</p>
  </div>
  <div style="text-align: center; margin-top: 20px;">
    <p style="font-size: 14px; color: #666;">Best regards,<br>The FarmConnect Team</p>
  </div>
</body>
</html>`, fullName, code)
}
