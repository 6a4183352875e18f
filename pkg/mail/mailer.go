package mail

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
)

// Mailer sends completion notification e-mails. Bodies are per-transport
// plain-text templates with ${...} placeholders.
type Mailer struct {
	cfg      config.MailConfig
	dialer   *gomail.Dialer
	validate *validator.Validate
	logger   *zap.Logger
}

// New constructs a mailer from configuration.
func New(cfg config.MailConfig, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		cfg:      cfg,
		dialer:   gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		validate: validator.New(),
		logger:   logger,
	}
}

// Required reports whether transport demands an e-mail address at submission.
func (m *Mailer) Required(transport string) bool {
	return m.cfg.Required[transport]
}

// ValidAddress reports whether address is a well-formed e-mail address.
func (m *Mailer) ValidAddress(address string) bool {
	return m.validate.Var(address, "required,email") == nil
}

// DownloadReady sends the "your download is ready" notification. Failures are
// logged, never propagated: notification delivery must not affect the
// download lifecycle.
func (m *Mailer) DownloadReady(download *models.Download, downloadURL string) {
	if !m.cfg.Enabled {
		m.logger.Sugar().Debugw("e-mail not sent, mail disabled", "download", download.ID)
		return
	}
	if download.Email == nil || !m.ValidAddress(*download.Email) {
		m.logger.Sugar().Debugw("e-mail not sent, missing or invalid address", "download", download.ID)
		return
	}

	body, ok := m.cfg.Bodies[download.Transport]
	if !ok {
		m.logger.Sugar().Warnw("no mail body configured for transport",
			"transport", download.Transport, "download", download.ID)
		return
	}

	name := download.UserName
	if strings.TrimSpace(download.FullName) != "" {
		name = download.FullName
	}
	preparedID := ""
	if download.PreparedID != nil {
		preparedID = *download.PreparedID
	}
	values := map[string]string{
		"email":        *download.Email,
		"userName":     name,
		"facilityName": download.FacilityName,
		"preparedId":   preparedID,
		"downloadUrl":  downloadURL,
		"fileName":     download.FileName,
		"size":         humanBytes(download.Size),
	}

	message := gomail.NewMessage()
	message.SetHeader("From", m.cfg.From)
	message.SetHeader("To", *download.Email)
	message.SetHeader("Subject", substitute(m.cfg.Subject, values))
	message.SetBody("text/plain", substitute(body, values))

	if err := m.dialer.DialAndSend(message); err != nil {
		m.logger.Sugar().Warnw("failed to send notification e-mail",
			"download", download.ID, "error", err)
		return
	}
	m.logger.Sugar().Debugw("notification e-mail sent", "download", download.ID, "to", *download.Email)
}

// substitute expands ${key} placeholders, leaving unknown keys untouched.
func substitute(template string, values map[string]string) string {
	return os.Expand(template, func(key string) string {
		if value, ok := values[key]; ok {
			return value
		}
		return "${" + key + "}"
	})
}

func humanBytes(size int64) string {
	if size < 0 {
		return "unknown"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
