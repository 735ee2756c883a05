package mailer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"html"

	gomail "gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("mailer: smtp credentials not configured")

type Config struct {
	Host string
	Port int
	From string
	Pass string
}

// Mailer sends share code invitations over SMTP.
type Mailer struct {
	from string
	send func(*gomail.Message) error
}

// New returns a Mailer backed by a STARTTLS dialer. Empty credentials yield
// a Mailer whose sends fail with ErrNotConfigured.
func New(cfg Config) *Mailer {
	if cfg.From == "" || cfg.Pass == "" {
		return &Mailer{send: func(*gomail.Message) error { return ErrNotConfigured }}
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.From, cfg.Pass)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return &Mailer{from: cfg.From, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

// NewWithSender is used when delivery is handled elsewhere, e.g. in tests.
func NewWithSender(from string, send func(*gomail.Message) error) *Mailer {
	return &Mailer{from: from, send: send}
}

// SendShareCode emails a room's share code to toEmail.
func (m *Mailer) SendShareCode(toEmail, code, senderName string) error {
	if err := m.send(m.shareCodeMessage(toEmail, code, senderName)); err != nil {
		return fmt.Errorf("send share code email: %w", err)
	}
	return nil
}

func (m *Mailer) shareCodeMessage(toEmail, code, senderName string) *gomail.Message {
	if senderName == "" {
		senderName = "A nearby device"
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", fmt.Sprintf("%s wants to share files with you", senderName))
	msg.SetBody("text/plain", fmt.Sprintf("Open Quickdrop and join room %s to receive the files.\n", code))
	msg.AddAlternative("text/html", fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; background:#0a0a0f; color:#e2e8f0; padding:40px;">
  <div style="max-width:480px; margin:auto; background:#13131a; border-radius:16px; padding:40px; border:1px solid #2d2d3d;">
    <h2 style="color:#a78bfa; margin:0 0 8px;">Quickdrop</h2>
    <p style="color:#94a3b8; margin:0 0 32px;">%s wants to share files with you</p>
    <div style="background:#1e1e2e; border-radius:12px; padding:24px; text-align:center; margin-bottom:24px;">
      <span style="font-size:40px; letter-spacing:12px; font-weight:700; color:#a78bfa;">%s</span>
    </div>
    <p style="color:#64748b; font-size:14px;">Enter this code in Quickdrop while the sender keeps the room open.</p>
  </div>
</body>
</html>`, html.EscapeString(senderName), html.EscapeString(code)))
	return msg
}
