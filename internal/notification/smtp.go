package notification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/routeros-fleet/controlplane/internal/config"
)

// NewBackend selects the delivery backend from configuration: SMTP when
// notification_backend is "smtp" and an smtp_addr is set, the in-memory
// mock otherwise (lab deployments with no relay).
func NewBackend(cfg *config.Config) Backend {
	if cfg.NotificationBackend == "smtp" && cfg.SMTPAddr != "" {
		var auth smtp.Auth
		if cfg.SMTPUsername != "" {
			host, _, err := net.SplitHostPort(cfg.SMTPAddr)
			if err != nil {
				host = cfg.SMTPAddr
			}
			auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, host)
		}
		return NewSMTPBackend(cfg.SMTPAddr, cfg.SMTPFrom, auth)
	}
	return NewMockBackend()
}

// SMTPBackend delivers email over a plain SMTP relay. The control plane
// sends low-volume operational mail, so no queueing or retry lives here;
// the Notifier's ledger records failures for later inspection.
type SMTPBackend struct {
	Addr string // host:port
	From string
	Auth smtp.Auth // nil for an unauthenticated relay
}

func NewSMTPBackend(addr, from string, auth smtp.Auth) *SMTPBackend {
	return &SMTPBackend{Addr: addr, From: from, Auth: auth}
}

func (s *SMTPBackend) Name() string { return "smtp" }

func (s *SMTPBackend) Send(_ context.Context, email Email) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(email.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", email.Subject)
	if email.BodyHTML != "" {
		msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.BodyHTML)
	} else {
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.BodyText)
	}
	return smtp.SendMail(s.Addr, s.Auth, s.From, email.To, []byte(msg.String()))
}
