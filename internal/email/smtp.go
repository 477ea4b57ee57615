package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nugget/occam-assistant/internal/channel"
)

// smtpTimeout bounds a whole SMTP session when the context has no
// earlier deadline.
const smtpTimeout = time.Minute

// SMTPConfig describes the outbound mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address for replies, "Name <addr>" or "addr".
	From string

	// StartTLS selects a plain connection upgraded with STARTTLS
	// (port 587). Otherwise the connection uses implicit TLS (465).
	StartTLS bool
}

// SendMail delivers msg, a complete RFC 5322 message, over a fresh
// connection. The context deadline, or one minute, bounds the whole
// session.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpTimeout)
	}
	conn, err := dialSMTP(ctx, cfg, deadline)
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	steps := []struct {
		name string
		run  func() error
	}{
		{"EHLO", func() error { return c.Hello(heloName(from)) }},
		{"STARTTLS", func() error {
			if !cfg.StartTLS {
				return nil
			}
			return c.StartTLS(&tls.Config{ServerName: cfg.Host})
		}},
		{"AUTH", func() error {
			if cfg.Username == "" {
				return nil
			}
			return c.Auth(newSASLAuth(cfg.Host, cfg.Username, cfg.Password))
		}},
		{"MAIL FROM", func() error { return c.Mail(from) }},
		{"RCPT TO", func() error {
			for _, r := range recipients {
				if err := c.Rcpt(r); err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
			}
			return nil
		}},
		{"DATA", func() error {
			w, err := c.Data()
			if err != nil {
				return err
			}
			if _, err := w.Write(msg); err != nil {
				return err
			}
			return w.Close()
		}},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return fmt.Errorf("smtp %s: %w", s.name, err)
		}
	}
	return c.Quit()
}

// dialSMTP opens an implicit TLS connection, or a plain one that the
// session upgrades with STARTTLS.
func dialSMTP(ctx context.Context, cfg SMTPConfig, deadline time.Time) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if cfg.StartTLS {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	} else {
		d := &tls.Dialer{Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// heloName is the domain of the envelope sender, which mail servers
// accept more readily than "localhost".
func heloName(from string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	return "localhost"
}

// SMTPReplier answers one inbound message with an SMTP reply to its
// sender.
type SMTPReplier struct {
	cfg    SMTPConfig
	to     *Message
	logger *slog.Logger
}

// NewSMTPReplier creates a replier for msg.
func NewSMTPReplier(cfg SMTPConfig, msg *Message, logger *slog.Logger) *SMTPReplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPReplier{cfg: cfg, to: msg, logger: logger.With("component", "smtp")}
}

// Send implements [channel.Replier]. SMTP yields no message id Occam
// can correlate, so the result is always zero.
func (r *SMTPReplier) Send(ctx context.Context, text string) (channel.SendResult, error) {
	sender, err := mail.ParseAddress(r.cfg.From)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("from address: %w", err)
	}
	raw, err := ComposeReply(ReplyOptions{From: r.cfg.From, To: r.to, Body: text})
	if err != nil {
		return channel.SendResult{}, err
	}
	if err := SendMail(ctx, r.cfg, sender.Address, []string{r.to.FromAddr}, raw); err != nil {
		return channel.SendResult{}, fmt.Errorf("reply to %s: %w", r.to.FromAddr, err)
	}
	r.logger.Info("email reply sent", "to", r.to.FromAddr, "subject", r.to.Subject, "bytes", len(raw))
	return channel.SendResult{}, nil
}
