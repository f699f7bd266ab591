package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/alert"
)

func init() {
	register("email", []string{"smtp_server", "smtp_port", "username", "password", "from_address", "recipients", "subject_template"},
		func(name string, node *yaml.Node) (AlertChannel, error) {
			ec := emailOptions{SMTPPort: 587, SubjectTemplate: "[sentinel] %s"}
			if node != nil {
				if err := node.Decode(&ec); err != nil {
					return nil, fmt.Errorf("channel %q: %w", name, err)
				}
			}
			if ec.SMTPServer == "" {
				return nil, fmt.Errorf("channel %q: smtp_server is required", name)
			}
			if ec.FromAddress == "" || len(ec.Recipients) == 0 {
				return nil, fmt.Errorf("channel %q: from_address and recipients are required", name)
			}
			return &Email{name: name, opts: ec}, nil
		})
}

type emailOptions struct {
	SMTPServer      string   `yaml:"smtp_server"`
	SMTPPort        int      `yaml:"smtp_port"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	FromAddress     string   `yaml:"from_address"`
	Recipients      []string `yaml:"recipients"`
	SubjectTemplate string   `yaml:"subject_template"` // %s is the alert name
}

// Email delivers violations over SMTP with STARTTLS when offered.
type Email struct {
	name string
	opts emailOptions
}

func (e *Email) Name() string { return e.name }
func (e *Email) Type() string { return "email" }

func (e *Email) Send(ctx context.Context, v *alert.Violation) bool {
	if err := e.send(ctx, v); err != nil {
		slog.Error("email: delivery failed", "channel", e.name, "error", err)
		return false
	}
	return true
}

func (e *Email) send(ctx context.Context, v *alert.Violation) error {
	from := sanitizeHeader(e.opts.FromAddress)
	to := make([]string, len(e.opts.Recipients))
	for i, r := range e.opts.Recipients {
		to[i] = sanitizeHeader(r)
	}
	subject := sanitizeHeader(fmt.Sprintf(e.opts.SubjectTemplate, v.AlertName))

	body := fmt.Sprintf(
		"Alert: %s\nSeverity: %s\nMessage: %s\nCurrent Value: %v\nThreshold: %s %v\nDatasource: %s\nTime: %s\n",
		v.AlertName, strings.ToUpper(string(v.Severity)), v.Message,
		v.Current, v.Operator, v.Limit, v.Datasource, v.Timestamp.UTC().Format(time.RFC3339),
	)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, time.Now().Format(time.RFC1123Z), body)

	addr := net.JoinHostPort(e.opts.SMTPServer, fmt.Sprintf("%d", e.opts.SMTPPort))
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, e.opts.SMTPServer)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.opts.SMTPServer}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if e.opts.Username != "" {
		auth := smtp.PlainAuth("", e.opts.Username, expandEnv(e.opts.Password), e.opts.SMTPServer)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, t := range to {
		if err := c.Rcpt(t); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
