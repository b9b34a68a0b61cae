// Package notify delivers login verification mail over SMTP.
package notify

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Protocol string // "tls", "starttls" or "none"; derived from Port when empty
	FromAddr string
	FromName string
}

// SMTPMailer sends plaintext mail via SMTP.
type SMTPMailer struct {
	config SMTPConfig
	logger *slog.Logger
	dial   time.Duration
}

// NewSMTPMailer creates a new SMTP mailer with the given config.
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Protocol == "" {
		cfg.Protocol = protocolForPort(cfg.Port)
	}
	if cfg.FromName == "" {
		cfg.FromName = "onPulse"
	}
	if cfg.Protocol == "none" && cfg.Username != "" {
		logger.Warn("SMTP using unencrypted connection; credentials will be sent in plaintext")
	}
	return &SMTPMailer{config: cfg, logger: logger, dial: 10 * time.Second}
}

func protocolForPort(port int) string {
	switch port {
	case 465:
		return "tls"
	case 587:
		return "starttls"
	default:
		return "none"
	}
}

// Send delivers a message with the given subject and plaintext body to one recipient.
func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := m.buildMessage(to, subject, body)

	client, err := m.connect()
	if err != nil {
		return fmt.Errorf("notify.Send: connect: %w", err)
	}
	defer client.Close()

	if m.config.Username != "" {
		if err := m.authenticate(client); err != nil {
			return fmt.Errorf("notify.Send: auth: %w", err)
		}
	}

	if err := client.Mail(m.config.FromAddr); err != nil {
		return fmt.Errorf("notify.Send: MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("notify.Send: RCPT TO %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify.Send: DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notify.Send: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify.Send: close data: %w", err)
	}

	client.Quit()
	m.logger.Info("email sent", "subject", subject)
	return nil
}

func (m *SMTPMailer) connect() (*smtp.Client, error) {
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	dialer := &net.Dialer{Timeout: m.dial}

	if m.config.Protocol == "tls" {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.config.Host})
		if err != nil {
			return nil, fmt.Errorf("TLS dial: %w", err)
		}
		client, err := smtp.NewClient(conn, m.config.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		return client, nil
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}
	if m.config.Protocol == "starttls" {
		if err := client.StartTLS(&tls.Config{ServerName: m.config.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}
	return client, nil
}

func (m *SMTPMailer) authenticate(client *smtp.Client) error {
	return client.Auth(smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host))
}

// buildMessage constructs an RFC 5322 message.
func (m *SMTPMailer) buildMessage(to, subject, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s <%s>\r\n", m.config.FromName, m.config.FromAddr)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}
