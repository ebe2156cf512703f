/*
Copyright 2025 Formpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/take2eu/formpay/config"
)

// Attachment is one file carried by an outbound message. Content is written
// into the MIME body verbatim (base64 on the wire), so delivered bytes are
// always identical to staged bytes.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is the canonical representation of one outbound email. The whole
// message is a single MIME payload: either every attachment goes out or the
// send fails, never a partial set.
type Message struct {
	MessageID   string
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Transport sends a fully built message. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures the SMTP transport.
type Option func(*SMTPTransport)

// WithDialer swaps the network dialer used to establish SMTP connections.
func WithDialer(d Dialer) Option {
	return func(t *SMTPTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithTLSConfig overrides the TLS configuration used when negotiating STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithClock replaces the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(t *SMTPTransport) {
		if now != nil {
			t.now = now
		}
	}
}

// SMTPTransport implements Transport over a real SMTP backend.
type SMTPTransport struct {
	host      string
	port      int
	from      string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPTransport constructs a Transport from the mail configuration.
func NewSMTPTransport(cfg config.MailConfig, opts ...Option) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mailer: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("mailer: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mailer: from address is required")
	}

	t := &SMTPTransport{
		host:      cfg.Host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
	}

	if strings.TrimSpace(cfg.User) != "" {
		t.auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}

	t.tlsConfig = &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Send delivers the message using the configured SMTP backend.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("mailer: message is required")
	}
	if len(msg.To) == 0 {
		return errors.New("mailer: at least one recipient is required")
	}

	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = t.from
	}

	raw, err := t.buildMessage(msg, from)
	if err != nil {
		return err
	}

	return t.deliver(ctx, from, msg.To, raw)
}

// buildMessage renders the RFC 5322 message: headers, a text part and one
// base64 part per attachment inside a multipart/mixed envelope.
func (t *SMTPTransport) buildMessage(msg *Message, from string) ([]byte, error) {
	var out bytes.Buffer
	body := multipart.NewWriter(&out)

	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", strings.Join(msg.To, ", ")),
		fmt.Sprintf("Subject: %s", mime.QEncoding.Encode("utf-8", msg.Subject)),
		fmt.Sprintf("Date: %s", t.now().UTC().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", body.Boundary()),
	}
	if msg.MessageID != "" {
		headers = append(headers, fmt.Sprintf("Message-ID: <%s@%s>", msg.MessageID, t.host))
	}
	for _, h := range headers {
		out.WriteString(h)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := body.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("mailer: text part: %w", err)
	}
	if _, err := textPart.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("mailer: text write: %w", err)
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", fmt.Sprintf("%s; name=%q", contentType, att.Filename))
		partHeader.Set("Content-Transfer-Encoding", "base64")
		partHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))

		part, err := body.CreatePart(partHeader)
		if err != nil {
			return nil, fmt.Errorf("mailer: attachment part %s: %w", att.Filename, err)
		}
		if err := writeBase64(part, att.Content); err != nil {
			return nil, fmt.Errorf("mailer: attachment write %s: %w", att.Filename, err)
		}
	}

	if err := body.Close(); err != nil {
		return nil, fmt.Errorf("mailer: close body: %w", err)
	}

	return out.Bytes(), nil
}

// writeBase64 emits base64 content wrapped at 76 columns per RFC 2045.
func writeBase64(w io.Writer, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := w.Write([]byte(encoded[:n])); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func (t *SMTPTransport) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailer: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("mailer: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(t.helloName); err != nil {
		return fmt.Errorf("mailer: hello: %w", err)
	}

	if t.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(t.tlsConfig); err != nil {
				return fmt.Errorf("mailer: starttls: %w", err)
			}
		}
	}

	if t.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(t.auth); err != nil {
				return fmt.Errorf("mailer: auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mailer: mail from: %w", err)
	}

	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("mailer: rcpt to %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("mailer: data: %w", err)
	}

	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("mailer: data write: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("mailer: data close: %w", err)
	}

	return client.Quit()
}
