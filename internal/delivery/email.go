package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host       string
	Port       int
	From       string
	Username   string
	Password   string
	RatePerSec float64
}

// EmailSender mails the artifact as an attachment. Sends are throttled
// by a token bucket so a wide fan-out cannot flood the relay.
type EmailSender struct {
	cfg     EmailConfig
	limiter *rate.Limiter
	log     logx.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg EmailConfig, log logx.Logger) *EmailSender {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailSender{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log,
		send:    smtp.SendMail,
	}
}

func (s *EmailSender) Type() schedule.TargetType { return schedule.TargetEmail }

func (s *EmailSender) Send(ctx context.Context, req Request) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	rc, err := req.Open()
	if err != nil {
		return errNoPayload
	}
	var payload bytes.Buffer
	_, err = payload.ReadFrom(rc)
	_ = rc.Close()
	if err != nil {
		return schedule.MarkTransient(err)
	}

	to := req.Target.Address
	msg := buildMessage(s.cfg.From, to, req, payload.Bytes())

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.cfg.From, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			// Relay errors are usually transient (greylisting, throttling).
			return schedule.MarkTransient(err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Debug("email sent",
		logx.String("to", to),
		logx.String("artifact", req.Artifact.ID),
		logx.Duration("rate_interval", time.Duration(float64(time.Second)/s.cfg.RatePerSec)))
	return nil
}

func buildMessage(from, to string, req Request, payload []byte) []byte {
	filename := path.Base(req.Artifact.Location)
	subject := fmt.Sprintf("%s: %s", capitalize(string(req.Schedule.Kind)), req.Schedule.Name)
	boundary := "artifactd-" + req.Artifact.ID

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Scheduled %s %q finished at %s.\r\n\r\n",
		req.Schedule.Kind, req.Schedule.Name, req.Artifact.CreatedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	fmt.Fprintf(&b, "Content-Type: application/octet-stream\r\n")
	fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", filename)
	fmt.Fprintf(&b, "Content-Transfer-Encoding: base64\r\n\r\n")

	enc := base64.StdEncoding.EncodeToString(payload)
	for len(enc) > 0 {
		n := 76
		if n > len(enc) {
			n = len(enc)
		}
		b.WriteString(enc[:n])
		b.WriteString("\r\n")
		enc = enc[n:]
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
