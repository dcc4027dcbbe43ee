package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	defaultSubjectTemplate = "Task result: $task_name"
	defaultBodyTemplate    = "Task: $task_name\nTime: $timestamp\n\n$result\n"
)

// smtpTimeout bounds the whole SMTP session (dial through quit) so a
// blackholed mail host cannot stall a tick for the OS TCP timeout.
const smtpTimeout = 10 * time.Second

// SMTPConfig holds server-level settings; recipients and templates come
// from each task's delivery_config.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailAdapter sends task results via SMTP.
type EmailAdapter struct {
	cfg  SMTPConfig
	log  logx.Logger
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailAdapter(cfg SMTPConfig, log logx.Logger) (*EmailAdapter, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port == 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	return &EmailAdapter{
		cfg: cfg,
		log: log,
		send: func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
			return sendMail(addr, auth, from, to, msg, smtpTimeout)
		},
	}, nil
}

// sendMail mirrors smtp.SendMail with a connect timeout and a hard deadline
// on the whole session.
func sendMail(addr string, auth smtp.Auth, from string, to []string, msg []byte, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (a *EmailAdapter) Channel() string { return "email" }

// Deliver renders subject/body templates and sends one message.
// delivery_config keys: to (list, required), subject_template, body_template.
func (a *EmailAdapter) Deliver(ctx context.Context, resultText string, config map[string]any, taskName string) (task.DeliveryStatus, error) {
	to := configStrings(config, "to")
	if len(to) == 0 {
		return task.DeliveryStatus{}, errors.New("no recipients configured for email delivery")
	}

	vars := templateVars(resultText, taskName)
	subject := expand(configString(config, "subject_template", defaultSubjectTemplate), vars)
	body := expand(configString(config, "body_template", defaultBodyTemplate), vars)

	msg := strings.Builder{}
	fmt.Fprintf(&msg, "From: %s\r\n", a.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	if err := a.send(addr, auth, a.cfg.From, to, []byte(msg.String())); err != nil {
		return task.DeliveryStatus{}, err
	}

	a.log.Debug("email delivery sent", logx.String("task", taskName), logx.Int("recipients", len(to)))
	return task.DeliveryStatus{
		Status:  "delivered",
		Channel: "email",
		Detail:  fmt.Sprintf("%d recipient(s)", len(to)),
	}, nil
}

// sanitizeHeader strips CR/LF so templates cannot inject extra headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
