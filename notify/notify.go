// Package notify sends operator notifications about cluster lifecycle events.
package notify

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"
)

// Mailer sends email notifications over SMTP. Notification failures are never
// fatal; callers log and continue.
type Mailer struct {
	log *zap.SugaredLogger

	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

func NewMailer(log *zap.SugaredLogger, host string, port int, from string, to []string) *Mailer {
	return &Mailer{
		log:  log.Named("mailer"),
		Host: host,
		Port: port,
		From: from,
		To:   to,
	}
}

func (m *Mailer) WithCredentials(username, password string) *Mailer {
	m.Username = username
	m.Password = password
	return m
}

// SendShutdownNotice emails a shutdown notification, optionally including the
// shutdown report.
func (m *Mailer) SendShutdownNotice(clusterName, report string) error {
	body := fmt.Sprintf("drover cluster was shut down at: %s", time.Now().Format(time.RFC1123))
	if report != "" {
		body += "\n\n" + report
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", fmt.Sprintf("drover cluster %s completed", clusterName))
	msg.SetBody("text/plain", body)

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending shutdown notification: %w", err)
	}
	m.log.Infow("sent shutdown notification", "cluster", clusterName, "recipients", len(m.To))
	return nil
}
