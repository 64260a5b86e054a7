package dispatch

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/temporal-agent/scheduler/internal/domain"
)

// EmailDispatcher sends via a configured SMTP transport, with plain-text
// and HTML alternative bodies derived from the task.
type EmailDispatcher struct {
	Host string
	Port int
	From string
	Auth smtp.Auth
}

func (d EmailDispatcher) Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) Result {
	to := t.CallbackConfig["to"]
	if to == "" {
		return Result{Success: false, Error: "email callback is missing a 'to' address"}
	}
	if d.Host == "" {
		return Result{Success: false, Error: "SMTP transport is not configured"}
	}

	subject := fmt.Sprintf("Task %q fired", t.Name)
	plain := fmt.Sprintf("Task %s (%s) fired at %s, run #%d.\nPayload: %v\n",
		t.Name, t.ID, firedAt.UTC().Format(time.RFC3339), fireIndex, t.Payload)
	html := fmt.Sprintf("<p>Task <b>%s</b> (%s) fired at %s, run #%d.</p><pre>%v</pre>",
		t.Name, t.ID, firedAt.UTC().Format(time.RFC3339), fireIndex, t.Payload)

	msg := buildMIMEMessage(d.From, to, subject, plain, html)

	addr := fmt.Sprintf("%s:%d", d.Host, d.Port)
	if err := smtp.SendMail(addr, d.Auth, d.From, []string{to}, msg); err != nil {
		return Result{Success: false, Error: "SMTP send failed: " + err.Error()}
	}
	return Result{Success: true}
}

func buildMIMEMessage(from, to, subject, plain, html string) []byte {
	boundary := "temporal-agent-boundary"
	msg := "From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n" + plain + "\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n\r\n" + html + "\r\n" +
		"--" + boundary + "--\r\n"
	return []byte(msg)
}
