package buildlog

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lightbuildserver/lbs/src/core"
)

// A Report describes a finished build to a user.
type Report struct {
	Target    core.BuildTarget
	Number    int
	Succeeded bool
	Started   time.Time
	Finished  time.Time
	// Log is the full stored output of the build.
	Log string
	// To is the address of the user who owns the build.
	To string
}

// A Notifier tells users about the results of their builds.
type Notifier interface {
	Notify(report Report) error
}

// A MailNotifier sends reports as plain text emails.
type MailNotifier struct {
	Server string
	From   string
	// URL is the base URL of this server, used to link to the stored log.
	URL  string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailNotifier returns a new MailNotifier sending through the given SMTP server.
func NewMailNotifier(server, from, url string) *MailNotifier {
	return &MailNotifier{Server: server, From: from, URL: url, send: smtp.SendMail}
}

// Notify implements the Notifier interface.
func (n *MailNotifier) Notify(report Report) error {
	if report.To == "" {
		log.Debug("No email address for %s, not sending report", report.Target)
		return nil
	}
	if err := n.send(n.Server, nil, n.From, []string{report.To}, n.message(report)); err != nil {
		return fmt.Errorf("failed to send report for %s to %s: %w", report.Target, report.To, err)
	}
	return nil
}

// message formats the email for a report.
func (n *MailNotifier) message(report Report) []byte {
	status := "succeeded"
	if !report.Succeeded {
		status = "failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.From)
	fmt.Fprintf(&b, "To: %s\r\n", report.To)
	fmt.Fprintf(&b, "Subject: LBS build %s: %s\r\n", status, report.Target)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Build %d of %s %s after %s.\r\n", report.Number, report.Target, status,
		strings.TrimSuffix(humanize.RelTime(report.Started, report.Finished, "", ""), " "))
	fmt.Fprintf(&b, "Log: %s\r\n", LogURL(n.URL, report.Target, report.Number))
	if lines := ErrorLines(report.Log); len(lines) > 0 {
		b.WriteString("\r\n")
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
	return []byte(b.String())
}

// LogURL returns the address that a stored build log can be viewed at.
func LogURL(base string, target core.BuildTarget, number int) string {
	return fmt.Sprintf("%s/logs/%s/%d", strings.TrimRight(base, "/"), target.LogPath(), number)
}
