// Package email sends account notifications over SMTP. Sending is always
// best-effort: an unconfigured or failing mailer never blocks the flow that
// triggered it.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "Lorebook"

// Config holds SMTP settings. An empty Host, Port or From leaves the mailer
// disabled.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Mailer struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewMailer(config Config) *Mailer {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

// SendWelcome greets a freshly registered account.
func (m *Mailer) SendWelcome(to, displayName string) error {
	html, err := render(welcomeTemplate, noticeData{
		AppName:  appName,
		UserName: displayName,
	})
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	return m.sendHTML([]string{to}, "Welcome to "+appName, html)
}

// SendPasswordChanged notifies the account holder that their password was
// reset through the recovery flow. If they did not do it themselves, this is
// their cue that the security answer leaked.
func (m *Mailer) SendPasswordChanged(to, displayName string) error {
	html, err := render(passwordChangedTemplate, noticeData{
		AppName:  appName,
		UserName: displayName,
	})
	if err != nil {
		return fmt.Errorf("render password-changed template: %w", err)
	}
	return m.sendHTML([]string{to}, appName+" password changed", html)
}

func (m *Mailer) sendHTML(to []string, subject, htmlBody string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("mailer not configured")
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	boundary := "boundary-lorebook"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable client.\r\n\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(m.server, m.auth, m.config.From, to, msg.Bytes())
}

type noticeData struct {
	AppName  string
	UserName string
}

func render(tmpl string, data noticeData) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const welcomeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.AppName}}</title>
</head>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>{{.AppName}}</h1>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Your account is ready. Create a notebook, add sources, and start taking notes.</p>
    <p>Tip: set a security question in your account settings so you can recover
    your password if you ever lose it.</p>
</body>
</html>`

const passwordChangedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} password changed</title>
</head>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>{{.AppName}}</h1>
    <h2>Your password was changed</h2>
    <p>Hi {{.UserName}},</p>
    <p>The password for your account was just reset through the account
    recovery flow.</p>
    <p><strong>If this was not you</strong>, somebody answered your security
    question. Sign in, change your password, and pick a new question.</p>
</body>
</html>`
