package admincontrol

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/retry"
)

// BounceGenerator renders a multipart/report Delivery Status
// Notification for a message that has permanently failed, adapted from
// the teacher's internal/smtp/delivery/bounce.go to operate over
// message.Handle and retry.Response instead of a single in-process
// queue.Message and a plain error.
type BounceGenerator struct {
	hostname   string
	postmaster string
	template   *template.Template
}

// NewBounceGenerator constructs a BounceGenerator that identifies itself
// as hostname in DSN headers.
func NewBounceGenerator(hostname string) *BounceGenerator {
	return &BounceGenerator{
		hostname:   hostname,
		postmaster: "postmaster@" + hostname,
		template:   template.Must(template.New("bounce").Parse(bounceTemplate)),
	}
}

// BounceData holds the fields the DSN template fills in.
type BounceData struct {
	MessageID       string
	Date            string
	From            string
	To              string
	OriginalSender  string
	FailedRecipient string
	ErrorCode       string
	ErrorMessage    string
	Hostname        string
	OriginalHeaders string
}

// Generate renders a DSN body for h, classifying resp's SMTP code into
// an RFC 3463 enhanced status when resp doesn't already carry one.
func (g *BounceGenerator) Generate(ctx context.Context, h *message.Handle, resp retry.Response) ([]byte, error) {
	originalHeaders := ""
	if data, err := h.LoadData(ctx); err == nil {
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx > 0 {
			originalHeaders = string(data[:idx])
		} else if idx := bytes.Index(data, []byte("\n\n")); idx > 0 {
			originalHeaders = string(data[:idx])
		}
		if len(originalHeaders) > 4096 {
			originalHeaders = originalHeaders[:4096] + "\n[... truncated ...]"
		}
	}

	errorCode := resp.EnhancedStatus
	if errorCode == "" {
		errorCode = classifyReplyCode(resp.Code)
	}
	errorMessage := resp.Content
	if errorMessage == "" {
		errorMessage = fmt.Sprintf("%d %s", resp.Code, resp.Classification)
	}

	recipients := h.RecipientList()
	if len(recipients) == 0 {
		recipients = []string{h.Recipient()}
	}

	data := BounceData{
		MessageID:       fmt.Sprintf("<%d.bounce@%s>", time.Now().UnixNano(), g.hostname),
		Date:            time.Now().Format(time.RFC1123Z),
		From:            g.postmaster,
		To:              h.EnvelopeSender(),
		OriginalSender:  h.EnvelopeSender(),
		FailedRecipient: strings.Join(recipients, ", "),
		ErrorCode:       errorCode,
		ErrorMessage:    errorMessage,
		Hostname:        g.hostname,
		OriginalHeaders: originalHeaders,
	}

	var buf bytes.Buffer
	if err := g.template.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("generate bounce: %w", err)
	}
	return buf.Bytes(), nil
}

// ShouldBounce reports whether a DSN should be generated for a message
// from sender, preventing bounce loops on null senders and DSN/system
// addresses.
func ShouldBounce(sender string) bool {
	if sender == "" {
		return false
	}
	sender = strings.ToLower(sender)
	switch {
	case strings.HasPrefix(sender, "postmaster@"),
		strings.HasPrefix(sender, "mailer-daemon@"),
		strings.HasPrefix(sender, "noreply@"),
		strings.HasPrefix(sender, "no-reply@"):
		return false
	default:
		return true
	}
}

// classifyReplyCode maps a bare SMTP basic reply code to an RFC 3463
// enhanced status, used when a peer didn't supply one itself.
func classifyReplyCode(code int) string {
	switch code {
	case 550:
		return "5.1.1"
	case 551:
		return "5.1.6"
	case 552:
		return "5.2.2"
	case 553:
		return "5.1.3"
	case 554:
		return "5.7.1"
	default:
		return "5.0.0"
	}
}

const bounceTemplate = `From: Mail Delivery System <{{.From}}>
To: <{{.To}}>
Subject: Undelivered Mail Returned to Sender
Date: {{.Date}}
Message-ID: {{.MessageID}}
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="=_bounce_boundary"
Auto-Submitted: auto-replied

--=_bounce_boundary
Content-Type: text/plain; charset=utf-8

This is the mail delivery system at {{.Hostname}}.

I'm sorry to inform you that your message could not be delivered to one or
more recipients. The following address(es) failed:

    {{.FailedRecipient}}

Error: {{.ErrorMessage}}

If this problem persists, please contact your mail administrator.

This is a permanent error; the message will not be retried.

--=_bounce_boundary
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.Hostname}}
Arrival-Date: {{.Date}}

Final-Recipient: rfc822; {{.FailedRecipient}}
Action: failed
Status: {{.ErrorCode}}
Diagnostic-Code: smtp; {{.ErrorMessage}}

--=_bounce_boundary
Content-Type: text/rfc822-headers

{{.OriginalHeaders}}

--=_bounce_boundary--
`
