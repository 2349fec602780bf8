package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/retry"
	"github.com/kumocorp/engine/internal/shaping"
)

// Session implements readyqueue.Session for one established, handshaken
// connection, per spec.md §4.7's MailFrom/RcptTo*/Data/Body/Dot states.
// Pipelining batches MAIL/RCPT/DATA onto the wire and matches responses
// back positionally; dot-stuffing writes and reads independently so a
// large body never blocks waiting on a reader that is itself waiting on
// more data (the documented historical SMTP-pipelining hang).
type Session struct {
	conn       net.Conn
	r          *bufio.Reader
	extensions extensions
	pipelining bool
	protocol   Protocol
	path       shaping.ResolvedPath
	host       string
	tlsUsed    bool

	transactions int

	tracer Tracer
	logger *logging.Logger
}

// Deliver sends one message envelope (sender + one or more recipients at
// the same destination) and the message body, returning the classified
// result. Per spec.md §4.7, LMTP yields one response per recipient after
// DATA instead of SMTP's single response; the aggregate Result reports
// success if at least one recipient was accepted, otherwise the worst
// failure across recipients.
func (s *Session) Deliver(ctx context.Context, h *message.Handle) (retry.Result, retry.Response, error) {
	setDeadline(s.conn, s.path.DataTimeout)

	sender := h.EnvelopeSender()
	recipients := h.RecipientList()
	if len(recipients) == 0 {
		if r := h.Recipient(); r != "" {
			recipients = []string{r}
		}
	}
	if len(recipients) == 0 {
		return retry.PermanentFailure, retry.Response{Classification: "Uncategorized", Content: "no recipients"}, fmt.Errorf("smtpclient: handle %s has no recipients", h.ID())
	}

	data, err := h.LoadData(ctx)
	if err != nil {
		return retry.TransientFailure, retry.Response{Classification: "Uncategorized"}, fmt.Errorf("smtpclient: load message data: %w", err)
	}

	if s.pipelining {
		return s.deliverPipelined(sender, recipients, data)
	}
	return s.deliverSerial(sender, recipients, data)
}

func (s *Session) deliverSerial(sender string, recipients []string, data []byte) (retry.Result, retry.Response, error) {
	mailResp, err := s.command("MAIL FROM:<%s>", sender)
	if err != nil {
		return retry.TransientFailure, retry.Response{Verb: "MAIL"}, err
	}
	if !mailResp.success() {
		return classifyResponse(mailResp, "MAIL"), responseOf(mailResp, "MAIL"), nil
	}

	accepted := 0
	var lastRcpt rawResponse
	for _, rcpt := range recipients {
		resp, err := s.command("RCPT TO:<%s>", rcpt)
		if err != nil {
			return retry.TransientFailure, retry.Response{Verb: "RCPT"}, err
		}
		lastRcpt = resp
		if resp.success() {
			accepted++
		}
	}
	if accepted == 0 {
		return classifyResponse(lastRcpt, "RCPT"), responseOf(lastRcpt, "RCPT"), nil
	}

	return s.sendData(data)
}

// deliverPipelined batches MAIL/RCPT/DATA's initial line onto the wire
// without waiting for intermediate responses, then reads them back in
// the same order, per the PIPELINING extension (RFC 2920).
func (s *Session) deliverPipelined(sender string, recipients []string, data []byte) (retry.Result, retry.Response, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "MAIL FROM:<%s>\r\n", sender)
	for _, rcpt := range recipients {
		fmt.Fprintf(&buf, "RCPT TO:<%s>\r\n", rcpt)
	}
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		return retry.TransientFailure, retry.Response{}, fmt.Errorf("smtpclient: write pipelined envelope: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventSend, Host: s.host, Data: buf.String()})

	mailResp, err := readResponse(s.r)
	if err != nil {
		return retry.TransientFailure, retry.Response{Verb: "MAIL"}, fmt.Errorf("smtpclient: read MAIL response: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventRecv, Host: s.host, Data: mailResp.Text()})
	if !mailResp.success() {
		// Still must drain the RCPT responses the peer will send anyway.
		for range recipients {
			readResponse(s.r)
		}
		return classifyResponse(mailResp, "MAIL"), responseOf(mailResp, "MAIL"), nil
	}

	accepted := 0
	var lastRcpt rawResponse
	for range recipients {
		resp, err := readResponse(s.r)
		if err != nil {
			return retry.TransientFailure, retry.Response{Verb: "RCPT"}, fmt.Errorf("smtpclient: read RCPT response: %w", err)
		}
		s.tracer.Trace(Event{Kind: EventRecv, Host: s.host, Data: resp.Text()})
		lastRcpt = resp
		if resp.success() {
			accepted++
		}
	}
	if accepted == 0 {
		return classifyResponse(lastRcpt, "RCPT"), responseOf(lastRcpt, "RCPT"), nil
	}

	return s.sendData(data)
}

// sendData issues DATA, dot-stuffs and writes the body, then reads the
// terminating response (SMTP: one response; LMTP: one response per
// accepted recipient, per spec.md §4.7).
func (s *Session) sendData(data []byte) (retry.Result, retry.Response, error) {
	dataResp, err := s.command("DATA")
	if err != nil {
		return retry.TransientFailure, retry.Response{Verb: "DATA"}, err
	}
	if dataResp.Code != 354 {
		return classifyResponse(dataResp, "DATA"), responseOf(dataResp, "DATA"), nil
	}

	if err := writeDotStuffed(s.conn, data); err != nil {
		return retry.TransientFailure, retry.Response{Verb: "DATA"}, fmt.Errorf("smtpclient: write message body: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventSend, Host: s.host, Data: fmt.Sprintf("<%d bytes body>", len(data))})

	resp, err := readResponse(s.r)
	if err != nil {
		return retry.TransientFailure, retry.Response{Verb: "DATA"}, fmt.Errorf("smtpclient: read final DATA response: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventRecv, Host: s.host, Data: resp.Text()})
	s.transactions++
	return classifyResponse(resp, "."), responseOf(resp, "."), nil
}

// writeDotStuffed writes data as an SMTP DATA body: CRLF-normalized,
// leading dots doubled, terminated by the bare "." line. Writing and
// reading are independent directions on the same net.Conn (the caller's
// reader is not touched here), avoiding the historical hang where a
// client blocks writing a large body while the peer blocks writing a
// response the client has not yet started reading.
func writeDotStuffed(conn net.Conn, data []byte) error {
	w := bufio.NewWriter(conn)
	atLineStart := true
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == '\n' {
			if i == 0 || data[i-1] != '\r' {
				if err := w.WriteByte('\r'); err != nil {
					return err
				}
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
			atLineStart = true
			continue
		}
		if atLineStart && b == '.' {
			if err := w.WriteByte('.'); err != nil {
				return err
			}
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
		atLineStart = false
	}
	if !atLineStart {
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Session) command(format string, args ...interface{}) (rawResponse, error) {
	if err := writeCommand(s.conn, format, args...); err != nil {
		return rawResponse{}, fmt.Errorf("smtpclient: write command: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventSend, Host: s.host, Data: fmt.Sprintf(format, args...)})
	resp, err := readResponse(s.r)
	if err != nil {
		return rawResponse{}, fmt.Errorf("smtpclient: read response: %w", err)
	}
	s.tracer.Trace(Event{Kind: EventRecv, Host: s.host, Data: resp.Text()})
	return resp, nil
}

func classifyResponse(resp rawResponse, verb string) retry.Result {
	return retry.Classify(resp.Code)
}

func responseOf(resp rawResponse, verb string) retry.Response {
	return retry.Response{
		Code:           resp.Code,
		EnhancedStatus: resp.Enhanced,
		Content:        resp.Text(),
		Verb:           verb,
		Classification: "Uncategorized",
	}
}

// Close sends QUIT and closes the underlying connection. Per
// spec.md §4.6, a session whose transaction count has reached
// max_deliveries_per_connection is retired by the dispatcher regardless
// of what Close itself does here.
func (s *Session) Close(ctx context.Context) error {
	setDeadline(s.conn, s.path.DataTimeout)
	writeCommand(s.conn, "QUIT")
	readResponse(s.r) // best-effort; a non-responding QUIT is not an error
	s.tracer.Trace(Event{Kind: EventClose, Host: s.host})
	return s.conn.Close()
}
