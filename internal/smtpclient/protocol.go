package smtpclient

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// rawResponse is one parsed multi-line SMTP/LMTP reply.
type rawResponse struct {
	Code     int
	Enhanced string
	Lines    []string
}

// Text joins the per-line response text for logging, matching the
// "response text plus the verb" record spec.md §4.7 asks for.
func (r rawResponse) Text() string {
	return strings.Join(r.Lines, " ")
}

func (r rawResponse) success() bool {
	return r.Code/100 == 2
}

// readResponse parses an RFC 5321 multi-line reply: lines share the same
// three-digit code, continuation lines have '-' in the fourth column,
// the final line has a space (or tab). Each line's text may carry a
// leading RFC 3463 enhanced status code (e.g. "2.1.0 Sender OK").
func readResponse(r *bufio.Reader) (rawResponse, error) {
	var resp rawResponse
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return resp, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return resp, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return resp, fmt.Errorf("%w: invalid code %q", ErrMalformedResponse, line[:3])
		}
		if resp.Code != 0 && code != resp.Code {
			return resp, fmt.Errorf("%w: code changed mid-response %d -> %d", ErrMalformedResponse, resp.Code, code)
		}
		resp.Code = code

		text := line[4:]
		if enhanced, rest, ok := splitEnhancedStatus(text); ok {
			resp.Enhanced = enhanced
			text = rest
		}
		resp.Lines = append(resp.Lines, text)

		sep := line[3]
		if sep == ' ' || sep == '\t' {
			return resp, nil
		}
		if sep != '-' {
			return resp, fmt.Errorf("%w: bad separator %q", ErrMalformedResponse, string(sep))
		}
	}
}

// splitEnhancedStatus extracts a leading "class.subject.detail" token
// per RFC 3463, e.g. "2.1.0 Sender OK" -> ("2.1.0", "Sender OK", true).
func splitEnhancedStatus(text string) (status, rest string, ok bool) {
	sp := strings.IndexByte(text, ' ')
	token := text
	if sp >= 0 {
		token = text[:sp]
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", text, false
	}
	for _, p := range parts {
		if p == "" {
			return "", text, false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", text, false
		}
	}
	if sp < 0 {
		return token, "", true
	}
	return token, strings.TrimLeft(text[sp+1:], " "), true
}

// writeCommand writes one SMTP command line, CRLF-terminated.
func writeCommand(conn net.Conn, format string, args ...interface{}) error {
	cmd := fmt.Sprintf(format, args...)
	_, err := conn.Write([]byte(cmd + "\r\n"))
	return err
}

// extensions is the parsed EHLO/LHLO capability set.
type extensions map[string][]string

func (e extensions) has(name string) bool {
	_, ok := e[strings.ToUpper(name)]
	return ok
}

func (e extensions) params(name string) []string {
	return e[strings.ToUpper(name)]
}

// parseHello builds the extensions set from an EHLO/LHLO reply's
// continuation lines (the greeting line itself is Lines[0]).
func parseHello(resp rawResponse) extensions {
	ext := make(extensions)
	if len(resp.Lines) <= 1 {
		return ext
	}
	for _, line := range resp.Lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToUpper(fields[0])
		ext[name] = fields[1:]
	}
	return ext
}

func setDeadline(conn net.Conn, d time.Duration) {
	if d > 0 {
		conn.SetDeadline(time.Now().Add(d))
	}
}
