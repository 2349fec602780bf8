package admincontrol

import (
	"context"
	"strings"
	"testing"

	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/retry"
)

type staticLoader struct {
	data []byte
}

func (l staticLoader) LoadData(ctx context.Context, id message.ID) ([]byte, error) {
	return l.data, nil
}

func TestBounceGeneratorGenerate(t *testing.T) {
	raw := "From: alice@example.com\r\nTo: bob@example.net\r\nSubject: hi\r\n\r\nbody\r\n"
	h := message.New(message.ID("m1"), message.Meta{
		EnvelopeSender:     "alice@example.com",
		EnvelopeRecipients: []string{"bob@example.net"},
	}, staticLoader{data: []byte(raw)}, nil)

	g := NewBounceGenerator("mx.example.com")
	out, err := g.Generate(context.Background(), h, retry.Response{Code: 550, Content: "no such user", Classification: "NoSuchUser"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	body := string(out)
	for _, want := range []string{
		"To: <alice@example.com>",
		"bob@example.net",
		"Status: 5.1.1",
		"no such user",
		"From: alice@example.com",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("bounce body missing %q:\n%s", want, body)
		}
	}
}

func TestBounceGeneratorUsesEnhancedStatusWhenPresent(t *testing.T) {
	h := message.New(message.ID("m2"), message.Meta{EnvelopeSender: "a@x.com", EnvelopeRecipients: []string{"b@y.com"}}, staticLoader{}, nil)
	g := NewBounceGenerator("mx.example.com")
	out, err := g.Generate(context.Background(), h, retry.Response{Code: 550, EnhancedStatus: "5.7.1", Content: "policy violation"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(string(out), "Status: 5.7.1") {
		t.Errorf("expected enhanced status to take precedence over code classification")
	}
}

func TestShouldBounce(t *testing.T) {
	cases := map[string]bool{
		"":                      false,
		"user@example.com":      true,
		"Postmaster@Example.Com": false,
		"mailer-daemon@x.com":   false,
		"noreply@x.com":         false,
		"no-reply@x.com":        false,
	}
	for sender, want := range cases {
		if got := ShouldBounce(sender); got != want {
			t.Errorf("ShouldBounce(%q) = %v, want %v", sender, got, want)
		}
	}
}

func TestClassifyReplyCode(t *testing.T) {
	cases := map[int]string{
		550: "5.1.1",
		551: "5.1.6",
		552: "5.2.2",
		553: "5.1.3",
		554: "5.7.1",
		421: "5.0.0",
	}
	for code, want := range cases {
		if got := classifyReplyCode(code); got != want {
			t.Errorf("classifyReplyCode(%d) = %q, want %q", code, got, want)
		}
	}
}
