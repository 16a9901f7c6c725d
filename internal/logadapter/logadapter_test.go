package logadapter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	coap "github.com/hollowtree-io/coapendpoint"
)

func newTestAdapter(buf *bytes.Buffer) *Adapter {
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return New(l)
}

func TestPrintfWritesThroughLogrus(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAdapter(&buf)

	var logger coap.Logger = a
	logger.Printf("hello %s", "world")

	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("expected logged message to contain %q, got %q", "hello world", buf.String())
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAdapter(&buf)

	chained := a.WithRemote("10.0.0.1:5683").WithToken(coap.Token{0xAB, 0xCD}).WithMessageID(42).WithTraceID("abc123")
	chained.Printf("exchange done")

	out := buf.String()
	// logrus's TextFormatter quotes values containing ':', so the remote is quoted.
	for _, want := range []string{`remote="10.0.0.1:5683"`, "token=abcd", "message_id=42", "trace_id=abc123"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log line to contain %q, got %q", want, out)
		}
	}

	// the original adapter must be untouched by the chained calls.
	buf.Reset()
	a.Printf("unrelated")
	if strings.Contains(buf.String(), "remote=") {
		t.Errorf("base adapter should not carry fields added to a derived one, got %q", buf.String())
	}
}

func TestStringReportsFields(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAdapter(&buf).WithRemote("127.0.0.1:1234")
	if s := a.String(); !strings.Contains(s, "127.0.0.1:1234") {
		t.Errorf("expected String() to mention the remote field, got %q", s)
	}
}
