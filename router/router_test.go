package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/dedup"
	"github.com/hollowtree-io/coapendpoint/dispatch"
	"github.com/hollowtree-io/coapendpoint/ids"
	"github.com/hollowtree-io/coapendpoint/reliability"
	"github.com/hollowtree-io/coapendpoint/wire"
)

type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeSocket) WriteTo(b []byte, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeSocket) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func newTestRouter(cfg Config, handler Handler) (*Router, *fakeSocket) {
	sock := &fakeSocket{}
	codec := wire.DefaultCodec{}
	dedupTable := dedup.NewTable(10 * time.Second)
	disp := dispatch.NewDispatcher(10*time.Second, nil, nil)
	idAlloc := ids.NewAllocator(nil)

	var r *Router
	rel := reliability.NewManager(reliability.Config{
		ACKTimeout:      50 * time.Millisecond,
		ACKRandomFactor: 1,
		MaxRetransmit:   0,
	}, transportFunc(func(msg *coap.Message, remote string) error {
		return r.WriteMessage(msg, remote)
	}), reliability.NopSink{}, nil)

	r = New(cfg, sock, codec, idAlloc, rel, dedupTable, disp, handler, nil)
	return r, sock
}

type transportFunc func(msg *coap.Message, remote string) error

func (f transportFunc) WriteMessage(msg *coap.Message, remote string) error { return f(msg, remote) }

func TestHandleRequestPiggybacksFastResponse(t *testing.T) {
	handler := func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
		return &coap.Message{Type: coap.Acknowledgement, Code: coap.Content}, nil
	}
	r, sock := newTestRouter(Config{ACKTimeout: 200 * time.Millisecond}, handler)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 10, Token: coap.Token{0x01}}
	b, err := r.codec.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r.HandleDatagram(b, "client:1")

	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected exactly one write (the piggybacked ACK), got %d", sock.count())
	}
	resp, err := r.codec.Decode(sock.last())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != coap.Acknowledgement {
		t.Errorf("expected piggybacked ACK, got %v", resp.Type)
	}
	if resp.MessageID != req.MessageID {
		t.Errorf("expected piggyback to reuse request message id %d, got %d", req.MessageID, resp.MessageID)
	}
}

func TestHandleRequestSendsSeparateResponseForSlowHandler(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
		<-release
		return &coap.Message{Type: coap.NonConfirmable, Code: coap.Content}, nil
	}
	r, sock := newTestRouter(Config{ACKTimeout: 40 * time.Millisecond}, handler)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 11, Token: coap.Token{0x02}}
	b, err := r.codec.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r.HandleDatagram(b, "client:2")

	// wait for the bare empty ACK to land before letting the handler finish
	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected a bare empty ACK before the handler returns, got %d writes", sock.count())
	}
	ack, err := r.codec.Decode(sock.last())
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Type != coap.Acknowledgement || !ack.IsEmpty() {
		t.Fatalf("expected a bare empty ACK, got type=%v code=%v", ack.Type, ack.Code)
	}
	if ack.MessageID != req.MessageID {
		t.Errorf("expected the bare ACK to reuse the request message id, got %d", ack.MessageID)
	}

	close(release)

	deadline = time.Now().Add(time.Second)
	for sock.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 2 {
		t.Fatalf("expected a second write for the separate response, got %d", sock.count())
	}
	sep, err := r.codec.Decode(sock.last())
	if err != nil {
		t.Fatalf("decode separate response: %v", err)
	}
	if sep.MessageID == req.MessageID {
		t.Errorf("expected the separate response to carry a fresh message id, got the request's id %d again", req.MessageID)
	}
	if string(sep.Token) != string(req.Token) {
		t.Errorf("expected the separate response to carry the request's token, got %v want %v", sep.Token, req.Token)
	}
}

func TestHandleRequestDuplicateReplaysCachedResponse(t *testing.T) {
	handler := func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
		return &coap.Message{Type: coap.Acknowledgement, Code: coap.Content}, nil
	}
	r, sock := newTestRouter(Config{ACKTimeout: 200 * time.Millisecond}, handler)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 12, Token: coap.Token{0x03}}
	b, _ := r.codec.Encode(req)

	r.HandleDatagram(b, "client:3")
	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected one write after first delivery, got %d", sock.count())
	}
	first := sock.last()

	r.HandleDatagram(b, "client:3") // retransmit of the same request
	time.Sleep(30 * time.Millisecond)
	if sock.count() != 2 {
		t.Fatalf("expected the duplicate to replay the cached response, got %d writes", sock.count())
	}
	if string(sock.last()) != string(first) {
		t.Errorf("expected replayed bytes identical to the first response")
	}
}

func TestHandleRequestDuplicateBeforeCachedResponseGetsEmptyACK(t *testing.T) {
	var handlerCalls int32
	release := make(chan struct{})
	handler := func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
		atomic.AddInt32(&handlerCalls, 1)
		<-release
		return &coap.Message{Type: coap.NonConfirmable, Code: coap.Content}, nil
	}
	// ACKTimeout kept well beyond this test's duration so the handler's own
	// piggyback-window timer can't fire and muddy the write count.
	r, sock := newTestRouter(Config{ACKTimeout: 10 * time.Second}, handler)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 14, Token: coap.Token{0x06}}
	b, _ := r.codec.Encode(req)

	r.HandleDatagram(b, "client:6")
	time.Sleep(20 * time.Millisecond) // let the handler goroutine start and block on release

	r.HandleDatagram(b, "client:6") // retransmit while the original is still in flight, no cached response yet

	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected exactly one write (an empty ACK for the duplicate), got %d", sock.count())
	}
	ack, err := r.codec.Decode(sock.last())
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Type != coap.Acknowledgement || !ack.IsEmpty() {
		t.Fatalf("expected a bare empty ACK for the duplicate, got type=%v code=%v", ack.Type, ack.Code)
	}

	close(release)
	if got := atomic.LoadInt32(&handlerCalls); got != 1 {
		t.Errorf("expected the handler to run exactly once despite the duplicate, got %d", got)
	}
}

func TestHandleRequestNilHandlerIsIgnored(t *testing.T) {
	r, sock := newTestRouter(Config{ACKTimeout: 50 * time.Millisecond}, nil)
	req := &coap.Message{Type: coap.NonConfirmable, Code: coap.GET, MessageID: 13, Token: coap.Token{0x04}}
	b, _ := r.codec.Encode(req)
	r.HandleDatagram(b, "client:4")
	time.Sleep(20 * time.Millisecond)
	if sock.count() != 0 {
		t.Errorf("expected no writes with a nil handler, got %d", sock.count())
	}
}

func TestHandleDatagramEmptyAckDoesNotResolveAwaitingSeparateResponse(t *testing.T) {
	r, sock := newTestRouter(Config{ACKTimeout: 50 * time.Millisecond}, nil)

	msg := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: coap.Token{0x07}}
	done := make(chan *coap.Message, 1)
	err := r.SendRequest(context.Background(), msg, "server:2", func(resp *coap.Message, err error) {
		done <- resp
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// the server announces a separate response by acking the request bare,
	// with no piggybacked payload of its own; per spec.md §4.4 this must
	// flip the pending entry to separate-response-expected rather than
	// resolve it outright.
	ack := &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: msg.MessageID}
	ab, _ := r.codec.Encode(ack)
	r.HandleDatagram(ab, "server:2")

	select {
	case <-done:
		t.Fatalf("empty ACK must not resolve the pending request on its own")
	case <-time.After(30 * time.Millisecond):
	}

	resp := &coap.Message{Type: coap.Confirmable, Code: coap.Content, MessageID: 777, Token: msg.Token}
	rb, _ := r.codec.Encode(resp)
	r.HandleDatagram(rb, "server:2")

	select {
	case got := <-done:
		if got == nil || got.Code != coap.Content {
			t.Errorf("expected the separate response to resolve the callback, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("separate response never resolved the callback")
	}
}

func TestHandleRequestWithUnmeaningfulOptionGetsBadOption(t *testing.T) {
	handler := func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
		t.Fatalf("handler must not run for a message with an unmeaningful option")
		return nil, nil
	}
	r, sock := newTestRouter(Config{ACKTimeout: 200 * time.Millisecond}, handler)

	// GET does not admit Content-Format, per spec.md §6 / admissibility.go.
	req := &coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.GET,
		MessageID: 15,
		Token:     coap.Token{0x08},
		Options:   coap.Options{}.Add(coap.OptionContentFormat, []byte{0}),
	}
	b, _ := r.codec.Encode(req)
	r.HandleDatagram(b, "client:7")

	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected exactly one write (the Bad Option response), got %d", sock.count())
	}
	resp, err := r.codec.Decode(sock.last())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != coap.BadOption {
		t.Errorf("expected 4.02 Bad Option, got %v", resp.Code)
	}
	if resp.Type != coap.Acknowledgement || resp.MessageID != req.MessageID {
		t.Errorf("expected the rejection piggybacked on the request's own ACK, got type=%v id=%d", resp.Type, resp.MessageID)
	}
}

func TestSendRequestRegistersDispatchAndTransmits(t *testing.T) {
	r, sock := newTestRouter(Config{ACKTimeout: 50 * time.Millisecond}, nil)

	msg := &coap.Message{Type: coap.Confirmable, Code: coap.GET, Token: coap.Token{0x05}}
	done := make(chan struct{})
	err := r.SendRequest(context.Background(), msg, "server:1", func(resp *coap.Message, err error) {
		close(done)
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if msg.MessageID == 0 {
		t.Errorf("expected SendRequest to assign a message id")
	}
	deadline := time.Now().Add(time.Second)
	for sock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sock.count() != 1 {
		t.Fatalf("expected the CON request to be written, got %d writes", sock.count())
	}

	resp := &coap.Message{Type: coap.Acknowledgement, Code: coap.Content, MessageID: msg.MessageID, Token: msg.Token}
	rb, _ := r.codec.Encode(resp)
	r.HandleDatagram(rb, "server:1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("callback never invoked for piggybacked response")
	}
}
