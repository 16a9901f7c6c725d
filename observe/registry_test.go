package observe

import (
	"sync"
	"testing"
	"time"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/reliability"
)

type fakeSender struct {
	mu   sync.Mutex
	con  []*coap.Message
	non  []*coap.Message
}

func (f *fakeSender) SendConfirmable(msg *coap.Message, remote string) (reliability.TransferHandle, error) {
	f.mu.Lock()
	f.con = append(f.con, msg)
	f.mu.Unlock()
	return reliability.TransferHandle{}, nil
}

func (f *fakeSender) SendNonconfirmable(msg *coap.Message, remote string) error {
	f.mu.Lock()
	f.non = append(f.non, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []*coap.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*coap.Message{}, f.non...)
	out = append(out, f.con...)
	return out
}

type fakeIDs struct{ n uint16 }

func (f *fakeIDs) NextMessageID(remote string) uint16 {
	f.n++
	return f.n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition never became true")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRegisterThenNotifySendsNonConfirmableByDefault(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)

	reg.Register("10.0.0.1:5683", coap.Token{0x01}, 50, 5)
	reg.NotifyStatusChanged(map[uint16]Snapshot{50: {ContentFormat: 50, Bytes: []byte("hello")}})

	waitFor(t, func() bool { return len(sender.all()) == 1 })
	msg := sender.all()[0]
	if msg.Code != coap.Content {
		t.Errorf("expected 2.05 Content, got %v", msg.Code)
	}
	serial, ok := msg.Observe()
	if !ok || serial != 6 {
		t.Errorf("expected Observe=6 (initial 5 + 1), got %v ok=%v", serial, ok)
	}
}

func TestKnownETagProducesBodylessValid(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)
	reg.Register("remote", coap.Token{0x02}, 0, 0)

	reg.mu.Lock()
	reg.table[key("remote", coap.Token{0x02})].EtagsKnown["v1"] = true
	reg.mu.Unlock()

	reg.NotifyStatusChanged(map[uint16]Snapshot{0: {ContentFormat: 0, Bytes: []byte("body"), ETag: []byte("v1")}})
	waitFor(t, func() bool { return len(sender.all()) == 1 })

	msg := sender.all()[0]
	if msg.Code != coap.Valid {
		t.Errorf("expected 2.03 Valid for known etag, got %v", msg.Code)
	}
	if msg.Payload != nil {
		t.Errorf("2.03 Valid must be bodyless, got payload %q", msg.Payload)
	}
}

func TestMissingContentFormatDeregistersWithErrorNotification(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)
	reg.Register("remote", coap.Token{0x03}, 99, 0)

	reg.NotifyStatusChanged(map[uint16]Snapshot{0: {Bytes: []byte("x")}})
	waitFor(t, func() bool { return len(sender.all()) == 1 })

	reg.mu.RLock()
	_, stillThere := reg.table[key("remote", coap.Token{0x03})]
	reg.mu.RUnlock()
	if stillThere {
		t.Errorf("expected observation removed after unavailable content format")
	}
}

func TestResetReceivedDeregisters(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)
	reg.Register("remote", coap.Token{0x04}, 0, 0)

	reg.ResetReceived("remote", coap.Token{0x04}, 1)

	reg.mu.RLock()
	_, ok := reg.table[key("remote", coap.Token{0x04})]
	reg.mu.RUnlock()
	if ok {
		t.Errorf("expected RST to remove the observation")
	}
}

func TestTransmissionTimeoutDeregisters(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)
	reg.Register("remote", coap.Token{0x05}, 0, 0)

	reg.TransmissionTimeout("remote", coap.Token{0x05}, 1)

	reg.mu.RLock()
	_, ok := reg.table[key("remote", coap.Token{0x05})]
	reg.mu.RUnlock()
	if ok {
		t.Errorf("expected TransmissionTimeout to remove the observation")
	}
}

func TestHeartbeatFailsWithoutPriorSnapshot(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, 15*time.Millisecond, nil, nil)
	reg.Register("remote", coap.Token{0x06}, 7, 0)

	waitFor(t, func() bool {
		reg.mu.RLock()
		defer reg.mu.RUnlock()
		_, ok := reg.table[key("remote", coap.Token{0x06})]
		return !ok
	})
}

func TestShutdownSendsNotFoundAndStopsRegistrations(t *testing.T) {
	sender := &fakeSender{}
	ids := &fakeIDs{}
	reg := NewRegistry(sender, ids, time.Hour, nil, nil)
	reg.Register("remote", coap.Token{0x07}, 0, 0)

	reg.Shutdown()

	if got := len(sender.all()); got != 1 {
		t.Fatalf("expected one NON sent on shutdown, got %d", got)
	}
	if sender.all()[0].Code != coap.NotFound {
		t.Errorf("expected 4.04 Not Found, got %v", sender.all()[0].Code)
	}

	reg.mu.RLock()
	_, ok := reg.table[key("remote", coap.Token{0x07})]
	reg.mu.RUnlock()
	if ok {
		t.Errorf("expected observation removed on shutdown")
	}

	reg.Register("remote", coap.Token{0x08}, 0, 0)
	reg.mu.RLock()
	_, ok = reg.table[key("remote", coap.Token{0x08})]
	reg.mu.RUnlock()
	if ok {
		t.Errorf("expected registration after shutdown to be refused")
	}

	// Shutdown is idempotent: a second call must not resend or panic.
	reg.Shutdown()
	if got := len(sender.all()); got != 1 {
		t.Errorf("expected no additional sends on repeated shutdown, got %d", got)
	}
}

func TestFresherWraparound(t *testing.T) {
	cases := []struct {
		v1, v2 uint32
		want   bool
	}{
		{1, 2, true},
		{2, 1, false},
		{0xFFFFFE, 0x000002, true},  // wraps forward across the 24-bit boundary
		{0x000002, 0xFFFFFE, false},
	}
	for _, c := range cases {
		if got := Fresher(c.v1, c.v2); got != c.want {
			t.Errorf("Fresher(%#x, %#x) = %v, want %v", c.v1, c.v2, got, c.want)
		}
	}
}
