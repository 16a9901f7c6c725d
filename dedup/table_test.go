package dedup

import (
	"testing"
	"time"
)

func TestObserveFirstThenDuplicate(t *testing.T) {
	tbl := NewTable(time.Second)
	dup, cached, has := tbl.Observe("remote", 0x7777)
	if dup {
		t.Fatalf("first delivery reported as duplicate")
	}
	if has {
		t.Fatalf("first delivery should have no cached response yet")
	}

	tbl.StoreResponse("remote", 0x7777, []byte("ack-bytes"))

	dup, cached, has = tbl.Observe("remote", 0x7777)
	if !dup {
		t.Fatalf("second delivery of same (remote, mid) not flagged as duplicate")
	}
	if !has || string(cached) != "ack-bytes" {
		t.Errorf("expected cached response 'ack-bytes', got %q (has=%v)", cached, has)
	}
}

func TestEntriesAgeOut(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	tbl.Observe("remote", 1)
	time.Sleep(60 * time.Millisecond)
	dup, _, _ := tbl.Observe("remote", 1)
	if dup {
		t.Errorf("expected entry to have aged out and be treated as a fresh delivery")
	}
}

func TestDistinctRemotesDoNotCollide(t *testing.T) {
	tbl := NewTable(time.Second)
	tbl.Observe("remoteA", 5)
	dup, _, _ := tbl.Observe("remoteB", 5)
	if dup {
		t.Errorf("same message id from a different remote must not be treated as a duplicate")
	}
}
