package pending

import "testing"

func TestRingStoreFetchClears(t *testing.T) {
	s := NewRingStore(4)
	s.Append(1, Message{Channel: "room:a", Data: "hello", Timestamp: 1})
	s.Append(1, Message{Channel: "room:a", Data: "world", Timestamp: 2})

	got := s.Fetch(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 buffered messages, got %d", len(got))
	}
	if got[0].Data != "hello" || got[1].Data != "world" {
		t.Fatalf("unexpected message order: %+v", got)
	}

	if again := s.Fetch(1); len(again) != 0 {
		t.Fatalf("expected Fetch to clear the buffer, got %d leftover", len(again))
	}
}

func TestRingStoreEvictsOldest(t *testing.T) {
	s := NewRingStore(2)
	s.Append(7, Message{Data: "a"})
	s.Append(7, Message{Data: "b"})
	s.Append(7, Message{Data: "c"})

	got := s.Fetch(7)
	if len(got) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(got))
	}
	if got[0].Data != "b" || got[1].Data != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", got)
	}
}

func TestRingStoreIsolatesAccounts(t *testing.T) {
	s := NewRingStore(4)
	s.Append(1, Message{Data: "for-one"})
	s.Append(2, Message{Data: "for-two"})

	if got := s.Fetch(1); len(got) != 1 || got[0].Data != "for-one" {
		t.Fatalf("account 1 leaked or missing data: %+v", got)
	}
	if got := s.Fetch(2); len(got) != 1 || got[0].Data != "for-two" {
		t.Fatalf("account 2 leaked or missing data: %+v", got)
	}
}
