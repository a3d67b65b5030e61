package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveMessage_UpdateInPlace(t *testing.T) {
	s := openTestStore(t)

	rec := ChatRecord{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Kind:           "agent-text",
		Content:        "partial…",
		Timestamp:      time.Now(),
	}
	if err := s.SaveMessage(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec.Content = "final answer"
	if err := s.SaveMessage(rec); err != nil {
		t.Fatalf("resave: %v", err)
	}

	recs, err := s.History("conv-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after resave, got %d", len(recs))
	}
	if recs[0].Content != "final answer" {
		t.Errorf("expected updated content, got %q", recs[0].Content)
	}
}

func TestSaveMessage_MissingID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveMessage(ChatRecord{ConversationID: "conv-1"}); err == nil {
		t.Fatal("expected error for record without id")
	}
}

func TestHistory_LimitAndOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := ChatRecord{
			ID:             string(rune('a' + i)),
			ConversationID: "conv-1",
			Kind:           "user-text",
			Content:        string(rune('a' + i)),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveMessage(rec); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	recs, err := s.History("conv-1", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	// Most recent 3, in chronological order.
	if recs[0].ID != "c" || recs[1].ID != "d" || recs[2].ID != "e" {
		t.Errorf("unexpected order: %s %s %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
}

func TestHistory_OtherConversationExcluded(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	s.SaveMessage(ChatRecord{ID: "m1", ConversationID: "conv-1", Kind: "user-text", Timestamp: now})
	s.SaveMessage(ChatRecord{ID: "m2", ConversationID: "conv-2", Kind: "user-text", Timestamp: now})

	recs, err := s.History("conv-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "m1" {
		t.Fatalf("expected only conv-1 records, got %+v", recs)
	}
}

func TestUpsertConversation(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertConversation("conv-1", "fix the parser"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertConversation("conv-1", ""); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	convs, err := s.Conversations()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	// Empty title on refresh must not wipe the existing one.
	if convs[0].Title != "fix the parser" {
		t.Errorf("expected title preserved, got %q", convs[0].Title)
	}
}

func TestSwitchConversation(t *testing.T) {
	s := openTestStore(t)

	s.UpsertConversation("conv-1", "first")
	s.UpsertConversation("conv-2", "second")

	if err := s.SwitchConversation("conv-1"); err != nil {
		t.Fatalf("switch 1: %v", err)
	}
	if err := s.SwitchConversation("conv-2"); err != nil {
		t.Fatalf("switch 2: %v", err)
	}

	active, err := s.ActiveConversation()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil || active.ID != "conv-2" {
		t.Fatalf("expected conv-2 active, got %+v", active)
	}

	// The inactive conversation is kept.
	convs, err := s.Conversations()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected both conversations retained, got %d", len(convs))
	}
	for _, c := range convs {
		if c.ID == "conv-1" && c.Active {
			t.Error("expected conv-1 inactive after switch")
		}
	}
}

func TestSwitchConversation_Unknown(t *testing.T) {
	s := openTestStore(t)
	if err := s.SwitchConversation("nope"); err == nil {
		t.Fatal("expected error switching to unknown conversation")
	}
}

func TestActiveConversation_NoneSelected(t *testing.T) {
	s := openTestStore(t)
	s.UpsertConversation("conv-1", "idle")

	active, err := s.ActiveConversation()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("expected nil when nothing selected, got %+v", active)
	}
}
