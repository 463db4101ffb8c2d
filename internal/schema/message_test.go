package schema

import (
	"testing"
	"time"
)

func validMessage() *Message {
	now := time.Now()
	return &Message{
		ID:             "srv-1",
		ConversationID: "c1",
		UserID:         "u1",
		Role:           RoleUser,
		Content:        "hello",
		Status:         StatusSynced,
		Timestamp:      now,
		UpdatedAt:      now,
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr bool
	}{
		{"valid", func(m *Message) {}, false},
		{"missing id", func(m *Message) { m.ID = "" }, true},
		{"missing conversation", func(m *Message) { m.ConversationID = "" }, true},
		{"missing user", func(m *Message) { m.UserID = "" }, true},
		{"bad role", func(m *Message) { m.Role = "system" }, true},
		{"zero timestamp", func(m *Message) { m.Timestamp = time.Time{} }, true},
		{"zero updated_at", func(m *Message) { m.UpdatedAt = time.Time{} }, true},
		{"tombstone without scope", func(m *Message) {
			now := time.Now()
			m.DeletedAt = &now
		}, true},
		{"tombstone with scope", func(m *Message) {
			m.Tombstone(time.Now(), ScopeEveryone)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage()
			tt.mutate(m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageTombstoneIdempotent(t *testing.T) {
	m := validMessage()
	first := time.Now()
	m.Tombstone(first, ScopeEveryone)

	// A second, later delete must not rewrite the original tombstone.
	m.Tombstone(first.Add(time.Hour), ScopeSelf)

	if m.DeletedBy != ScopeEveryone {
		t.Errorf("expected scope %q preserved, got %q", ScopeEveryone, m.DeletedBy)
	}
	if !m.DeletedAt.Equal(first) {
		t.Errorf("expected deleted_at %v preserved, got %v", first, m.DeletedAt)
	}
	if m.Status != StatusDeleted {
		t.Errorf("expected status %q, got %q", StatusDeleted, m.Status)
	}
}

func TestCanDeleteForEveryone(t *testing.T) {
	m := validMessage()
	m.Timestamp = time.Now().Add(-24 * time.Hour)
	if !m.CanDeleteForEveryone(time.Now()) {
		t.Error("expected delete-for-everyone allowed within 48h window")
	}

	m.Timestamp = time.Now().Add(-72 * time.Hour)
	if m.CanDeleteForEveryone(time.Now()) {
		t.Error("expected delete-for-everyone rejected outside 48h window")
	}
}

func TestFingerprintMatchesAcrossIDs(t *testing.T) {
	local := validMessage()
	local.ID = NewLocalID()
	local.Status = StatusPending

	echo := validMessage()
	echo.ID = "srv-42"

	if local.Fingerprint() != echo.Fingerprint() {
		t.Error("optimistic row and server echo should share a fingerprint")
	}

	other := validMessage()
	other.Content = "different"
	if local.Fingerprint() == other.Fingerprint() {
		t.Error("different content should produce a different fingerprint")
	}
}

func TestLocalIDs(t *testing.T) {
	id := NewLocalID()
	if !IsLocalID(id) {
		t.Errorf("NewLocalID() = %q, expected local prefix", id)
	}
	if IsLocalID("srv-42") {
		t.Error("server ids must not be classified as local")
	}
	if id == NewLocalID() {
		t.Error("local ids must be unique")
	}
}
