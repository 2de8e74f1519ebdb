package voice

import (
	"sync"
	"time"
)

// Sender identifies who produced a transcript line.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// TranscriptEntry is one finalized line of the conversation. Entries are
// immutable once appended.
type TranscriptEntry struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transcript is an append-only, concurrency-safe log of entries. Insertion
// order is display order.
type Transcript struct {
	mu      sync.RWMutex
	entries []TranscriptEntry
}

// Append adds e and returns its index.
func (t *Transcript) Append(e TranscriptEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

// Entries returns a copy of every entry in order.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Entry returns the entry at index i.
func (t *Transcript) Entry(i int) (TranscriptEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.entries) {
		return TranscriptEntry{}, false
	}
	return t.entries[i], true
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
