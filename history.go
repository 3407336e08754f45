package mcp

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// HistoryEntry is one recorded request and its outcome.
type HistoryEntry struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
}

// History keeps the most recent request/response pairs in memory, oldest first. It is safe
// for concurrent use.
type History struct {
	mu       sync.Mutex
	capacity int
	entries  []HistoryEntry
	entropy  *ulid.MonotonicEntropy
}

const defaultHistoryCapacity = 100

// NewHistory creates a history that keeps at most capacity entries. A non-positive capacity
// selects the default of 100.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Record appends entry, assigning it a ULID if it has no id, and evicts the oldest entry
// once the history is full. It returns the entry id.
func (h *History) Record(entry HistoryEntry) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry.ID == "" {
		ts := entry.StartedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		entry.ID = ulid.MustNew(ulid.Timestamp(ts), h.entropy).String()
	}

	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, entry)

	return entry.ID
}

// Entries returns a copy of the recorded entries, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]HistoryEntry, len(h.entries))
	copy(entries, h.entries)
	return entries
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.entries)
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = nil
}

// HistoryMiddleware records every inbound request handled by the engine in h.
func HistoryMiddleware(h *History) Middleware {
	return func(next RequestHandlerFunc) RequestHandlerFunc {
		return func(ctx context.Context, req Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)

			entry := HistoryEntry{
				Direction: Inbound,
				Method:    req.Method,
				Params:    req.Params,
				StartedAt: start,
				Duration:  time.Since(start),
			}
			if err != nil {
				entry.Error = err.Error()
			} else if bs, mErr := marshalPayload(res); mErr == nil {
				entry.Result = bs
			}
			h.Record(entry)

			return res, err
		}
	}
}

func (h *History) recordOutbound(method string, params any, start time.Time, result json.RawMessage, err error) {
	entry := HistoryEntry{
		Direction: Outbound,
		Method:    method,
		Result:    result,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if bs, mErr := marshalPayload(params); mErr == nil {
		entry.Params = bs
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.Record(entry)
}
