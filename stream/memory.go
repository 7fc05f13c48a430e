package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemBroker is an in-process Broker used by tests and by single-node
// development runs without redis. Acknowledged ids are retained so tests can
// assert the deferred-ACK contract.
type MemBroker struct {
	mu      sync.Mutex
	streams map[string][]Message
	cursors map[string]int // stream+group read position
	acked   map[string][]string
	seq     int
}

// NewMemBroker constructs an empty in-memory broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{
		streams: make(map[string][]Message),
		cursors: make(map[string]int),
		acked:   make(map[string][]string),
	}
}

func (b *MemBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	return nil
}

func (b *MemBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stream + "/" + group
	pos := b.cursors[key]
	entries := b.streams[stream]
	if pos >= len(entries) {
		return nil, nil
	}
	end := pos + int(count)
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]Message, end-pos)
	copy(out, entries[pos:end])
	b.cursors[key] = end
	return out, nil
}

func (b *MemBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := stream + "/" + group
	b.acked[key] = append(b.acked[key], ids...)
	return nil
}

func (b *MemBroker) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	b.streams[stream] = append(b.streams[stream], Message{ID: id, Values: values})
	return id, nil
}

// Acked returns the ids acknowledged for a stream and group.
func (b *MemBroker) Acked(stream, group string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked[stream+"/"+group]))
	copy(out, b.acked[stream+"/"+group])
	return out
}

// Entries returns all entries published to a stream.
func (b *MemBroker) Entries(stream string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.streams[stream]))
	copy(out, b.streams[stream])
	return out
}
