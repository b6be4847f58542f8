package proactive

import "sync"

// Missed is what one contact sent while the persona was away.
type Missed struct {
	ContactID string
	Messages  []string
}

// Buffer collects inbound messages during prayer. It is safe for
// concurrent use.
type Buffer struct {
	mu    sync.Mutex
	msgs  map[string][]string
	order []string
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{msgs: make(map[string][]string)}
}

// Add queues text for contactID.
func (b *Buffer) Add(contactID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.msgs[contactID]; !ok {
		b.order = append(b.order, contactID)
	}
	b.msgs[contactID] = append(b.msgs[contactID], text)
}

// Len returns the number of contacts with queued messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Drain empties the buffer and returns its contents, contacts in the
// order they first wrote.
func (b *Buffer) Drain() []Missed {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Missed, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, Missed{ContactID: id, Messages: b.msgs[id]})
	}
	b.msgs = make(map[string][]string)
	b.order = nil
	return out
}
