package ai

import "sync"

// maxRecentReplies is the number of recent assistant replies retained per
// conversation/persona pair for repetition avoidance.
const maxRecentReplies = 5

// recentReplies stores the last N assistant replies per key in memory.
// It is goroutine-safe and uses a ring buffer internally.
type recentReplies struct {
	mu      sync.RWMutex
	buffers map[string]*replyRing
}

// replyRing is a fixed-size circular buffer of reply strings.
type replyRing struct {
	items []string
	pos   int
	count int
}

func newRecentReplies() *recentReplies {
	return &recentReplies{
		buffers: make(map[string]*replyRing),
	}
}

// Add appends a reply to the key's ring buffer. If the buffer is full, the
// oldest reply is overwritten.
func (rr *recentReplies) Add(key, reply string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rb, ok := rr.buffers[key]
	if !ok {
		rb = &replyRing{
			items: make([]string, maxRecentReplies),
		}
		rr.buffers[key] = rb
	}

	rb.items[rb.pos] = reply
	rb.pos = (rb.pos + 1) % maxRecentReplies
	if rb.count < maxRecentReplies {
		rb.count++
	}
}

// Contains reports whether the reply is among the key's recent replies.
func (rr *recentReplies) Contains(key, reply string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	rb, ok := rr.buffers[key]
	if !ok {
		return false
	}
	for i := 0; i < rb.count; i++ {
		if rb.items[i] == reply {
			return true
		}
	}
	return false
}

// Remove deletes the buffer for a key (called when a conversation is deleted).
func (rr *recentReplies) Remove(key string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	delete(rr.buffers, key)
}
