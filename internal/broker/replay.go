package broker

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replayBuffer is a fixed-size ring of the most recent messages on one topic.
type replayBuffer struct {
	mu    sync.RWMutex
	items []json.RawMessage
	start int
	count int
}

func newReplayBuffer(size int) *replayBuffer {
	return &replayBuffer{items: make([]json.RawMessage, size)}
}

// add appends a message, overwriting the oldest when full.
func (b *replayBuffer) add(msg json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.items)
	if b.count < size {
		b.items[(b.start+b.count)%size] = msg
		b.count++
		return
	}
	b.items[b.start] = msg
	b.start = (b.start + 1) % size
}

// recent returns up to limit messages, oldest first.
func (b *replayBuffer) recent(limit int) []json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]json.RawMessage, 0, n)
	size := len(b.items)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.items[(b.start+i)%size])
	}
	return out
}

// ReplayStore keeps a replay buffer per topic. The number of tracked topics is
// bounded; the least recently written topic is dropped first.
type ReplayStore struct {
	size   int
	topics *lru.Cache[string, *replayBuffer]
}

// NewReplayStore keeps the last size messages for up to maxTopics topics.
// A size of 0 disables replay.
func NewReplayStore(size, maxTopics int) *ReplayStore {
	s := &ReplayStore{size: size}
	if size <= 0 {
		return s
	}
	if maxTopics <= 0 {
		maxTopics = 10000
	}
	cache, err := lru.New[string, *replayBuffer](maxTopics)
	if err != nil {
		// only fails for a non-positive size, excluded above
		panic(err)
	}
	s.topics = cache
	return s
}

func (s *ReplayStore) Append(topic string, msg []byte) {
	if s.topics == nil {
		return
	}
	buf, ok := s.topics.Get(topic)
	if !ok {
		fresh := newReplayBuffer(s.size)
		prev, found, _ := s.topics.PeekOrAdd(topic, fresh)
		if found {
			buf = prev
		} else {
			buf = fresh
		}
	}
	buf.add(json.RawMessage(msg))
}

// Recent returns up to limit messages for topic, oldest first.
func (s *ReplayStore) Recent(topic string, limit int) []json.RawMessage {
	if s.topics == nil {
		return nil
	}
	buf, ok := s.topics.Get(topic)
	if !ok {
		return nil
	}
	return buf.recent(limit)
}
