package channelsync

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Items wait in a heap ordered by ReadyAt
// and move to a priority heap once ready.
type MemoryQueue struct {
	mu      sync.Mutex
	delayed entryHeap
	ready   entryHeap
	byKey   map[string]*queueEntry
}

type queueEntry struct {
	item    Item
	index   int
	isReady bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		delayed: entryHeap{less: func(left *queueEntry, right *queueEntry) bool {
			return left.item.ReadyAt.Before(right.item.ReadyAt)
		}},
		ready: entryHeap{less: func(left *queueEntry, right *queueEntry) bool {
			return before(left.item, right.item)
		}},
		byKey: make(map[string]*queueEntry),
	}
}

// Enqueue adds item, superseding a queued item for the same reservation and
// channel unless that item has a higher priority.
func (queue *MemoryQueue) Enqueue(_ context.Context, item Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if existing, ok := queue.byKey[item.key()]; ok {
		if existing.item.Priority > item.Priority {
			return nil
		}
		queue.removeLocked(existing)
	}
	entry := &queueEntry{item: item}
	queue.byKey[item.key()] = entry
	heap.Push(&queue.delayed, entry)
	return nil
}

// Dequeue pops the best item ready at now.
func (queue *MemoryQueue) Dequeue(_ context.Context, now time.Time) (Item, bool, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	for queue.delayed.Len() > 0 && !queue.delayed.entries[0].item.ReadyAt.After(now) {
		entry := heap.Pop(&queue.delayed).(*queueEntry)
		entry.isReady = true
		heap.Push(&queue.ready, entry)
	}
	if queue.ready.Len() == 0 {
		return Item{}, false, nil
	}
	entry := heap.Pop(&queue.ready).(*queueEntry)
	delete(queue.byKey, entry.item.key())
	return entry.item, true, nil
}

// Len counts queued items.
func (queue *MemoryQueue) Len(context.Context) (int, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.byKey), nil
}

func (queue *MemoryQueue) removeLocked(entry *queueEntry) {
	if entry.isReady {
		heap.Remove(&queue.ready, entry.index)
	} else {
		heap.Remove(&queue.delayed, entry.index)
	}
	delete(queue.byKey, entry.item.key())
}

type entryHeap struct {
	entries []*queueEntry
	less    func(left *queueEntry, right *queueEntry) bool
}

func (entries entryHeap) Len() int { return len(entries.entries) }

func (entries entryHeap) Less(i, j int) bool {
	return entries.less(entries.entries[i], entries.entries[j])
}

func (entries entryHeap) Swap(i, j int) {
	entries.entries[i], entries.entries[j] = entries.entries[j], entries.entries[i]
	entries.entries[i].index = i
	entries.entries[j].index = j
}

func (entries *entryHeap) Push(value any) {
	entry := value.(*queueEntry)
	entry.index = len(entries.entries)
	entries.entries = append(entries.entries, entry)
}

func (entries *entryHeap) Pop() any {
	old := entries.entries
	last := len(old) - 1
	entry := old[last]
	old[last] = nil
	entry.index = -1
	entries.entries = old[:last]
	return entry
}
