package appcache

import "time"

// expiryItem is a scheduled removal. Rewritten or deleted keys leave stale
// items behind; the sweeper checks the live entry before removing.
type expiryItem struct {
	key       string
	expiresAt time.Time
}

// expiryHeap is a min-heap on expiresAt.
type expiryHeap []*expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(*expiryItem)) }

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
