package relay

import (
	"sort"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/pkg/metrics"
)

// retryQueue keeps messages for users whose backend session is not up yet.
type retryQueue struct {
	byUser map[string][]protocol.Message
	depth  int
}

func newRetryQueue() *retryQueue {
	return &retryQueue{byUser: make(map[string][]protocol.Message)}
}

func (q *retryQueue) Push(userID string, m protocol.Message) {
	q.byUser[userID] = append(q.byUser[userID], m)
	q.depth++
	metrics.RetryQueueDepth.Set(float64(q.depth))
}

// Flush hands the queued messages of every user that send accepts, in
// enqueue order. Users send refuses stay queued.
func (q *retryQueue) Flush(send func(userID string, msgs []protocol.Message) bool) int {
	users := make([]string, 0, len(q.byUser))
	for u := range q.byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	flushed := 0
	for _, u := range users {
		msgs := q.byUser[u]
		if !send(u, msgs) {
			continue
		}
		delete(q.byUser, u)
		q.depth -= len(msgs)
		flushed += len(msgs)
	}
	metrics.RetryQueueDepth.Set(float64(q.depth))
	return flushed
}

func (q *retryQueue) Pending(userID string) []protocol.Message { return q.byUser[userID] }

func (q *retryQueue) Len() int { return q.depth }

func (q *retryQueue) Drop(userID string) {
	q.depth -= len(q.byUser[userID])
	delete(q.byUser, userID)
	metrics.RetryQueueDepth.Set(float64(q.depth))
}
