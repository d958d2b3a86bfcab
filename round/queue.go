package round

import (
	"sync"

	"github.com/BaSui01/councilflow/types"
)

// HumanReplyQueue 轮次运行期间到达的用户回复队列。
// FIFO，先到的追问先开启新一轮。
type HumanReplyQueue struct {
	mu      sync.Mutex
	pending []types.Message
}

// NewHumanReplyQueue 创建空队列。
func NewHumanReplyQueue() *HumanReplyQueue {
	return &HumanReplyQueue{}
}

// Enqueue 追加一条用户回复。
func (q *HumanReplyQueue) Enqueue(message types.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, message)
}

// Dequeue 取出最早的回复；队列为空时返回 false。
func (q *HumanReplyQueue) Dequeue() (types.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return types.Message{}, false
	}
	message := q.pending[0]
	q.pending = q.pending[1:]
	return message, true
}

// Len 返回排队中的回复数。
func (q *HumanReplyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
