package jobs

import (
	"sync"

	"github.com/yourusername/doc-forge/internal/convert"
)

// workItem はワーカーが処理する 1 件の変換作業です。
type workItem struct {
	jobID    string
	filename string
	path     string
	format   convert.Format
	opts     []convert.Option
	stageErr error
}

// workQueue は投入側をブロックしない FIFO キューです。
// maxDepth が 0 のときは無制限、正のときは上限を超える投入を ErrBusy で拒否します。
type workQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []workItem
	maxDepth int
	closed   bool
}

func newWorkQueue(maxDepth int) *workQueue {
	q := &workQueue{maxDepth: maxDepth}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(item workItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		return ErrBusy
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// pop は次の作業を取り出します。キューが閉じられ空になると false を返します。
func (q *workQueue) pop() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return workItem{}, false
	}
	item := q.items[0]
	q.items[0] = workItem{}
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
