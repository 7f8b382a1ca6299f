package jobs

import "sync"

const subscriberBuffer = 8

// Hub はジョブ更新をジョブ ID ごとの購読者へ配信します。
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan *Record]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *Record]struct{})}
}

// Subscribe はジョブの更新を受け取るチャネルと解除関数を返します。
func (h *Hub) Subscribe(jobID string) (<-chan *Record, func()) {
	ch := make(chan *Record, subscriberBuffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan *Record]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			close(ch)
		})
	}
}

// Publish は購読者へ更新を送ります。送信はブロックせず、
// バッファが詰まっている購読者には最も古い更新を捨てて最新を届けます。
func (h *Hub) Publish(record *Record) {
	if record == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[record.ID] {
		snapshot := record.clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribers は購読者数を返します。
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
