package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/doc-forge/internal/convert"
)

// Store はジョブ状態の保存先です。
//
// Get は保持期間を過ぎた終了済みジョブを削除して ErrExpired を返します。
// Update は mutate を適用した結果が状態遷移の規則に反する場合 ErrInvalidTransition を返し、
// レコードは変更されません。
type Store interface {
	Create(ctx context.Context, filename string, format convert.Format) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Record, error)
	// Sweep は期限切れの終了済みジョブをまとめて削除し、削除件数を返します。
	Sweep(ctx context.Context) (int, error)
}

// MemoryStore はプロセス内メモリにジョブを保持します。再起動で内容は失われます。
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。now が nil の場合は time.Now を使います。
func NewMemoryStore(retention time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records:   make(map[string]*Record),
		retention: retention,
		now:       now,
	}
}

// Create は queued 状態のジョブを作成します。
func (s *MemoryStore) Create(ctx context.Context, filename string, format convert.Format) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	for s.records[id] != nil {
		id = uuid.NewString()
	}
	record := newRecord(id, filename, format, s.now())
	s.records[id] = record
	return record.clone(), nil
}

// Get はジョブを取得します。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if record.expired(s.now(), s.retention) {
		delete(s.records, id)
		return nil, ErrExpired
	}
	return record.clone(), nil
}

// Update はジョブをアトミックに更新します。
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := validateTransition(current, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.records[id] = next
	return next.clone(), nil
}

// Delete はジョブを削除します。存在しない場合もエラーにしません。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// List は全ジョブを作成日時順で返します。期限切れでも未削除のものを含みます。
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, r := range s.records {
		if r.expired(now, s.retention) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func sortByCreatedAt(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty job id", ErrNotFound)
	}
	return nil
}
