package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []Entry
	failing bool
	nextID  int64
}

func (m *memoryStore) Insert(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	m.nextID++
	m.entries = append(m.entries, Entry{
		ID:        m.nextID,
		Type:      event.Type,
		Level:     event.Level,
		Message:   event.Message,
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
		Source:    event.Source,
		Details:   event.Details,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *memoryStore) List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Entry
	for _, e := range m.entries {
		if filters.Type != "" && e.Type != filters.Type {
			continue
		}
		if filters.Level != "" && e.Level != filters.Level {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (m *memoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Entry
	var deleted int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestRecordValidatesEvent(t *testing.T) {
	svc := NewService(&memoryStore{}, nil)
	err := svc.Record(context.Background(), Event{Type: TypeSystem})
	require.Error(t, err)

	err = svc.Record(context.Background(), Event{Type: TypeSystem, Level: LevelInfo, Message: "ok"})
	require.NoError(t, err)
}

func TestEmitSwallowsStoreFailure(t *testing.T) {
	store := &memoryStore{failing: true}
	svc := NewService(store, nil)

	// Must not panic or block the caller.
	svc.Emit(context.Background(), SecurityEvent(LevelWarn, "blocked", "10.0.0.1", nil))

	require.Eventually(t, func() bool { return store.count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEmitWritesInBackground(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, nil)

	svc.Emit(context.Background(), AccessEvent("GET /projects", 7, "10.0.0.2", nil))

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestListPaging(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(context.Background(), Event{Type: TypeUser, Level: LevelInfo, Message: "event"}))
	}

	result, err := svc.List(context.Background(), Filters{Type: TypeUser}, 1, 2)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	require.Equal(t, 5, result.Paging.Total)
	require.Equal(t, 3, result.Paging.TotalPages)
}

func TestPruneOlderThan(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, nil)
	old := Entry{ID: 1, Type: TypeSystem, Level: LevelInfo, Message: "old", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}
	fresh := Entry{ID: 2, Type: TypeSystem, Level: LevelInfo, Message: "fresh", CreatedAt: time.Now()}
	store.entries = []Entry{old, fresh}

	deleted, err := svc.PruneOlderThan(context.Background(), 30)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
}
