package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
)

// MemStore is an in-process Store used for local development and tests. It
// keeps secondary indexes on correlation ID so lookups stay cheap even with
// large event counts.
type MemStore struct {
	mu            sync.RWMutex
	events        map[string]*models.Event
	byCorrelation map[string][]string
}

var _ Store = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		events:        make(map[string]*models.Event),
		byCorrelation: make(map[string][]string),
	}
}

func (s *MemStore) Store(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(event)
}

func (s *MemStore) StoreBatch(_ context.Context, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		if err := s.storeLocked(event); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) storeLocked(event *models.Event) error {
	if event.ID == "" {
		return fmt.Errorf("event has no ID")
	}
	if _, ok := s.events[event.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, event.ID)
	}
	copied := *event
	s.events[event.ID] = &copied
	if event.CorrelationID != "" {
		s.byCorrelation[event.CorrelationID] = append(s.byCorrelation[event.CorrelationID], event.ID)
	}
	return nil
}

func (s *MemStore) FindByID(_ context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *event
	return &copied, nil
}

func (s *MemStore) FindByCorrelationID(_ context.Context, correlationID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCorrelation[correlationID]
	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok {
			copied := *event
			events = append(events, &copied)
		}
	}
	sortEvents(events, SortAscending)
	return events, nil
}

func (s *MemStore) Query(_ context.Context, filter *Filter) (*QueryResult, error) {
	matched := s.collect(filter)
	sortEvents(matched, filter.SortOrder)

	total := len(matched)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := offset + filter.limit()
	if end > total {
		end = total
	}

	return &QueryResult{
		Events:     matched[offset:end],
		TotalCount: total,
		HasMore:    end < total,
		NextOffset: end,
	}, nil
}

func (s *MemStore) Stream(ctx context.Context, filter *Filter) (<-chan *models.Event, error) {
	matched := s.collect(filter)
	sortEvents(matched, SortAscending)

	out := make(chan *models.Event)
	go func() {
		defer close(out)
		for _, event := range matched {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemStore) collect(filter *Filter) []*models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*models.Event, 0)
	for _, event := range s.events {
		if filter.Matches(event) {
			copied := *event
			matched = append(matched, &copied)
		}
	}
	return matched
}

func (s *MemStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, event := range s.events {
		if event.Time.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	for correlationID, ids := range s.byCorrelation {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byCorrelation, correlationID)
		} else {
			s.byCorrelation[correlationID] = kept
		}
	}
	return deleted, nil
}

func (s *MemStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{
		TotalEvents:  int64(len(s.events)),
		EventsByType: make(map[string]int64),
	}
	for _, event := range s.events {
		stats.EventsByType[event.Type]++
		if stats.OldestEvent.IsZero() || event.Time.Before(stats.OldestEvent) {
			stats.OldestEvent = event.Time
		}
		if event.Time.After(stats.NewestEvent) {
			stats.NewestEvent = event.Time
		}
	}
	return stats, nil
}

func (s *MemStore) HealthCheck(context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }

func sortEvents(events []*models.Event, order SortOrder) {
	sort.SliceStable(events, func(i, j int) bool {
		if order == SortDescending {
			return events[i].Time.After(events[j].Time)
		}
		return events[i].Time.Before(events[j].Time)
	})
}
