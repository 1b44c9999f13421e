package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage is the single-process Storage implementation: mutex-guarded
// maps holding the connection sets, the last-seen index, status overrides,
// and both directions of the subscription graph.
type MemoryStorage struct {
	mu       sync.RWMutex
	conns    map[string]map[string]bool // userId → set of connIds
	lastSeen map[string]time.Time
	status   map[string]Status          // explicit overrides (away); absent means derive from conns
	subsFwd  map[string]map[string]bool // connId → set of userIds watched
	subsRev  map[string]map[string]bool // userId → set of watching connIds
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conns:    make(map[string]map[string]bool),
		lastSeen: make(map[string]time.Time),
		status:   make(map[string]Status),
		subsFwd:  make(map[string]map[string]bool),
		subsRev:  make(map[string]map[string]bool),
	}
}

func (s *MemoryStorage) AddConnection(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]bool)
	}
	s.conns[userID][connID] = true
	return nil
}

func (s *MemoryStorage) RemoveConnection(_ context.Context, userID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.conns[userID]
	if !ok {
		return false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.conns, userID)
		delete(s.status, userID)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStorage) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[userID]) > 0, nil
}

func (s *MemoryStorage) ConnectionCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[userID]), nil
}

func (s *MemoryStorage) SetLastSeen(_ context.Context, userID string, t time.Time) error {
	s.mu.Lock()
	s.lastSeen[userID] = t
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) GetLastSeen(_ context.Context, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.lastSeen[userID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetStatus(_ context.Context, userID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == StatusOnline {
		// Online is the derived default for connected users; drop the override.
		delete(s.status, userID)
		return nil
	}
	s.status[userID] = status
	return nil
}

func (s *MemoryStorage) AddSubscription(_ context.Context, connID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsFwd[connID] == nil {
		s.subsFwd[connID] = make(map[string]bool)
	}
	s.subsFwd[connID][userID] = true
	if s.subsRev[userID] == nil {
		s.subsRev[userID] = make(map[string]bool)
	}
	s.subsRev[userID][connID] = true
	return nil
}

func (s *MemoryStorage) RemoveSubscription(_ context.Context, connID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSubLocked(connID, userID)
	return nil
}

func (s *MemoryStorage) removeSubLocked(connID, userID string) {
	if watched, ok := s.subsFwd[connID]; ok {
		delete(watched, userID)
		if len(watched) == 0 {
			delete(s.subsFwd, connID)
		}
	}
	if watchers, ok := s.subsRev[userID]; ok {
		delete(watchers, connID)
		if len(watchers) == 0 {
			delete(s.subsRev, userID)
		}
	}
}

func (s *MemoryStorage) RemoveAllSubscriptionsForConnection(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID := range s.subsFwd[connID] {
		s.removeSubLocked(connID, userID)
	}
	delete(s.subsFwd, connID)
	return nil
}

func (s *MemoryStorage) SubscribersOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	watchers := s.subsRev[userID]
	if len(watchers) == 0 {
		return nil, nil
	}
	result := make([]string, 0, len(watchers))
	for connID := range watchers {
		result = append(result, connID)
	}
	return result, nil
}

func (s *MemoryStorage) SubscriptionsOf(_ context.Context, connID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	watched := s.subsFwd[connID]
	if len(watched) == 0 {
		return nil, nil
	}
	result := make([]string, 0, len(watched))
	for userID := range watched {
		result = append(result, userID)
	}
	return result, nil
}

func (s *MemoryStorage) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.conns))
	for userID := range s.conns {
		result = append(result, userID)
	}
	return result, nil
}

func (s *MemoryStorage) PresenceForUsers(_ context.Context, userIDs []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]Record, 0, len(userIDs))
	for _, userID := range userIDs {
		records = append(records, s.recordLocked(userID))
	}
	return records, nil
}

func (s *MemoryStorage) recordLocked(userID string) Record {
	rec := Record{UserID: userID, Status: StatusOffline}
	if t, ok := s.lastSeen[userID]; ok {
		ls := t
		rec.LastSeen = &ls
	}
	if len(s.conns[userID]) > 0 {
		rec.Status = StatusOnline
		if override, ok := s.status[userID]; ok {
			rec.Status = override
		}
	}
	return rec
}

func (s *MemoryStorage) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = make(map[string]map[string]bool)
	s.lastSeen = make(map[string]time.Time)
	s.status = make(map[string]Status)
	s.subsFwd = make(map[string]map[string]bool)
	s.subsRev = make(map[string]map[string]bool)
	return nil
}
