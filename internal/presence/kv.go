package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	statusBucket = "PRESENCE"
	connBucket   = "PRESENCE_CONN"
	subsBucket   = "PRESENCE_SUBS"

	// connTTL bounds how long a crashed instance's connection entries survive.
	// Live connections are refreshed on every heartbeat.
	connTTL = 45 * time.Second
)

// statusRecord is the value stored per user in the PRESENCE bucket.
// LastSeen is unix milliseconds; zero means never seen offline.
type statusRecord struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// Refresher is implemented by storages whose connection entries expire unless
// periodically refreshed. The gateway calls Refresh from its heartbeat loop.
type Refresher interface {
	RefreshConnection(ctx context.Context, userID, connID string) error
}

// KVStorage backs the Storage contract with shared NATS JetStream KV buckets,
// so connection counts and subscriptions are authoritative across every
// process. Connection entries carry a TTL as a liveness backstop; transition
// decisions use compare-and-swap on the status record so exactly one instance
// observes each offline crossing.
//
// Keys: connections as {userId}.{connId}, forward subscriptions as
// c.{connId}.{userId}, reverse as u.{userId}.{connId}. User and connection
// ids must therefore not contain dots.
type KVStorage struct {
	statusKV nats.KeyValue
	connKV   nats.KeyValue
	subsKV   nats.KeyValue
}

// NewKVStorage creates (or binds to) the presence KV buckets.
func NewKVStorage(js nats.JetStreamContext) (*KVStorage, error) {
	statusKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  statusBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", statusBucket, err)
	}
	connKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     connTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", connBucket, err)
	}
	subsKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  subsBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", subsBucket, err)
	}
	return &KVStorage{statusKV: statusKV, connKV: connKV, subsKV: subsKV}, nil
}

func (s *KVStorage) AddConnection(_ context.Context, userID, connID string) error {
	if _, err := s.connKV.Put(userID+"."+connID, []byte(`{}`)); err != nil {
		return fmt.Errorf("put connection: %w", err)
	}

	// Flip the status record online unless an explicit override (away) is
	// already in place for an existing connection.
	entry, err := s.statusKV.Get(userID)
	if err != nil {
		rec := statusRecord{Status: StatusOnline}
		data, _ := json.Marshal(rec)
		if _, err := s.statusKV.Put(userID, data); err != nil {
			return fmt.Errorf("put status: %w", err)
		}
		return nil
	}
	var rec statusRecord
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.Status != StatusOffline {
		return nil
	}
	rec.Status = StatusOnline
	data, _ := json.Marshal(rec)
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

// RefreshConnection re-puts the connection entry, resetting its TTL.
func (s *KVStorage) RefreshConnection(_ context.Context, userID, connID string) error {
	_, err := s.connKV.Put(userID+"."+connID, []byte(`{}`))
	return err
}

// RemoveConnection deletes the connection entry, then decides the offline
// transition against the shared bucket. When the set is empty the transition
// is claimed by CAS on the status record: the losing instances see a revision
// mismatch (or an already-offline record) and report false.
func (s *KVStorage) RemoveConnection(_ context.Context, userID, connID string) (bool, error) {
	if err := s.connKV.Delete(userID + "." + connID); err != nil && err != nats.ErrKeyNotFound {
		return false, fmt.Errorf("delete connection: %w", err)
	}

	remaining, err := s.keysWithPrefix(s.connKV, userID+".")
	if err != nil {
		return false, fmt.Errorf("count connections: %w", err)
	}
	if len(remaining) > 0 {
		return false, nil
	}

	now := time.Now().UnixMilli()
	entry, err := s.statusKV.Get(userID)
	if err != nil {
		// No record yet. Create claims the transition; a conflict means
		// another instance won the race.
		rec := statusRecord{Status: StatusOffline, LastSeen: now}
		data, _ := json.Marshal(rec)
		if _, err := s.statusKV.Create(userID, data); err != nil {
			return false, nil
		}
		return true, nil
	}

	var rec statusRecord
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.Status == StatusOffline {
		return false, nil
	}

	rec.Status = StatusOffline
	rec.LastSeen = now
	data, _ := json.Marshal(rec)
	if _, err := s.statusKV.Update(userID, data, entry.Revision()); err != nil {
		slog.Debug("Offline CAS lost to another instance", "user", userID)
		return false, nil
	}
	return true, nil
}

func (s *KVStorage) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.ConnectionCount(ctx, userID)
	return n > 0, err
}

func (s *KVStorage) ConnectionCount(_ context.Context, userID string) (int, error) {
	keys, err := s.keysWithPrefix(s.connKV, userID+".")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *KVStorage) SetLastSeen(_ context.Context, userID string, t time.Time) error {
	rec := statusRecord{Status: StatusOffline, LastSeen: t.UnixMilli()}
	if entry, err := s.statusKV.Get(userID); err == nil {
		var existing statusRecord
		if json.Unmarshal(entry.Value(), &existing) == nil {
			rec.Status = existing.Status
			rec.LastSeen = t.UnixMilli()
		}
	}
	data, _ := json.Marshal(rec)
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

func (s *KVStorage) GetLastSeen(_ context.Context, userID string) (*time.Time, error) {
	entry, err := s.statusKV.Get(userID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil || rec.LastSeen == 0 {
		return nil, nil
	}
	t := time.UnixMilli(rec.LastSeen)
	return &t, nil
}

func (s *KVStorage) SetStatus(_ context.Context, userID string, status Status) error {
	rec := statusRecord{Status: status}
	if entry, err := s.statusKV.Get(userID); err == nil {
		var existing statusRecord
		if json.Unmarshal(entry.Value(), &existing) == nil {
			rec.LastSeen = existing.LastSeen
		}
	}
	data, _ := json.Marshal(rec)
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

func (s *KVStorage) AddSubscription(_ context.Context, connID, userID string) error {
	if _, err := s.subsKV.Put("c."+connID+"."+userID, []byte(`{}`)); err != nil {
		return fmt.Errorf("put forward subscription: %w", err)
	}
	if _, err := s.subsKV.Put("u."+userID+"."+connID, []byte(`{}`)); err != nil {
		return fmt.Errorf("put reverse subscription: %w", err)
	}
	return nil
}

func (s *KVStorage) RemoveSubscription(_ context.Context, connID, userID string) error {
	if err := s.subsKV.Delete("c." + connID + "." + userID); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("delete forward subscription: %w", err)
	}
	if err := s.subsKV.Delete("u." + userID + "." + connID); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("delete reverse subscription: %w", err)
	}
	return nil
}

func (s *KVStorage) RemoveAllSubscriptionsForConnection(ctx context.Context, connID string) error {
	keys, err := s.keysWithPrefix(s.subsKV, "c."+connID+".")
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, key := range keys {
		userID := strings.TrimPrefix(key, "c."+connID+".")
		if err := s.RemoveSubscription(ctx, connID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStorage) SubscribersOf(_ context.Context, userID string) ([]string, error) {
	keys, err := s.keysWithPrefix(s.subsKV, "u."+userID+".")
	if err != nil {
		return nil, err
	}
	conns := make([]string, 0, len(keys))
	for _, key := range keys {
		conns = append(conns, strings.TrimPrefix(key, "u."+userID+"."))
	}
	return conns, nil
}

func (s *KVStorage) SubscriptionsOf(_ context.Context, connID string) ([]string, error) {
	keys, err := s.keysWithPrefix(s.subsKV, "c."+connID+".")
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, "c."+connID+"."))
	}
	return users, nil
}

func (s *KVStorage) OnlineUsers(_ context.Context) ([]string, error) {
	keys, err := s.allKeys(s.connKV)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		userID, _, ok := strings.Cut(key, ".")
		if !ok || seen[userID] {
			continue
		}
		seen[userID] = true
		users = append(users, userID)
	}
	return users, nil
}

func (s *KVStorage) PresenceForUsers(ctx context.Context, userIDs []string) ([]Record, error) {
	records := make([]Record, 0, len(userIDs))
	for _, userID := range userIDs {
		records = append(records, s.record(ctx, userID))
	}
	return records, nil
}

// record never fails: any KV error degrades to offline.
func (s *KVStorage) record(ctx context.Context, userID string) Record {
	rec := Record{UserID: userID, Status: StatusOffline}

	if t, err := s.GetLastSeen(ctx, userID); err == nil {
		rec.LastSeen = t
	}

	n, err := s.ConnectionCount(ctx, userID)
	if err != nil {
		slog.Warn("Presence lookup degraded to offline", "user", userID, "error", err)
		return rec
	}
	if n == 0 {
		return rec
	}

	rec.Status = StatusOnline
	if entry, err := s.statusKV.Get(userID); err == nil {
		var sr statusRecord
		if json.Unmarshal(entry.Value(), &sr) == nil && sr.Status.Valid() && sr.Status != StatusOffline {
			rec.Status = sr.Status
		}
	}
	return rec
}

func (s *KVStorage) Cleanup(_ context.Context) error {
	for _, kv := range []nats.KeyValue{s.connKV, s.subsKV, s.statusKV} {
		keys, err := s.allKeys(kv)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := kv.Delete(key); err != nil && err != nats.ErrKeyNotFound {
				return err
			}
		}
	}
	return nil
}

func (s *KVStorage) allKeys(kv nats.KeyValue) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *KVStorage) keysWithPrefix(kv nats.KeyValue, prefix string) ([]string, error) {
	keys, err := s.allKeys(kv)
	if err != nil {
		return nil, err
	}
	matched := keys[:0]
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}
