package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/morezero/sdkconnect/pkg/db"
	"github.com/morezero/sdkconnect/pkg/deeplink"
)

const storeLogPrefix = "connection:store"

// ChannelStore persists known channels. *db.Repository and *MemoryStore implement it.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]db.Channel, error)
	UpsertChannel(ctx context.Context, c db.Channel) error
	TouchChannel(ctx context.Context, id string, at time.Time) error
	DeleteChannel(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process ChannelStore used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]db.Channel
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]db.Channel)}
}

// ListChannels returns every channel, most recently modified first.
func (s *MemoryStore) ListChannels(_ context.Context) ([]db.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Modified.Equal(out[j].Modified) {
			return out[i].ID < out[j].ID
		}
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

// UpsertChannel mirrors the SQL upsert: empty originator info and nil timestamps keep stored values.
func (s *MemoryStore) UpsertChannel(_ context.Context, c db.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := s.channels[c.ID]; ok {
		if len(c.OriginatorInfo) == 0 {
			c.OriginatorInfo = prev.OriginatorInfo
		}
		if c.LastConnected == nil {
			c.LastConnected = prev.LastConnected
		}
		if c.ValidUntil == nil {
			c.ValidUntil = prev.ValidUntil
		}
		c.Created = prev.Created
	} else {
		c.Created = now
	}
	c.Modified = now
	s.channels[c.ID] = c
	return nil
}

// TouchChannel sets LastConnected on an existing channel.
func (s *MemoryStore) TouchChannel(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[id]
	if !ok {
		return nil
	}
	c.LastConnected = &at
	c.Modified = time.Now().UTC()
	s.channels[id] = c
	return nil
}

// DeleteChannel removes a channel. Unknown ids are ignored.
func (s *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func recordToRow(rec *deeplink.ConnectionRecord) (db.Channel, error) {
	row := db.Channel{
		ID:              rec.ID,
		Origin:          rec.Origin,
		OtherPublicKey:  rec.OtherPublicKey,
		ProtocolVersion: rec.ProtocolVersion,
		Trigger:         rec.Trigger,
	}
	if rec.OriginatorInfo != nil {
		data, err := json.Marshal(rec.OriginatorInfo)
		if err != nil {
			return db.Channel{}, fmt.Errorf("%s - encode originator info for %s: %w", storeLogPrefix, rec.ID, err)
		}
		row.OriginatorInfo = data
	}
	if !rec.LastConnected.IsZero() {
		t := rec.LastConnected
		row.LastConnected = &t
	}
	if !rec.ValidUntil.IsZero() {
		t := rec.ValidUntil
		row.ValidUntil = &t
	}
	return row, nil
}

func rowToRecord(row db.Channel) (*deeplink.ConnectionRecord, error) {
	rec := &deeplink.ConnectionRecord{
		ID:              row.ID,
		Origin:          row.Origin,
		OtherPublicKey:  row.OtherPublicKey,
		ProtocolVersion: row.ProtocolVersion,
		Trigger:         row.Trigger,
	}
	if len(row.OriginatorInfo) > 0 {
		var info deeplink.OriginatorInfo
		if err := json.Unmarshal(row.OriginatorInfo, &info); err != nil {
			return nil, fmt.Errorf("%s - decode originator info for %s: %w", storeLogPrefix, row.ID, err)
		}
		rec.OriginatorInfo = &info
	}
	if row.LastConnected != nil {
		rec.LastConnected = *row.LastConnected
	}
	if row.ValidUntil != nil {
		rec.ValidUntil = *row.ValidUntil
	}
	return rec, nil
}
