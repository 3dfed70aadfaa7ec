// Package connection owns the wallet's SDK channel registry and live encrypted sessions.
package connection

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/morezero/sdkconnect/pkg/deeplink"
	"github.com/morezero/sdkconnect/pkg/events"
	"github.com/morezero/sdkconnect/pkg/semver"
)

const logPrefix = "connection:manager"

// DefaultChannelValidity is how long a channel stays valid after connect or revalidate.
const DefaultChannelValidity = 30 * 24 * time.Hour

var (
	ErrNotInitialized   = errors.New("connection manager not initialized")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrEmptyChannelID   = errors.New("channel id is empty")
	ErrIncompatibleSDK  = errors.New("incompatible sdk version")
	ErrMissingWalletKey = errors.New("wallet private key is required")
)

// NewManagerParams holds parameters for NewManager.
type NewManagerParams struct {
	Store      ChannelStore
	Publisher  events.EventPublisher
	PrivateKey *ecdsa.PrivateKey
	// Relay receives decrypted RPC messages from live sessions; nil discards them.
	Relay RelayFunc
	// MinAPIVersion is a semver constraint on the dapp SDK apiVersion; empty accepts any.
	MinAPIVersion   string
	ChannelValidity time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager implements deeplink.ConnectionManager.
type Manager struct {
	store         ChannelStore
	publisher     events.EventPublisher
	privateKey    *ecdsa.PrivateKey
	eciesKey      *ecies.PrivateKey
	relay         RelayFunc
	minAPIVersion string
	validity      time.Duration
	now           func() time.Time

	initialized atomic.Bool

	mu          sync.RWMutex
	connections map[string]*deeplink.ConnectionRecord
	connected   map[string]*deeplink.LiveConnection
	loading     map[string]bool
}

var _ deeplink.ConnectionManager = (*Manager)(nil)

// NewManager creates a new Manager. Call Init before routing requests to it.
func NewManager(params NewManagerParams) (*Manager, error) {
	if params.PrivateKey == nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrMissingWalletKey)
	}
	store := params.Store
	if store == nil {
		store = NewMemoryStore()
	}
	publisher := params.Publisher
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	validity := params.ChannelValidity
	if validity <= 0 {
		validity = DefaultChannelValidity
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:         store,
		publisher:     publisher,
		privateKey:    params.PrivateKey,
		eciesKey:      ecies.ImportECDSA(params.PrivateKey),
		relay:         params.Relay,
		minAPIVersion: params.MinAPIVersion,
		validity:      validity,
		now:           now,
		connections:   make(map[string]*deeplink.ConnectionRecord),
		connected:     make(map[string]*deeplink.LiveConnection),
		loading:       make(map[string]bool),
	}, nil
}

// Init loads known channels from the store. Expired channels are skipped, not deleted.
func (m *Manager) Init(ctx context.Context) error {
	rows, err := m.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("%s - load channels: %w", logPrefix, err)
	}

	now := m.now()
	loaded := make(map[string]*deeplink.ConnectionRecord, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - skipping channel %s: %v", logPrefix, row.ID, err))
			continue
		}
		if !rec.ValidUntil.IsZero() && rec.ValidUntil.Before(now) {
			slog.Debug(fmt.Sprintf("%s - skipping expired channel %s", logPrefix, row.ID))
			continue
		}
		loaded[rec.ID] = rec
	}

	m.mu.Lock()
	m.connections = loaded
	m.mu.Unlock()
	m.initialized.Store(true)

	slog.Info(fmt.Sprintf("%s - initialized with %d known channels", logPrefix, len(loaded)))
	return nil
}

// HasInitialized reports whether Init has completed.
func (m *Manager) HasInitialized() bool {
	return m.initialized.Load()
}

// PublicKeyHex returns the wallet's compressed public key.
func (m *Manager) PublicKeyHex() string {
	return PublicKeyHex(&m.privateKey.PublicKey)
}

// GetConnections returns a snapshot of known channels.
func (m *Manager) GetConnections() map[string]*deeplink.ConnectionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*deeplink.ConnectionRecord, len(m.connections))
	for id, rec := range m.connections {
		cp := *rec
		out[id] = &cp
	}
	return out
}

// GetConnected returns a snapshot of live sessions.
func (m *Manager) GetConnected() map[string]*deeplink.LiveConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*deeplink.LiveConnection, len(m.connected))
	for id, live := range m.connected {
		out[id] = live
	}
	return out
}

// IsLoading reports the loading flag last set for a channel.
func (m *Manager) IsLoading(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading[channelID]
}

// Reconnect resumes a known channel, optionally rotating the peer key.
func (m *Manager) Reconnect(ctx context.Context, params deeplink.ReconnectParams) error {
	if !m.HasInitialized() {
		return fmt.Errorf("%s - %w", logPrefix, ErrNotInitialized)
	}

	m.mu.RLock()
	existing, ok := m.connections[params.ChannelID]
	var rec deeplink.ConnectionRecord
	if ok {
		rec = *existing
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s - reconnect %s: %w", logPrefix, params.ChannelID, ErrChannelNotFound)
	}

	keyChanged := false
	if params.UpdateKey && params.OtherPublicKey != "" && params.OtherPublicKey != rec.OtherPublicKey {
		if _, err := ParsePeerKey(params.OtherPublicKey); err != nil {
			return fmt.Errorf("%s - reconnect %s: %w", logPrefix, params.ChannelID, err)
		}
		rec.OtherPublicKey = params.OtherPublicKey
		keyChanged = true
	}
	if params.ProtocolVersion > 0 && params.ProtocolVersion != rec.ProtocolVersion {
		rec.ProtocolVersion = params.ProtocolVersion
		keyChanged = true
	}
	if params.Trigger != "" {
		rec.Trigger = params.Trigger
	}
	rec.LastConnected = m.now().UTC()

	if keyChanged {
		if err := m.persist(ctx, &rec); err != nil {
			return err
		}
	} else if err := m.store.TouchChannel(ctx, rec.ID, rec.LastConnected); err != nil {
		return fmt.Errorf("%s - touch %s: %w", logPrefix, rec.ID, err)
	}

	wasLoading := m.activate(&rec)
	slog.Info(fmt.Sprintf("%s - reconnected channel %s (context=%s, keyRotated=%v)", logPrefix, rec.ID, params.Context, keyChanged))

	event := events.NewConnectionEvent(events.TypeReconnect, rec.ID)
	event.Origin = rec.Origin
	event.Trigger = rec.Trigger
	m.publish(ctx, event)
	if wasLoading {
		m.publishLoading(ctx, rec.ID, false)
	}
	return nil
}

// ConnectToChannel records a new channel and opens a live session for it.
func (m *Manager) ConnectToChannel(ctx context.Context, params deeplink.ConnectParams) error {
	if !m.HasInitialized() {
		return fmt.Errorf("%s - %w", logPrefix, ErrNotInitialized)
	}
	if params.ID == "" {
		return fmt.Errorf("%s - %w", logPrefix, ErrEmptyChannelID)
	}
	if err := m.checkSDKVersion(params.OriginatorInfo); err != nil {
		return fmt.Errorf("%s - connect %s: %w", logPrefix, params.ID, err)
	}
	if params.OtherPublicKey != "" {
		if _, err := ParsePeerKey(params.OtherPublicKey); err != nil {
			return fmt.Errorf("%s - connect %s: %w", logPrefix, params.ID, err)
		}
	}

	now := m.now().UTC()
	rec := &deeplink.ConnectionRecord{
		ID:              params.ID,
		Origin:          params.Origin,
		OtherPublicKey:  params.OtherPublicKey,
		ProtocolVersion: params.ProtocolVersion,
		OriginatorInfo:  params.OriginatorInfo,
		Trigger:         params.Trigger,
		LastConnected:   now,
		ValidUntil:      now.Add(m.validity),
	}
	if err := m.persist(ctx, rec); err != nil {
		return err
	}

	m.activate(rec)
	slog.Info(fmt.Sprintf("%s - connected channel %s (origin=%s)", logPrefix, rec.ID, rec.Origin))

	event := events.NewConnectionEvent(events.TypeConnect, rec.ID)
	event.Origin = rec.Origin
	event.Trigger = rec.Trigger
	m.publish(ctx, event)
	return nil
}

// RevalidateChannel extends a known channel's validity window.
func (m *Manager) RevalidateChannel(ctx context.Context, params deeplink.RevalidateParams) error {
	m.mu.RLock()
	existing, ok := m.connections[params.ChannelID]
	var rec deeplink.ConnectionRecord
	if ok {
		rec = *existing
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s - revalidate %s: %w", logPrefix, params.ChannelID, ErrChannelNotFound)
	}

	rec.ValidUntil = m.now().UTC().Add(m.validity)
	if err := m.persist(ctx, &rec); err != nil {
		return err
	}

	m.mu.Lock()
	m.connections[rec.ID] = &rec
	m.mu.Unlock()

	m.publish(ctx, events.NewConnectionEvent(events.TypeRevalidate, rec.ID))
	return nil
}

// UpdateSDKLoadingState sets the loading flag on a known channel.
func (m *Manager) UpdateSDKLoadingState(ctx context.Context, params deeplink.LoadingStateParams) error {
	m.mu.Lock()
	if _, ok := m.connections[params.ChannelID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s - loading state %s: %w", logPrefix, params.ChannelID, ErrChannelNotFound)
	}
	if params.Loading {
		m.loading[params.ChannelID] = true
	} else {
		delete(m.loading, params.ChannelID)
	}
	m.mu.Unlock()

	m.publishLoading(ctx, params.ChannelID, params.Loading)
	return nil
}

// Disconnect drops the live session for a channel. The channel stays known.
func (m *Manager) Disconnect(ctx context.Context, channelID string) error {
	m.mu.Lock()
	_, live := m.connected[channelID]
	delete(m.connected, channelID)
	delete(m.loading, channelID)
	m.mu.Unlock()

	if !live {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - disconnected channel %s", logPrefix, channelID))
	m.publish(ctx, events.NewConnectionEvent(events.TypeDisconnect, channelID))
	return nil
}

// RemoveChannel forgets a channel and deletes it from the store.
func (m *Manager) RemoveChannel(ctx context.Context, channelID string) error {
	if err := m.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("%s - remove %s: %w", logPrefix, channelID, err)
	}

	m.mu.Lock()
	delete(m.connections, channelID)
	delete(m.connected, channelID)
	delete(m.loading, channelID)
	m.mu.Unlock()

	m.publish(ctx, events.NewConnectionEvent(events.TypeRemove, channelID))
	return nil
}

// HealthOutput is the manager's health report.
type HealthOutput struct {
	Status        string `json:"status"`
	Initialized   bool   `json:"initialized"`
	KnownChannels int    `json:"knownChannels"`
	LiveSessions  int    `json:"liveSessions"`
	Store         string `json:"store"`
}

// Health reports initialization, registry sizes and store connectivity.
func (m *Manager) Health(ctx context.Context) *HealthOutput {
	m.mu.RLock()
	out := &HealthOutput{
		Initialized:   m.HasInitialized(),
		KnownChannels: len(m.connections),
		LiveSessions:  len(m.connected),
	}
	m.mu.RUnlock()

	out.Status = "healthy"
	out.Store = "ok"
	if err := m.store.Ping(ctx); err != nil {
		out.Store = err.Error()
		out.Status = "unhealthy"
	}
	if !out.Initialized {
		out.Status = "unhealthy"
	}
	return out
}

func (m *Manager) checkSDKVersion(info *deeplink.OriginatorInfo) error {
	if info == nil || info.APIVersion == "" || m.minAPIVersion == "" {
		return nil
	}
	if err := semver.CheckAPIVersion(info.APIVersion, m.minAPIVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleSDK, err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, rec *deeplink.ConnectionRecord) error {
	row, err := recordToRow(rec)
	if err != nil {
		return err
	}
	if err := m.store.UpsertChannel(ctx, row); err != nil {
		return fmt.Errorf("%s - persist %s: %w", logPrefix, rec.ID, err)
	}
	return nil
}

// activate stores rec and (re)opens its live session. It returns the previous loading flag.
func (m *Manager) activate(rec *deeplink.ConnectionRecord) bool {
	live := &deeplink.LiveConnection{
		ChannelID: rec.ID,
		Remote: &session{
			channelID: rec.ID,
			key:       m.eciesKey,
			relay:     m.relay,
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[rec.ID] = rec
	m.connected[rec.ID] = live
	wasLoading := m.loading[rec.ID]
	delete(m.loading, rec.ID)
	return wasLoading
}

func (m *Manager) publishLoading(ctx context.Context, channelID string, loading bool) {
	event := events.NewConnectionEvent(events.TypeLoading, channelID)
	event.Loading = &loading
	m.publish(ctx, event)
}

func (m *Manager) publish(ctx context.Context, event *events.ConnectionEvent) {
	if err := m.publisher.PublishConnectionEvent(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event for %s: %v", logPrefix, event.Type, event.ChannelID, err))
	}
}
