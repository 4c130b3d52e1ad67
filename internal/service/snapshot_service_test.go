package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
)

type mapCache struct {
	mu      sync.Mutex
	vaults  map[string]domain.Vault
	brokers map[string]domain.LoanBroker
}

func newMapCache() *mapCache {
	return &mapCache{vaults: map[string]domain.Vault{}, brokers: map[string]domain.LoanBroker{}}
}

func (c *mapCache) SetVault(_ context.Context, v domain.Vault) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vaults[v.ID] = v
	return nil
}

func (c *mapCache) GetVault(_ context.Context, id string) (domain.Vault, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vaults[id]
	if !ok {
		return v, domain.ErrNotFound
	}
	return v, nil
}

func (c *mapCache) SetLoanBroker(_ context.Context, b domain.LoanBroker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brokers[b.ID] = b
	return nil
}

func (c *mapCache) GetLoanBroker(_ context.Context, id string) (domain.LoanBroker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.brokers[id]
	if !ok {
		return b, domain.ErrNotFound
	}
	return b, nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vaults, id)
	delete(c.brokers, id)
	return nil
}

func TestSnapshotService_CachesPricingReads(t *testing.T) {
	ledger := newFakeLedger()
	f := &fixture{ledger: ledger}
	f.seedLedger()
	cache := newMapCache()
	s := NewSnapshotService(ledger, cache, time.Second, metrics.New(nil), discardLogger())
	ctx := context.Background()

	_, _, err := s.VaultPair(ctx, "V1", "B1")
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.calls)

	_, _, err = s.VaultPair(ctx, "V1", "B1")
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.calls)

	// Claim hydration never trusts the cache.
	snap, err := s.Hydrate(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, 5, ledger.calls)
	assert.Equal(t, "B1", snap.Broker.ID)
	assert.Equal(t, "V1", snap.Vault.ID)

	s.Invalidate(ctx, "V1")
	_, err = s.Vault(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, 6, ledger.calls)
}

type hangingLedger struct{ domain.LedgerReader }

func (hangingLedger) Loan(ctx context.Context, _ string) (domain.Loan, error) {
	<-ctx.Done()
	return domain.Loan{}, ctx.Err()
}

func TestSnapshotService_DeadlineBecomesTimeout(t *testing.T) {
	s := NewSnapshotService(hangingLedger{}, nil, 10*time.Millisecond, nil, discardLogger())

	_, err := s.Hydrate(context.Background(), "L1")
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.OutcomeTimeout, domain.Classify(err))
}

func TestSnapshotService_RejectsMalformedSnapshots(t *testing.T) {
	ledger := newFakeLedger()
	ledger.vaults["V1"] = domain.Vault{ID: "V1", AssetsTotal: 10, AssetsAvailable: 20}
	s := NewSnapshotService(ledger, nil, time.Second, nil, discardLogger())

	_, err := s.FreshVault(context.Background(), "V1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEventPublisher_RoutesToBusAndStream(t *testing.T) {
	bus := newRecordingBus()
	n := &recordingNotifier{}
	p := NewEventPublisher(bus, n, discardLogger())
	ctx := context.Background()

	p.Publish(ctx, domain.ChannelClaims, domain.LifecycleEvent{Type: domain.EventClaimApproved, ClaimID: "C1"})
	p.Publish(ctx, domain.ChannelPools, domain.LifecycleEvent{Type: domain.EventPoolUpdated, PoolID: "P1"})

	require.Len(t, bus.published[domain.ChannelClaims], 1)
	require.Len(t, bus.published[domain.ChannelPools], 1)
	require.Len(t, bus.streamed[domain.StreamClaims], 1)
	assert.Empty(t, bus.streamed[domain.StreamDefaults])

	var ev domain.LifecycleEvent
	require.NoError(t, json.Unmarshal(bus.streamed[domain.StreamClaims][0], &ev))
	assert.Equal(t, "C1", ev.ClaimID)
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, 2, len(n.events))

	var nilPublisher *EventPublisher
	nilPublisher.Publish(ctx, domain.ChannelClaims, ev)
}
