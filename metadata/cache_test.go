package metadata_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/taskbridge/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider serves canned XML and counts fetches.
type fakeProvider struct {
	mu    sync.Mutex
	xml   map[string]string
	err   error
	calls int
}

func (f *fakeProvider) ProcessDefinitionXML(_ context.Context, definitionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	x, ok := f.xml[definitionID]
	if !ok {
		return "", fmt.Errorf("no such definition %s", definitionID)
	}
	return x, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func definitionXML(topic string) string {
	return `<definitions xmlns:camunda="http://camunda.org/schema/1.0/bpmn">
  <process id="p">
    <serviceTask id="Task_A" camunda:type="external" camunda:topic="` + topic + `"/>
  </process>
</definitions>`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_HitAvoidsRefetch(t *testing.T) {
	provider := &fakeProvider{xml: map[string]string{"pd-1": definitionXML("erp_invoice")}}
	cache := metadata.NewCache(provider, metadata.CacheConfig{MaxEntries: 10, TTL: time.Hour})

	ctx := context.Background()
	md, err := cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, "erp_invoice", md.ActivityInfo.Topic)

	_, err = cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.callCount())

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.XMLRequests)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestCache_UnknownActivityIsNotAnError(t *testing.T) {
	provider := &fakeProvider{xml: map[string]string{"pd-1": definitionXML("erp_invoice")}}
	cache := metadata.NewCache(provider, metadata.CacheConfig{})

	md, err := cache.ActivityMetadata(context.Background(), "pd-1", "Task_Absent")
	require.NoError(t, err)
	assert.True(t, md.IsZero())
}

func TestCache_EmptyDefinitionIsMemoized(t *testing.T) {
	provider := &fakeProvider{xml: map[string]string{"pd-empty": `<definitions><process id="p"/></definitions>`}}
	cache := metadata.NewCache(provider, metadata.CacheConfig{})

	ctx := context.Background()
	for n := 0; n < 3; n++ {
		md, err := cache.ActivityMetadata(ctx, "pd-empty", "whatever")
		require.NoError(t, err)
		assert.True(t, md.IsZero())
	}
	assert.Equal(t, 1, provider.callCount(), "empty parse results must be cached too")
}

func TestCache_ExpiryAtExactTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	provider := &fakeProvider{xml: map[string]string{"pd-1": definitionXML("erp_invoice")}}
	cache := metadata.NewCache(provider,
		metadata.CacheConfig{MaxEntries: 10, TTL: time.Hour},
		metadata.WithClock(clock.Now))

	ctx := context.Background()
	_, err := cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Nanosecond)
	_, err = cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.callCount(), "entry just inside the TTL is fresh")

	clock.Advance(time.Nanosecond)
	_, err = cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount(), "entry at exactly the TTL is expired")
}

func TestCache_FetchErrorIsNotCached(t *testing.T) {
	provider := &fakeProvider{err: errors.New("engine down")}
	cache := metadata.NewCache(provider, metadata.CacheConfig{})

	ctx := context.Background()
	_, err := cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.Error(t, err)

	provider.mu.Lock()
	provider.err = nil
	provider.xml = map[string]string{"pd-1": definitionXML("erp_invoice")}
	provider.mu.Unlock()

	md, err := cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, "erp_invoice", md.ActivityInfo.Topic)
	assert.Equal(t, 2, provider.callCount())
}

func TestCache_EvictsOldestQuarterAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	xmls := make(map[string]string, 8)
	for i := 0; i < 9; i++ {
		xmls[fmt.Sprintf("pd-%d", i)] = definitionXML(fmt.Sprintf("topic_%d", i))
	}
	provider := &fakeProvider{xml: xmls}
	cache := metadata.NewCache(provider,
		metadata.CacheConfig{MaxEntries: 8, TTL: time.Hour},
		metadata.WithClock(clock.Now))

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := cache.ActivityMetadata(ctx, fmt.Sprintf("pd-%d", i), "Task_A")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	require.Equal(t, 8, cache.Stats().Entries)

	// Touch pd-0 and pd-1 so the least recently used entries are pd-2, pd-3.
	_, err := cache.ActivityMetadata(ctx, "pd-0", "Task_A")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = cache.ActivityMetadata(ctx, "pd-1", "Task_A")
	require.NoError(t, err)
	clock.Advance(time.Second)

	// Filling past capacity evicts the oldest quarter (8/4 = 2 entries).
	_, err = cache.ActivityMetadata(ctx, "pd-8", "Task_A")
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, 7, stats.Entries)
	assert.EqualValues(t, 2, stats.Evictions)

	fetchesBefore := provider.callCount()
	_, err = cache.ActivityMetadata(ctx, "pd-0", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, fetchesBefore, provider.callCount(), "recently touched entry must survive eviction")

	_, err = cache.ActivityMetadata(ctx, "pd-2", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, fetchesBefore+1, provider.callCount(), "least recently used entry must be evicted")
}

func TestCache_TracksByteSize(t *testing.T) {
	xml := definitionXML("erp_invoice")
	provider := &fakeProvider{xml: map[string]string{"pd-1": xml}}
	cache := metadata.NewCache(provider, metadata.CacheConfig{})

	_, err := cache.ActivityMetadata(context.Background(), "pd-1", "Task_A")
	require.NoError(t, err)
	assert.Equal(t, len(xml), cache.Stats().Bytes)
}
