package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "pricefeed/config"
	"pricefeed/models"
)

type mirrorWrite struct {
	key     string
	channel string
	ttl     time.Duration
	entries map[string][]byte
}

type fakeMirrorBackend struct {
	mu      sync.Mutex
	pingErr error
	failN   int
	writes  []mirrorWrite
	closed  bool
}

func (f *fakeMirrorBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeMirrorBackend) Write(_ context.Context, key, channel string, ttl time.Duration, entries map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("connection refused")
	}
	f.writes = append(f.writes, mirrorWrite{key: key, channel: channel, ttl: ttl, entries: entries})
	return nil
}

func (f *fakeMirrorBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMirrorBackend) snapshot() []mirrorWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mirrorWrite(nil), f.writes...)
}

func mirrorConfig() *appconfig.Config {
	return &appconfig.Config{
		Storage: appconfig.StorageConfig{Redis: appconfig.RedisConfig{
			Key: "prices:latest", Channel: "prices:ticks", TTL: time.Minute,
		}},
		Writer: appconfig.WriterConfig{Buffer: appconfig.BufferConfig{MirrorFlushInterval: time.Hour}},
	}
}

func priced(symbol string, mid int64) models.Tick {
	m := decimal.NewFromInt(mid)
	return models.Tick{
		Symbol:          symbol,
		Bid:             m.Sub(decimal.NewFromInt(1)),
		Ask:             m.Add(decimal.NewFromInt(1)),
		Mid:             m,
		Spread:          decimal.NewFromInt(2),
		SpreadPips:      decimal.NewFromInt(2),
		TimestampMillis: mid,
		Source:          "alltick",
	}
}

func TestMirrorCoalescesLatestTick(t *testing.T) {
	backend := &fakeMirrorBackend{}
	m := newRedisMirror(mirrorConfig(), backend)

	m.Record(priced("EURUSD", 1))
	m.Record(priced("EURUSD", 2))
	m.Record(priced("BTCUSD", 65000))
	m.flush(context.Background(), "test")

	writes := backend.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "prices:latest", writes[0].key)
	assert.Equal(t, "prices:ticks", writes[0].channel)
	assert.Equal(t, time.Minute, writes[0].ttl)
	require.Len(t, writes[0].entries, 2)

	var got models.Tick
	require.NoError(t, json.Unmarshal(writes[0].entries["EURUSD"], &got))
	assert.Equal(t, int64(2), got.TimestampMillis)

	m.flush(context.Background(), "test")
	assert.Len(t, backend.snapshot(), 1)
}

func TestMirrorRestoresFailedFlush(t *testing.T) {
	backend := &fakeMirrorBackend{failN: 1}
	m := newRedisMirror(mirrorConfig(), backend)

	m.Record(priced("EURUSD", 1))
	m.Record(priced("GBPUSD", 1))
	m.flush(context.Background(), "test")
	assert.Empty(t, backend.snapshot())

	m.Record(priced("EURUSD", 5))
	m.flush(context.Background(), "test")

	writes := backend.snapshot()
	require.Len(t, writes, 1)
	require.Len(t, writes[0].entries, 2)
	var got models.Tick
	require.NoError(t, json.Unmarshal(writes[0].entries["EURUSD"], &got))
	assert.Equal(t, int64(5), got.TimestampMillis)
}

func TestMirrorStartStop(t *testing.T) {
	backend := &fakeMirrorBackend{}
	m := newRedisMirror(mirrorConfig(), backend)
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	m.Record(priced("XAUUSD", 2650))
	m.Stop()
	m.Stop()

	writes := backend.snapshot()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0].entries, "XAUUSD")
	assert.True(t, backend.closed)
}

func TestMirrorStartFailsWhenPingFails(t *testing.T) {
	m := newRedisMirror(mirrorConfig(), &fakeMirrorBackend{pingErr: errors.New("no route")})
	assert.Error(t, m.Start(context.Background()))
}

func TestNewRedisMirrorRequiresAddress(t *testing.T) {
	_, err := NewRedisMirror(&appconfig.Config{})
	assert.Error(t, err)
}
