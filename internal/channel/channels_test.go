package channel

import (
	"context"
	"testing"
	"time"

	"pricefeed/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()
	c.Close()
	c.Close()
}

func TestSendRawBlocksUntilSpace(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()
	if !c.SendRaw(ctx, models.RawTick{Symbol: "EURUSD"}) {
		t.Fatalf("first send failed")
	}

	done := make(chan bool)
	go func() { done <- c.SendRaw(ctx, models.RawTick{Symbol: "GBPUSD"}) }()

	select {
	case <-done:
		t.Fatalf("send on full channel returned before space was made")
	case <-time.After(20 * time.Millisecond):
	}

	if got := <-c.Raw; got.Symbol != "EURUSD" {
		t.Fatalf("unexpected first tick %s", got.Symbol)
	}
	if ok := <-done; !ok {
		t.Fatalf("blocked send reported failure")
	}
	if got := <-c.Raw; got.Symbol != "GBPUSD" {
		t.Fatalf("unexpected second tick %s", got.Symbol)
	}
	if c.GetStats().RawSent != 2 {
		t.Fatalf("unexpected stats %+v", c.GetStats())
	}
}

func TestSendRawCancelled(t *testing.T) {
	c := NewChannels(1, 1)
	c.Raw <- models.RawTick{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendRaw(ctx, models.RawTick{}) {
		t.Fatalf("send succeeded on cancelled context with full buffer")
	}
}

func TestSendEventStampsTime(t *testing.T) {
	c := NewChannels(1, 1)
	if !c.SendEvent(context.Background(), models.ProviderEvent{Kind: models.EventConnected}) {
		t.Fatalf("send event failed")
	}
	ev := <-c.Events
	if ev.Time.IsZero() || ev.Kind != models.EventConnected {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSendEventDropsAfterTimeout(t *testing.T) {
	c := NewChannels(1, 1)
	c.Events <- models.ProviderEvent{Kind: models.EventConnected}
	if c.SendEvent(context.Background(), models.ProviderEvent{Kind: models.EventReconnecting}) {
		t.Fatalf("non-terminal event was accepted by a full buffer")
	}
	if c.GetStats().EventsDropped != 1 {
		t.Fatalf("unexpected stats %+v", c.GetStats())
	}
}

func TestSendEventTerminalWaitsForSpace(t *testing.T) {
	c := NewChannels(1, 1)
	c.Events <- models.ProviderEvent{Kind: models.EventReconnecting}

	done := make(chan bool, 1)
	go func() {
		done <- c.SendEvent(context.Background(), models.ProviderEvent{Kind: models.EventMaxAttemptsExceeded})
	}()

	select {
	case <-done:
		t.Fatalf("terminal event returned before space was made")
	case <-time.After(1500 * time.Millisecond):
	}

	<-c.Events
	if ok := <-done; !ok {
		t.Fatalf("terminal event was dropped")
	}
	if ev := <-c.Events; ev.Kind != models.EventMaxAttemptsExceeded {
		t.Fatalf("unexpected event %+v", ev)
	}
	if c.GetStats().EventsDropped != 0 {
		t.Fatalf("unexpected stats %+v", c.GetStats())
	}
}

func TestSendEventTerminalCancelled(t *testing.T) {
	c := NewChannels(1, 1)
	c.Events <- models.ProviderEvent{Kind: models.EventReconnecting}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.SendEvent(ctx, models.ProviderEvent{Kind: models.EventMaxAttemptsExceeded}) {
		t.Fatalf("terminal event sent on a cancelled context with full buffer")
	}
}
