// Package metrics registers the pipeline's Prometheus collectors:
//
//	#pricefeed_raw_ticks_total{kind}
//	#pricefeed_priced_ticks_total
//	#pricefeed_dropped_ticks_total{reason}
//	#pricefeed_broadcasts_total{event}
//	#pricefeed_throttled_ticks_total
//	#pricefeed_trade_engine_updates_total
//	#pricefeed_reconnect_attempts_total
//	#pricefeed_connection_state
//	#pricefeed_spread_reloads_total{result}
//	#pricefeed_sessions
//	#pricefeed_subscribed_symbols
//	#pricefeed_channel_length{channel}
//	#pricefeed_writer_flushes_total{writer,result}
//	#go_* and process_* system metrics
//
// They are exposed through Handler on the subscriber server's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	rawTicks          *prometheus.CounterVec
	pricedTicks       prometheus.Counter
	droppedTicks      *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	throttledTicks    prometheus.Counter
	tradeEngineUpdate prometheus.Counter
	reconnects        prometheus.Counter
	connectionState   prometheus.Gauge
	spreadReloads     *prometheus.CounterVec
	sessions          prometheus.Gauge
	subscribed        prometheus.Gauge
	channelLength     *prometheus.GaugeVec
	writerFlushes     *prometheus.CounterVec
)

// Init registers every collector once. Recording functions are no-ops until
// Init has been called.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		rawTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_raw_ticks_total",
			Help: "Raw ticks decoded from the upstream feed",
		}, []string{"kind"})
		pricedTicks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_priced_ticks_total",
			Help: "Ticks that passed through the spread engine",
		})
		droppedTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_dropped_ticks_total",
			Help: "Inbound frames or ticks discarded",
		}, []string{"reason"})
		broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_broadcasts_total",
			Help: "Events multicast to subscriber sessions",
		}, []string{"event"})
		throttledTicks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_throttled_ticks_total",
			Help: "Ticks cached but not broadcast because of the per-symbol throttle",
		})
		tradeEngineUpdate = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_trade_engine_updates_total",
			Help: "Price updates handed to the trade engine",
		})
		reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_reconnect_attempts_total",
			Help: "Upstream reconnect attempts",
		})
		connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_connection_state",
			Help: "Upstream connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		})
		spreadReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_spread_reloads_total",
			Help: "Spread rule refresh cycles by result",
		}, []string{"result"})
		sessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_sessions",
			Help: "Connected subscriber sessions",
		})
		subscribed = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_subscribed_symbols",
			Help: "Size of the upstream subscription set",
		})
		channelLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricefeed_channel_length",
			Help: "Buffered items waiting in internal channels",
		}, []string{"channel"})
		writerFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_writer_flushes_total",
			Help: "Writer flushes to kafka, redis and s3 by result",
		}, []string{"writer", "result"})

		registry.MustRegister(
			rawTicks, pricedTicks, droppedTicks, broadcasts, throttledTicks,
			tradeEngineUpdate, reconnects, connectionState, spreadReloads,
			sessions, subscribed, channelLength, writerFlushes,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func RawTick(kind string) {
	if rawTicks != nil {
		rawTicks.WithLabelValues(kind).Inc()
	}
}

func PricedTick() {
	if pricedTicks != nil {
		pricedTicks.Inc()
	}
}

func DroppedTick(reason string) {
	if droppedTicks != nil {
		droppedTicks.WithLabelValues(reason).Inc()
	}
}

func Broadcast(event string) {
	if broadcasts != nil {
		broadcasts.WithLabelValues(event).Inc()
	}
}

func Throttled() {
	if throttledTicks != nil {
		throttledTicks.Inc()
	}
}

func TradeEngineUpdate() {
	if tradeEngineUpdate != nil {
		tradeEngineUpdate.Inc()
	}
}

func ReconnectAttempt() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

func SetConnectionState(state int) {
	if connectionState != nil {
		connectionState.Set(float64(state))
	}
}

func SpreadReload(result string) {
	if spreadReloads != nil {
		spreadReloads.WithLabelValues(result).Inc()
	}
}

func SetSessions(n int) {
	if sessions != nil {
		sessions.Set(float64(n))
	}
}

func SetSubscribedSymbols(n int) {
	if subscribed != nil {
		subscribed.Set(float64(n))
	}
}

func SetChannelLength(name string, n int) {
	if channelLength != nil {
		channelLength.WithLabelValues(name).Set(float64(n))
	}
}

func WriterFlush(writer, result string) {
	if writerFlushes != nil {
		writerFlushes.WithLabelValues(writer, result).Inc()
	}
}
