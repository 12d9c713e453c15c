package models

import "time"

// ConnectionState is the market data client's lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ProviderEventKind enumerates upstream lifecycle notifications.
type ProviderEventKind string

const (
	EventConnected           ProviderEventKind = "connected"
	EventDisconnected        ProviderEventKind = "disconnected"
	EventReconnecting        ProviderEventKind = "reconnecting"
	EventError               ProviderEventKind = "error"
	EventMaxAttemptsExceeded ProviderEventKind = "max_attempts_exceeded"
)

// Terminal reports whether no further events follow from the source.
func (k ProviderEventKind) Terminal() bool {
	return k == EventMaxAttemptsExceeded
}

// ProviderEvent is emitted by a price source on lifecycle changes.
type ProviderEvent struct {
	Kind    ProviderEventKind
	Source  string
	Err     error
	Attempt int
	Delay   time.Duration
	Time    time.Time
}

// OutboundEvent names the events pushed to subscriber sessions.
type OutboundEvent string

const (
	OutTick                 OutboundEvent = "tick"
	OutPrices               OutboundEvent = "prices"
	OutPrice                OutboundEvent = "price"
	OutStatus               OutboundEvent = "status"
	OutSubscribed           OutboundEvent = "subscribed"
	OutUnsubscribed         OutboundEvent = "unsubscribed"
	OutError                OutboundEvent = "error"
	OutProviderConnected    OutboundEvent = "provider:connected"
	OutProviderDisconnected OutboundEvent = "provider:disconnected"
	OutProviderError        OutboundEvent = "provider:error"
)

// Status is the snapshot returned to getStatus requests and /api/status.
// Connected reports whether the hub is serving; ProviderConnected reports
// the upstream link.
type Status struct {
	Connected         bool     `json:"connected"`
	State             string   `json:"state"`
	ProviderConnected bool     `json:"providerConnected"`
	SubscribedSymbols []string `json:"subscribedSymbols"`
	PriceCount        int      `json:"priceCount"`
	ClientCount       int      `json:"clientCount"`
	Source            string   `json:"source"`
}
