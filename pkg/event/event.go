// Package event defines the egress Event interface spec.md §6 names: the
// callback surface the engine uses to notify a controller of link and
// stream status changes. It is deliberately tiny and dependency-free so
// both pkg/txengine and pkg/rxengine can notify the same listener without
// importing each other.
package event

import "github.com/openavb/avbstreamhandler/pkg/stream"

// Listener receives engine-level notifications. At most one Listener may
// be registered per engine (spec.md §6 register_event_listener).
type Listener interface {
	OnLinkStatus(up bool)
	OnStreamStatus(streamID uint64, state stream.State)
}

// NopListener discards every notification, used as the default before a
// real listener registers so call sites never need a nil check.
type NopListener struct{}

func (NopListener) OnLinkStatus(up bool)                            {}
func (NopListener) OnStreamStatus(streamID uint64, state stream.State) {}
