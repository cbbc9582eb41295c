// Package sim provides a scripted stand-in for the wrapped library's
// manager. Drivers replay a fixed notification script on their own
// goroutine, which plays the role of the library's notification thread.
package sim

import (
	"time"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

// Step is one scripted notification, emitted after Delay.
type Step struct {
	Event zwave.Event   `json:"event" yaml:"event"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

type Script []Step

// HomeID returns the home id announced by the script's first DriverReady,
// or the first event's home id when there is none.
func (s Script) HomeID() uint32 {
	for _, st := range s {
		if st.Event.Kind == model.TypeDriverReady {
			return st.Event.Home
		}
	}
	if len(s) > 0 {
		return s[0].Event.Home
	}
	return 0
}

// Types lists the notification types in emission order.
func (s Script) Types() []model.NotificationType {
	out := make([]model.NotificationType, len(s))
	for i, st := range s {
		out[i] = st.Event.Kind
	}
	return out
}

// ScriptFromNetwork builds the startup sequence a controller with the
// given nodes would produce. Dead nodes never complete their queries and
// sleeping nodes complete only after the awake nodes have been queried.
func ScriptFromNetwork(cfg model.SimConfig) Script {
	delay := time.Duration(cfg.StepDelayMs) * time.Millisecond
	home := cfg.HomeID

	var s Script
	emit := func(ev zwave.Event) {
		ev.Home = home
		s = append(s, Step{Event: ev, Delay: delay})
	}

	if cfg.Fail {
		emit(zwave.Event{Kind: model.TypeDriverFailed})
		return s
	}

	emit(zwave.Event{Kind: model.TypeDriverReady})

	var sleeping []model.SimNode
	anyDead := false
	for _, n := range cfg.Nodes {
		emit(zwave.Event{Kind: model.TypeNodeNew, Node: n.ID})
		emit(zwave.Event{Kind: model.TypeNodeAdded, Node: n.ID})
		emit(zwave.Event{Kind: model.TypeNodeProtocolInfo, Node: n.ID})
		emit(zwave.Event{Kind: model.TypeNodeNaming, Node: n.ID})
		emit(zwave.Event{Kind: model.TypeValueAdded, Node: n.ID, Value: valueID(n.ID, 1)})

		switch {
		case n.Dead:
			anyDead = true
			emit(zwave.Event{Kind: model.TypeNotification, Node: n.ID, NotCode: model.CodeDead})
		case n.Sleeping:
			sleeping = append(sleeping, n)
		default:
			emit(zwave.Event{Kind: model.TypeEssentialNodeQueriesComplete, Node: n.ID})
			emit(zwave.Event{Kind: model.TypeNodeQueriesComplete, Node: n.ID})
		}
	}

	emit(zwave.Event{Kind: model.TypeAwakeNodesQueried})

	for _, n := range sleeping {
		emit(zwave.Event{Kind: model.TypeNotification, Node: n.ID, NotCode: model.CodeAwake})
		emit(zwave.Event{Kind: model.TypeEssentialNodeQueriesComplete, Node: n.ID})
		emit(zwave.Event{Kind: model.TypeNodeQueriesComplete, Node: n.ID})
	}

	if anyDead {
		emit(zwave.Event{Kind: model.TypeAllNodesQueriedSomeDead})
	} else {
		emit(zwave.Event{Kind: model.TypeAllNodesQueried})
	}
	return s
}

// ScriptFromEvents replays recorded events with a fixed delay between
// them. DriverRemoved events are skipped; the simulator emits its own
// when the driver is removed.
func ScriptFromEvents(events []zwave.Event, delay time.Duration) Script {
	s := make(Script, 0, len(events))
	for _, ev := range events {
		if ev.Kind == model.TypeDriverRemoved {
			continue
		}
		ev.At = time.Time{}
		s = append(s, Step{Event: ev, Delay: delay})
	}
	return s
}

// valueID packs a node id and value index the way the library's 64-bit
// value ids carry the node id in their upper half.
func valueID(node uint8, index uint16) uint64 {
	return uint64(node)<<32 | uint64(index)
}
