// Package zwave describes the surface ozwatch consumes from the wrapped
// Z-Wave network-control library: notifications, watchers, the manager,
// the options object and the manager's watcher registry.
package zwave

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/ozwatch/internal/model"
)

// Notification is a single event delivered by the manager to its watchers.
// Accessors not meaningful for a given type return zero.
type Notification interface {
	Type() model.NotificationType
	HomeID() uint32
	NodeID() uint8
	ValueID() uint64
	GroupIdx() uint8
	Event() uint8
	ButtonID() uint8
	SceneID() uint8
	Code() model.NotificationCode
	Byte() uint8
	String() string
}

// Event is the concrete Notification used by the simulator, the journal and replay.
type Event struct {
	Kind     model.NotificationType `json:"type" yaml:"type" cbor:"type"`
	Home     uint32                 `json:"home_id" yaml:"home_id" cbor:"home_id"`
	Node     uint8                  `json:"node_id" yaml:"node_id" cbor:"node_id"`
	Value    uint64                 `json:"value_id,omitempty" yaml:"value_id,omitempty" cbor:"value_id,omitempty"`
	Group    uint8                  `json:"group_idx,omitempty" yaml:"group_idx,omitempty" cbor:"group_idx,omitempty"`
	EventVal uint8                  `json:"event,omitempty" yaml:"event,omitempty" cbor:"event,omitempty"`
	Button   uint8                  `json:"button_id,omitempty" yaml:"button_id,omitempty" cbor:"button_id,omitempty"`
	Scene    uint8                  `json:"scene_id,omitempty" yaml:"scene_id,omitempty" cbor:"scene_id,omitempty"`
	NotCode  model.NotificationCode `json:"code,omitempty" yaml:"code,omitempty" cbor:"code,omitempty"`
	ByteVal  uint8                  `json:"byte,omitempty" yaml:"byte,omitempty" cbor:"byte,omitempty"`
	At       time.Time              `json:"at" yaml:"at" cbor:"at"`
}

var _ Notification = Event{}

func (e Event) Type() model.NotificationType { return e.Kind }
func (e Event) HomeID() uint32               { return e.Home }
func (e Event) NodeID() uint8                { return e.Node }
func (e Event) ValueID() uint64              { return e.Value }
func (e Event) GroupIdx() uint8              { return e.Group }
func (e Event) Event() uint8                 { return e.EventVal }
func (e Event) ButtonID() uint8              { return e.Button }
func (e Event) SceneID() uint8               { return e.Scene }
func (e Event) Code() model.NotificationCode { return e.NotCode }
func (e Event) Byte() uint8                  { return e.ByteVal }

// String renders the event the way the library logs notifications.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type_%s HomeId: 0x%08x NodeId: %d", e.Kind, e.Home, e.Node)
	switch e.Kind {
	case model.TypeNotification:
		fmt.Fprintf(&b, " Code: %s", e.NotCode)
	case model.TypeNodeEvent:
		fmt.Fprintf(&b, " Event: %d", e.EventVal)
	case model.TypeGroup:
		fmt.Fprintf(&b, " Group: %d", e.Group)
	case model.TypeSceneEvent:
		fmt.Fprintf(&b, " Scene: %d", e.Scene)
	case model.TypeCreateButton, model.TypeDeleteButton, model.TypeButtonOn, model.TypeButtonOff:
		fmt.Fprintf(&b, " Button: %d", e.Button)
	case model.TypeValueAdded, model.TypeValueRemoved, model.TypeValueChanged, model.TypeValueRefreshed:
		fmt.Fprintf(&b, " ValueId: 0x%016x", e.Value)
	}
	return b.String()
}

// EventFrom copies any Notification into an Event, stamping At with now.
func EventFrom(n Notification) Event {
	if ev, ok := n.(Event); ok {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		return ev
	}
	return Event{
		Kind:     n.Type(),
		Home:     n.HomeID(),
		Node:     n.NodeID(),
		Value:    n.ValueID(),
		Group:    n.GroupIdx(),
		EventVal: n.Event(),
		Button:   n.ButtonID(),
		Scene:    n.SceneID(),
		NotCode:  n.Code(),
		ByteVal:  n.Byte(),
		At:       time.Now().UTC(),
	}
}
