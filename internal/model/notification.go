package model

import (
	"fmt"
	"strings"
)

// NotificationType is the symbolic tag carried by every library notification.
type NotificationType uint8

const (
	TypeValueAdded NotificationType = iota
	TypeValueRemoved
	TypeValueChanged
	TypeValueRefreshed
	TypeGroup
	TypeNodeNew
	TypeNodeAdded
	TypeNodeRemoved
	TypeNodeProtocolInfo
	TypeNodeNaming
	TypeNodeEvent
	TypePollingDisabled
	TypePollingEnabled
	TypeSceneEvent
	TypeCreateButton
	TypeDeleteButton
	TypeButtonOn
	TypeButtonOff
	TypeDriverReady
	TypeDriverFailed
	TypeDriverReset
	TypeEssentialNodeQueriesComplete
	TypeNodeQueriesComplete
	TypeAwakeNodesQueried
	TypeAllNodesQueriedSomeDead
	TypeAllNodesQueried
	TypeNotification
	TypeDriverRemoved
	TypeControllerCommand
	TypeNodeReset

	numNotificationTypes
)

// typePrefix is how the library renders enum values ("Type_DriverReady").
const typePrefix = "Type_"

var notificationTypeNames = [numNotificationTypes]string{
	TypeValueAdded:                   "ValueAdded",
	TypeValueRemoved:                 "ValueRemoved",
	TypeValueChanged:                 "ValueChanged",
	TypeValueRefreshed:               "ValueRefreshed",
	TypeGroup:                        "Group",
	TypeNodeNew:                      "NodeNew",
	TypeNodeAdded:                    "NodeAdded",
	TypeNodeRemoved:                  "NodeRemoved",
	TypeNodeProtocolInfo:             "NodeProtocolInfo",
	TypeNodeNaming:                   "NodeNaming",
	TypeNodeEvent:                    "NodeEvent",
	TypePollingDisabled:              "PollingDisabled",
	TypePollingEnabled:               "PollingEnabled",
	TypeSceneEvent:                   "SceneEvent",
	TypeCreateButton:                 "CreateButton",
	TypeDeleteButton:                 "DeleteButton",
	TypeButtonOn:                     "ButtonOn",
	TypeButtonOff:                    "ButtonOff",
	TypeDriverReady:                  "DriverReady",
	TypeDriverFailed:                 "DriverFailed",
	TypeDriverReset:                  "DriverReset",
	TypeEssentialNodeQueriesComplete: "EssentialNodeQueriesComplete",
	TypeNodeQueriesComplete:          "NodeQueriesComplete",
	TypeAwakeNodesQueried:            "AwakeNodesQueried",
	TypeAllNodesQueriedSomeDead:      "AllNodesQueriedSomeDead",
	TypeAllNodesQueried:              "AllNodesQueried",
	TypeNotification:                 "Notification",
	TypeDriverRemoved:                "DriverRemoved",
	TypeControllerCommand:            "ControllerCommand",
	TypeNodeReset:                    "NodeReset",
}

var notificationTypesByName = func() map[string]NotificationType {
	m := make(map[string]NotificationType, numNotificationTypes)
	for i, name := range notificationTypeNames {
		m[name] = NotificationType(i)
	}
	return m
}()

// AllNotificationTypes returns every known type in declaration order.
func AllNotificationTypes() []NotificationType {
	types := make([]NotificationType, numNotificationTypes)
	for i := range types {
		types[i] = NotificationType(i)
	}
	return types
}

// Known reports whether t is part of the fixed enumeration.
func (t NotificationType) Known() bool {
	return t < numNotificationTypes
}

func (t NotificationType) String() string {
	if !t.Known() {
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
	return notificationTypeNames[t]
}

// ParseNotificationType accepts "DriverReady" or the library form "Type_DriverReady".
func ParseNotificationType(s string) (NotificationType, error) {
	name := strings.TrimPrefix(strings.TrimSpace(s), typePrefix)
	if t, ok := notificationTypesByName[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown notification type: %q", s)
}

func (t NotificationType) MarshalText() ([]byte, error) {
	if !t.Known() {
		return nil, fmt.Errorf("cannot marshal notification type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *NotificationType) UnmarshalText(text []byte) error {
	parsed, err := ParseNotificationType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// NotificationCode qualifies a TypeNotification notification.
type NotificationCode uint8

const (
	CodeMsgComplete NotificationCode = iota
	CodeTimeout
	CodeNoOperation
	CodeAwake
	CodeSleep
	CodeDead
	CodeAlive

	numNotificationCodes
)

var notificationCodeNames = [numNotificationCodes]string{
	CodeMsgComplete: "MsgComplete",
	CodeTimeout:     "Timeout",
	CodeNoOperation: "NoOperation",
	CodeAwake:       "Awake",
	CodeSleep:       "Sleep",
	CodeDead:        "Dead",
	CodeAlive:       "Alive",
}

func (c NotificationCode) String() string {
	if c >= numNotificationCodes {
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
	return notificationCodeNames[c]
}

func ParseNotificationCode(s string) (NotificationCode, error) {
	s = strings.TrimSpace(s)
	for i, name := range notificationCodeNames {
		if name == s {
			return NotificationCode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown notification code: %q", s)
}

func (c NotificationCode) MarshalText() ([]byte, error) {
	if c >= numNotificationCodes {
		return nil, fmt.Errorf("cannot marshal notification code %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *NotificationCode) UnmarshalText(text []byte) error {
	parsed, err := ParseNotificationCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
