package harness

import (
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

// Handler reconciles one notification into the state.
type Handler func(*State, zwave.Notification) error

// DefaultHandlers returns one handler per notification type. Types that do
// not change lifecycle state only log; counting happens in the dispatcher.
// No transition is refused because of the current state.
func DefaultHandlers() map[model.NotificationType]Handler {
	handlers := make(map[model.NotificationType]Handler, len(model.AllNotificationTypes()))
	for _, typ := range model.AllNotificationTypes() {
		handlers[typ] = logOnly
	}

	handlers[model.TypeDriverFailed] = onDriverFailed
	handlers[model.TypeDriverReady] = onDriverReady
	handlers[model.TypeDriverReset] = onDriverReset
	handlers[model.TypeDriverRemoved] = onDriverRemoved
	handlers[model.TypeAllNodesQueried] = onAllNodesQueried
	handlers[model.TypeAllNodesQueriedSomeDead] = onAllNodesQueried
	handlers[model.TypeAwakeNodesQueried] = onAwakeNodesQueried
	handlers[model.TypeNodeAdded] = onNodeAdded
	handlers[model.TypeNodeNaming] = onNodeNaming
	handlers[model.TypeNodeRemoved] = onNodeRemoved
	return handlers
}

func logOnly(s *State, n zwave.Notification) error {
	s.logger.Debugf("notification %s", n)
	return nil
}

func onDriverFailed(s *State, n zwave.Notification) error {
	s.update(func() {
		s.driverState = model.StateFailed
		s.driverFailed = true
		s.networkState = model.StateFailed
	})
	s.logger.Errorf("driver_failed home_id=0x%08x", n.HomeID())
	return nil
}

func onDriverReady(s *State, n zwave.Notification) error {
	home := n.HomeID()
	captured := false
	var kept uint32
	s.update(func() {
		s.driverState = model.StateReady
		s.driverReady = true
		s.networkState = model.StateStarted
		if !s.homeIDSet {
			s.homeID = home
			s.homeIDSet = true
			captured = true
		}
		kept = s.homeID
	})
	if captured {
		s.logger.Infof("driver_ready home_id=0x%08x", home)
	} else {
		s.logger.Warnf("driver_ready home_id=0x%08x ignored, home id already 0x%08x", home, kept)
	}
	return nil
}

func onDriverReset(s *State, n zwave.Notification) error {
	s.update(func() {
		s.driverState = model.StateResetted
		s.driverReset = true
		s.networkState = model.StateResetted
	})
	s.logger.Warnf("driver_reset home_id=0x%08x", n.HomeID())
	return nil
}

func onDriverRemoved(s *State, n zwave.Notification) error {
	s.update(func() {
		s.driverRemoved = true
		s.networkState = model.StateStopped
	})
	s.logger.Infof("driver_removed home_id=0x%08x", n.HomeID())
	return nil
}

func onAllNodesQueried(s *State, n zwave.Notification) error {
	s.update(func() {
		s.networkReady = true
		s.networkState = model.StateReady
	})
	s.logger.Infof("network_ready type=%s home_id=0x%08x", n.Type(), n.HomeID())
	return nil
}

func onAwakeNodesQueried(s *State, n zwave.Notification) error {
	s.update(func() {
		s.networkAwake = true
		s.networkState = model.StateAwaked
	})
	s.logger.Infof("network_awake home_id=0x%08x", n.HomeID())
	return nil
}

func onNodeAdded(s *State, n zwave.Notification) error {
	s.update(func() {
		rec := s.node(n.NodeID(), n.Type())
		rec.Added = true
		rec.Removed = false
	})
	s.logger.Debugf("node_added node_id=%d", n.NodeID())
	return nil
}

func onNodeNaming(s *State, n zwave.Notification) error {
	s.update(func() {
		s.node(n.NodeID(), n.Type()).Named = true
	})
	return nil
}

// onNodeRemoved keeps the record so a session's node history survives.
func onNodeRemoved(s *State, n zwave.Notification) error {
	s.update(func() {
		s.node(n.NodeID(), n.Type()).Removed = true
	})
	s.logger.Infof("node_removed node_id=%d", n.NodeID())
	return nil
}
