// Package harness reconciles library notifications into observable state
// and drives a manager through its start and teardown sequence.
package harness

import (
	"sort"
	"sync"

	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
)

// State is the reconciled view of one driver session. It is mutated only
// by notification handlers and read by waiters and the control socket.
type State struct {
	mu     sync.RWMutex
	logger *logging.Logger

	driverState   model.State
	networkState  model.State
	driverReady   bool
	driverFailed  bool
	driverReset   bool
	driverRemoved bool
	networkReady  bool
	networkAwake  bool
	homeID        uint32
	homeIDSet     bool
	nodes         map[uint8]*model.NodeRecord
	counts        map[model.NotificationType]int
	unknown       int
	lastType      model.NotificationType
	lastTypeSet   bool

	// changed is closed and replaced on every mutation.
	changed chan struct{}
}

func NewState(logger *logging.Logger) *State {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &State{logger: logger, changed: make(chan struct{})}
	s.clear()
	return s
}

func (s *State) clear() {
	s.driverState = model.StateStopped
	s.networkState = model.StateStopped
	s.driverReady = false
	s.driverFailed = false
	s.driverReset = false
	s.driverRemoved = false
	s.networkReady = false
	s.networkAwake = false
	s.homeID = 0
	s.homeIDSet = false
	s.nodes = make(map[uint8]*model.NodeRecord)
	s.counts = make(map[model.NotificationType]int)
	s.unknown = 0
	s.lastType = 0
	s.lastTypeSet = false
}

// update runs fn under the write lock and wakes everyone waiting on Changed.
func (s *State) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel closed on the next mutation.
func (s *State) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Reset restores the initial state.
func (s *State) Reset() {
	s.update(s.clear)
}

func (s *State) NetworkReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networkReady
}

func (s *State) DriverRemoved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driverRemoved
}

func (s *State) HomeID() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.homeID, s.homeIDSet
}

func (s *State) DriverState() model.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driverState
}

func (s *State) NetworkState() model.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networkState
}

// Node returns a copy of the record for id.
func (s *State) Node(id uint8) (model.NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[id]
	if !ok {
		return model.NodeRecord{}, false
	}
	return *rec, true
}

// Count returns how many notifications of typ were dispatched.
func (s *State) Count(typ model.NotificationType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[typ]
}

// Snapshot returns a deep copy with nodes ordered by id.
func (s *State) Snapshot() model.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := model.StateSnapshot{
		DriverState:   s.driverState,
		NetworkState:  s.networkState,
		DriverReady:   s.driverReady,
		DriverFailed:  s.driverFailed,
		DriverReset:   s.driverReset,
		DriverRemoved: s.driverRemoved,
		NetworkReady:  s.networkReady,
		NetworkAwake:  s.networkAwake,
		HomeID:        s.homeID,
		HomeIDSet:     s.homeIDSet,
		Nodes:         make([]model.NodeRecord, 0, len(s.nodes)),
		Counts:        make(map[model.NotificationType]int, len(s.counts)),
		Unknown:       s.unknown,
	}
	for _, rec := range s.nodes {
		snap.Nodes = append(snap.Nodes, *rec)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	for k, v := range s.counts {
		snap.Counts[k] = v
	}
	if s.lastTypeSet {
		last := s.lastType
		snap.LastType = &last
	}
	return snap
}

// record counts a recognized notification and touches its node record if
// the node is already known.
func (s *State) record(typ model.NotificationType, node uint8) {
	s.update(func() {
		s.counts[typ]++
		s.lastType = typ
		s.lastTypeSet = true
		if rec, ok := s.nodes[node]; ok {
			rec.Notifications++
			rec.LastType = typ
		}
	})
}

func (s *State) recordUnknown() {
	s.update(func() { s.unknown++ })
}

// node returns the record for id, creating it. Caller holds the write lock.
func (s *State) node(id uint8, typ model.NotificationType) *model.NodeRecord {
	rec, ok := s.nodes[id]
	if !ok {
		rec = &model.NodeRecord{ID: id, LastType: typ, Notifications: 1}
		s.nodes[id] = rec
	}
	return rec
}
