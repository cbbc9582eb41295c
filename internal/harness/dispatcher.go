package harness

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/ozwatch/internal/events"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

const (
	DefaultErrorBuffer = 64
	recentErrorLimit   = 32
)

// HandlerError describes a handler that returned an error or panicked.
type HandlerError struct {
	Type    model.NotificationType `json:"type" yaml:"type"`
	Err     error                  `json:"-" yaml:"-"`
	Message string                 `json:"error" yaml:"error"`
	Stack   string                 `json:"stack,omitempty" yaml:"stack,omitempty"`
	At      time.Time              `json:"at" yaml:"at"`
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Type, e.Err)
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

// Recorder persists dispatched notifications.
type Recorder interface {
	Append(ev zwave.Event) error
}

type DispatcherOptions struct {
	Bus         *events.Bus
	Journal     Recorder
	ErrorBuffer int
	Logger      *logging.Logger
}

// Dispatcher routes each notification to exactly one handler keyed by its
// type. Handler failures never reach the caller, which is the manager's
// notification goroutine; they are logged and published on Errors.
type Dispatcher struct {
	state    *State
	handlers map[model.NotificationType]Handler
	bus      *events.Bus
	journal  Recorder
	logger   *logging.Logger

	errs       chan HandlerError
	dropped    atomic.Uint64
	dispatched atomic.Uint64

	recentMu sync.Mutex
	recent   []HandlerError
}

var _ zwave.Watcher = (*Dispatcher)(nil)

func NewDispatcher(state *State, opts DispatcherOptions) *Dispatcher {
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = DefaultErrorBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Dispatcher{
		state:    state,
		handlers: DefaultHandlers(),
		bus:      opts.Bus,
		journal:  opts.Journal,
		logger:   opts.Logger,
		errs:     make(chan HandlerError, opts.ErrorBuffer),
	}
}

// SetHandler replaces the handler for a known type. It must be called
// before the dispatcher is registered as a watcher.
func (d *Dispatcher) SetHandler(typ model.NotificationType, h Handler) error {
	if !typ.Known() {
		return fmt.Errorf("set handler: unknown notification type %s", typ)
	}
	if h == nil {
		return fmt.Errorf("set handler %s: nil handler", typ)
	}
	d.handlers[typ] = h
	return nil
}

func (d *Dispatcher) OnNotification(n zwave.Notification) {
	d.Dispatch(n)
}

// Dispatch handles n synchronously on the calling goroutine.
func (d *Dispatcher) Dispatch(n zwave.Notification) {
	if n == nil || (reflect.ValueOf(n).Kind() == reflect.Pointer && reflect.ValueOf(n).IsNil()) {
		d.logger.Warnf("nil notification ignored")
		return
	}

	ev, ok := d.read(n)
	if !ok {
		return
	}
	typ := ev.Kind
	h, ok := d.handlers[typ]
	if !ok {
		d.state.recordUnknown()
		d.logger.Debugf("unrecognized notification type %s ignored", typ)
		return
	}

	d.state.record(typ, ev.Node)
	d.invoke(typ, h, n)
	d.dispatched.Add(1)

	if d.journal != nil {
		if err := d.journal.Append(ev); err != nil {
			d.logger.Errorf("journal_error type=%s: %v", typ, err)
		}
	}
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}

// unreadableType tags errors for notifications whose accessors panicked.
const unreadableType = model.NotificationType(0xff)

// read copies n's fields once. A panicking accessor is reported like a
// handler failure and the notification is dropped.
func (d *Dispatcher) read(n zwave.Notification) (ev zwave.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.report(HandlerError{
				Type:  unreadableType,
				Err:   fmt.Errorf("read notification %T: panic: %v", n, r),
				Stack: string(debug.Stack()),
				At:    time.Now().UTC(),
			})
			ok = false
		}
	}()
	return zwave.EventFrom(n), true
}

func (d *Dispatcher) invoke(typ model.NotificationType, h Handler, n zwave.Notification) {
	var herr *HandlerError
	func() {
		defer func() {
			if r := recover(); r != nil {
				herr = &HandlerError{
					Type:  typ,
					Err:   fmt.Errorf("panic: %v", r),
					Stack: string(debug.Stack()),
					At:    time.Now().UTC(),
				}
			}
		}()
		if err := h(d.state, n); err != nil {
			herr = &HandlerError{
				Type:  typ,
				Err:   err,
				Stack: string(debug.Stack()),
				At:    time.Now().UTC(),
			}
		}
	}()
	if herr != nil {
		d.report(*herr)
	}
}

func (d *Dispatcher) report(herr HandlerError) {
	herr.Message = herr.Err.Error()
	d.logger.Errorf("handler_error type=%s: %v\n%s", herr.Type, herr.Err, herr.Stack)

	d.recentMu.Lock()
	d.recent = append(d.recent, herr)
	if len(d.recent) > recentErrorLimit {
		d.recent = d.recent[len(d.recent)-recentErrorLimit:]
	}
	d.recentMu.Unlock()

	select {
	case d.errs <- herr:
	default:
		d.dropped.Add(1)
	}
}

// Errors delivers handler failures. Failures are dropped when nobody reads
// and the buffer is full.
func (d *Dispatcher) Errors() <-chan HandlerError {
	return d.errs
}

// RecentErrors returns the most recent handler failures, oldest first.
func (d *Dispatcher) RecentErrors() []HandlerError {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	out := make([]HandlerError, len(d.recent))
	copy(out, d.recent)
	return out
}

func (d *Dispatcher) DroppedErrors() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Dispatched() uint64 {
	return d.dispatched.Load()
}
