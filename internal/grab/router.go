package grab

import (
	"sync"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
)

// Router owns one Processor per grabber and feeds each of them the
// snapshots and responses addressed to it. Processors are created on the
// first GrabberState seen for a grabber.
type Router struct {
	mu         sync.Mutex
	processors map[string]*Processor
	send       func(protocol.GrabEvent)
	opts       Options
	log        *logger.Logger
}

type grabberContext struct {
	addr *protocol.EndpointAddr
	send func(protocol.GrabEvent)
}

func (c *grabberContext) SendGrabEvent(event protocol.GrabEvent) {
	c.send(event)
}

func (c *grabberContext) GrabberAddr() *protocol.EndpointAddr {
	return c.addr
}

// NewRouter creates a router. send receives every event any processor
// emits; it is called with the router's lock held and must not call back
// into the router.
func NewRouter(send func(protocol.GrabEvent), opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("grab")
	}
	opts.Logger = log
	return &Router{
		processors: make(map[string]*Processor),
		send:       send,
		opts:       opts,
		log:        log,
	}
}

// HandleGrabberState feeds an intersection snapshot to its grabber
func (r *Router) HandleGrabberState(state protocol.MsgGrabberState) {
	if state.GrabberID.IsEmpty() {
		r.log.Warn("grabber state without a grabber")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := state.GrabberID.String()
	p, ok := r.processors[key]
	if !ok {
		p = NewProcessor(&grabberContext{addr: state.GrabberID, send: r.send}, r.opts)
		r.processors[key] = p
		r.log.Debug("tracking grabber %s", key)
	}
	p.OnGrabberIntersections(state)
}

// HandleGrabEvent delivers the responses a grabber waits for. Events for
// grabbers that never sent a snapshot are dropped.
func (r *Router) HandleGrabEvent(evt protocol.GrabEvent) {
	switch evt.Type {
	case protocol.GrabRequestGrabResponse, protocol.GrabGrabStarted, protocol.GrabCancelGrab:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processors[evt.GrabberID.String()]
	if !ok {
		r.log.Debug("dropping %s for unknown grabber %s", evt.Type, evt.GrabberID)
		return
	}
	p.OnGrabEvent(evt)
}

// Highlight reports the state of a grabber the router knows about
func (r *Router) Highlight(grabber *protocol.EndpointAddr) (protocol.GrabberHighlight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processors[grabber.String()]
	if !ok {
		return protocol.HighlightNone, false
	}
	return p.Highlight(), true
}

// ForgetEndpoint drops the processors of every grabber that lives in the
// given endpoint. It returns how many were dropped.
func (r *Router) ForgetEndpoint(endpointID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, p := range r.processors {
		if p.ctx.GrabberAddr().EndpointID == endpointID {
			delete(r.processors, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked grabbers
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processors)
}
