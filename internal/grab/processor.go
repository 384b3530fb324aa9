// Package grab implements the grabber side of the grab protocol: it turns
// a grabber's intersection snapshots and button state into grab events and
// advances on the responses that come back through the hub.
package grab

import (
	"fmt"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
)

// grabStartGrace is how long after StartGrab a snapshot that no longer
// contains the grabbed object is ignored while the button is held.
// Intersections computed before the grab started may still be in flight.
const grabStartGrace = time.Second

// Context is the processor's only way to reach the outside world
type Context interface {
	SendGrabEvent(event protocol.GrabEvent)
	GrabberAddr() *protocol.EndpointAddr
}

// Options configures a Processor
type Options struct {
	// Strict makes protocol invariant violations panic instead of being
	// logged and ignored
	Strict bool
	Now    func() time.Time
	Logger *logger.Logger
}

// Processor is the grab state machine for one grabber. It is not safe for
// concurrent use.
type Processor struct {
	ctx    Context
	strict bool
	now    func() time.Time
	log    *logger.Logger

	highlight     protocol.GrabberHighlight
	lastGrabbable *protocol.EndpointAddr
	lastHandle    *protocol.EndpointAddr
	lastHook      *protocol.EndpointAddr
	grabStart     time.Time
	requestID     int
}

// NewProcessor creates a processor in the None state
func NewProcessor(ctx Context, opts Options) *Processor {
	p := &Processor{
		ctx:       ctx,
		strict:    opts.Strict,
		now:       opts.Now,
		log:       opts.Logger,
		highlight: protocol.HighlightNone,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = logger.Global().WithPrefix("grab")
	}
	return p
}

// Highlight returns the current externally visible state
func (p *Processor) Highlight() protocol.GrabberHighlight {
	return p.highlight
}

// Grabbable returns the grabbable the grabber is tracking, if any
func (p *Processor) Grabbable() *protocol.EndpointAddr {
	return p.lastGrabbable
}

// OnGrabEvent advances the machine on a response from the other side of the
// protocol. Events that do not concern the grabber are ignored.
func (p *Processor) OnGrabEvent(evt protocol.GrabEvent) {
	prev := p.highlight

	switch evt.Type {
	case protocol.GrabCancelGrab:
		// TODO: decide what an external cancel should do; every state keeps
		// its highlight for now.
		p.log.Debug("grabber %s: ignoring cancel in %s", p.ctx.GrabberAddr(), p.highlight)

	case protocol.GrabRequestGrabResponse:
		if !p.invariant(p.highlight == protocol.HighlightWaitingForConfirmation,
			"grab response for request %d in %s", evt.RequestID, p.highlight) {
			return
		}
		if !p.invariant(evt.RequestID == p.requestID,
			"grab response for request %d while waiting for %d", evt.RequestID, p.requestID) {
			return
		}

		if !evt.Allowed {
			p.highlight = protocol.HighlightWaitingForReleaseAfterRejection
			break
		}

		useIdentityTransform := false
		if !protocol.AddrsMatch(evt.GrabbableID, p.lastGrabbable) {
			// the grabbable asked us to grab something else
			p.send(protocol.GrabLeaveRange, nil)
			p.lastGrabbable = evt.GrabbableID
			enter := p.event(protocol.GrabEnterRange, nil)
			p.ctx.SendGrabEvent(enter)
			p.lastHandle = evt.HandleID
			useIdentityTransform = true
		}

		start := p.event(protocol.GrabStartGrab, nil)
		start.UseIdentityTransform = useIdentityTransform
		p.ctx.SendGrabEvent(start)
		p.grabStart = p.now()
		p.highlight = protocol.HighlightWaitingForGrabToStart

	case protocol.GrabGrabStarted:
		if !p.invariant(p.highlight == protocol.HighlightWaitingForGrabToStart,
			"grab of %s started in %s", evt.GrabbableID, p.highlight) {
			return
		}
		p.log.Debug("grab of %s by %s started", evt.GrabbableID, p.ctx.GrabberAddr())
		p.highlight = protocol.HighlightGrabbed
	}

	p.emitHighlight(prev)
}

// OnGrabberIntersections advances the machine on a new intersection
// snapshot. At most one UpdateGrabberHighlight is emitted per call.
func (p *Processor) OnGrabberIntersections(state protocol.MsgGrabberState) {
	best := p.findBestGrabbable(state.Grabbables)

	if p.lastGrabbable != nil && p.highlight == protocol.HighlightGrabbed && state.IsPressed &&
		(best == nil || !protocol.AddrsMatch(p.lastGrabbable, best.GrabbableID)) {
		if p.now().Sub(p.grabStart) < grabStartGrace {
			return
		}
	}

	prev := p.highlight
	for p.step(state, best) {
	}
	p.emitHighlight(prev)
}

// step runs the logic for the current state once. It returns true when the
// new state has to be evaluated against the same snapshot.
func (p *Processor) step(state protocol.MsgGrabberState, best *protocol.GrabbableCollision) bool {
	switch p.highlight {
	case protocol.HighlightNone:
		p.invariant(p.lastGrabbable == nil, "tracking %s without being in range", p.lastGrabbable)
		if best == nil {
			return false
		}
		p.lastGrabbable = best.GrabbableID
		p.lastHandle = best.HandleID
		p.highlight = protocol.HighlightInRange
		p.send(protocol.GrabEnterRange, nil)
		// the button may have been pressed in the same snapshot
		return true

	case protocol.HighlightInRange:
		if !p.invariant(p.lastGrabbable != nil, "in range without a grabbable") {
			p.reset()
			return false
		}

		if best == nil || !protocol.AddrsMatch(p.lastHandle, best.HandleID) {
			// a different best candidate is picked up on the next snapshot
			p.send(protocol.GrabLeaveRange, nil)
			p.reset()
			return false
		}

		if !state.IsPressed || best.ProximityOnly {
			return false
		}

		p.requestID++
		request := p.event(protocol.GrabRequestGrab, nil)
		request.RequestID = p.requestID
		p.ctx.SendGrabEvent(request)
		p.highlight = protocol.HighlightWaitingForConfirmation

	case protocol.HighlightWaitingForConfirmation, protocol.HighlightWaitingForGrabToStart:
		// only a grab event moves these along

	case protocol.HighlightWaitingForReleaseAfterRejection:
		if !state.IsPressed {
			p.highlight = protocol.HighlightInRange
		}

	case protocol.HighlightGrabbed:
		if indexOfGrabbable(state.Grabbables, p.lastGrabbable) == -1 {
			p.log.Debug("ending grab of %s because it is no longer intersecting", p.lastGrabbable)
			p.send(protocol.GrabEndGrab, nil)
			p.highlight = protocol.HighlightInRange
			return false
		}

		// hooks come before the drop in case the release and the hook
		// arrive in the same snapshot
		if len(state.Hooks) > 0 {
			p.lastHook = state.Hooks[0]
			p.send(protocol.GrabEnterHookRange, p.lastHook)
			p.highlight = protocol.HighlightNearHook
			return false
		}

		if !state.IsPressed {
			p.send(protocol.GrabEndGrab, nil)
			p.highlight = protocol.HighlightInRange
		}

	case protocol.HighlightNearHook:
		if protocol.IndexOfAddr(state.Hooks, p.lastHook) == -1 ||
			indexOfGrabbable(state.Grabbables, p.lastGrabbable) == -1 {
			// the next snapshot decides where to go from Grabbed
			p.send(protocol.GrabLeaveHookRange, p.lastHook)
			p.lastHook = nil
			p.highlight = protocol.HighlightGrabbed
			return false
		}

		if !state.IsPressed {
			// dropped onto the hook
			p.send(protocol.GrabLeaveHookRange, p.lastHook)
			p.send(protocol.GrabEndGrab, p.lastHook)
			p.lastHook = nil
			p.highlight = protocol.HighlightInRange
		}
	}

	return false
}

// findBestGrabbable prefers the candidate on the handle we already track,
// unless it is proximity-only and a grabbable candidate exists. Otherwise
// the first grabbable candidate wins, falling back to the first candidate.
func (p *Processor) findBestGrabbable(grabbables []protocol.GrabbableCollision) *protocol.GrabbableCollision {
	var last, best *protocol.GrabbableCollision
	for i := range grabbables {
		coll := &grabbables[i]
		if last == nil && protocol.AddrsMatch(coll.HandleID, p.lastHandle) {
			last = coll
		}
		if best == nil || (best.ProximityOnly && !coll.ProximityOnly) {
			best = coll
		}
	}

	if last == nil || (last.ProximityOnly && !best.ProximityOnly) {
		return best
	}
	return last
}

func indexOfGrabbable(grabbables []protocol.GrabbableCollision, grabbableID *protocol.EndpointAddr) int {
	for i, coll := range grabbables {
		if protocol.AddrsMatch(coll.GrabbableID, grabbableID) {
			return i
		}
	}
	return -1
}

func (p *Processor) event(t protocol.GrabEventType, hook *protocol.EndpointAddr) protocol.GrabEvent {
	grabber := p.ctx.GrabberAddr()
	return protocol.GrabEvent{
		Type:        t,
		SenderID:    grabber.NodeID,
		GrabberID:   grabber,
		GrabbableID: p.lastGrabbable,
		HandleID:    p.lastHandle,
		HookID:      hook,
	}
}

func (p *Processor) send(t protocol.GrabEventType, hook *protocol.EndpointAddr) {
	p.ctx.SendGrabEvent(p.event(t, hook))
}

func (p *Processor) emitHighlight(prev protocol.GrabberHighlight) {
	if prev == p.highlight {
		return
	}
	p.log.Debug("grabber %s: %s -> %s", p.ctx.GrabberAddr(), prev, p.highlight)
	highlight := p.highlight
	p.ctx.SendGrabEvent(protocol.GrabEvent{
		Type:      protocol.GrabUpdateGrabberHighlight,
		GrabberID: p.ctx.GrabberAddr(),
		Highlight: &highlight,
	})
}

func (p *Processor) reset() {
	p.lastGrabbable = nil
	p.lastHandle = nil
	p.lastHook = nil
	p.highlight = protocol.HighlightNone
}

// invariant reports whether ok holds. A violation means the driving layer
// delivered an input the protocol never produces.
func (p *Processor) invariant(ok bool, format string, args ...interface{}) bool {
	if ok {
		return true
	}
	msg := fmt.Sprintf(format, args...)
	if p.strict {
		panic(fmt.Sprintf("grab: grabber %s: %s", p.ctx.GrabberAddr(), msg))
	}
	p.log.Error("grabber %s: %s, ignoring", p.ctx.GrabberAddr(), msg)
	return false
}
