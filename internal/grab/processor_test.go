package grab

import (
	"io"
	"testing"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	grabber   = protocol.NodeAddr(30, 4)
	grabbable = protocol.NodeAddr(28, 2)
	handle    = protocol.NodeAddr(28, 3)
	other     = protocol.NodeAddr(29, 2)
	otherHdl  = protocol.NodeAddr(29, 3)
	hook      = protocol.NodeAddr(27, 5)
)

type recorder struct {
	events []protocol.GrabEvent
}

func (r *recorder) SendGrabEvent(event protocol.GrabEvent) {
	r.events = append(r.events, event)
}

func (r *recorder) GrabberAddr() *protocol.EndpointAddr {
	return grabber
}

func (r *recorder) take() []protocol.GrabEvent {
	events := r.events
	r.events = nil
	return events
}

// protocolEvents drops highlight updates
func protocolEvents(events []protocol.GrabEvent) []protocol.GrabEvent {
	var out []protocol.GrabEvent
	for _, e := range events {
		if e.Type != protocol.GrabUpdateGrabberHighlight {
			out = append(out, e)
		}
	}
	return out
}

func typesOf(events []protocol.GrabEvent) []protocol.GrabEventType {
	out := make([]protocol.GrabEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProcessor(t *testing.T, strict bool) (*Processor, *recorder, *fakeClock) {
	t.Helper()
	rec := &recorder{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewProcessor(rec, Options{
		Strict: strict,
		Now:    clock.Now,
		Logger: logger.NewWriter(logger.LevelDebug, io.Discard, "grab"),
	})
	return p, rec, clock
}

func snapshot(pressed bool, grabbables ...protocol.GrabbableCollision) protocol.MsgGrabberState {
	return protocol.MsgGrabberState{GrabberID: grabber, IsPressed: pressed, Grabbables: grabbables}
}

func candidate(g, h *protocol.EndpointAddr) protocol.GrabbableCollision {
	return protocol.GrabbableCollision{GrabbableID: g, HandleID: h}
}

// driveToGrabbed runs the happy path up to Grabbed and clears the recorder
func driveToGrabbed(t *testing.T, p *Processor, rec *recorder) {
	t.Helper()
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	p.OnGrabEvent(protocol.GrabEvent{
		Type:        protocol.GrabRequestGrabResponse,
		GrabberID:   grabber,
		GrabbableID: grabbable,
		HandleID:    handle,
		RequestID:   p.requestID,
		Allowed:     true,
	})
	p.OnGrabEvent(protocol.GrabEvent{Type: protocol.GrabGrabStarted, GrabberID: grabber, GrabbableID: grabbable})
	require.Equal(t, protocol.HighlightGrabbed, p.Highlight())
	rec.take()
}

func TestScriptedGrab(t *testing.T) {
	p, rec, clock := newTestProcessor(t, true)
	assert.Equal(t, protocol.HighlightNone, p.Highlight())

	p.OnGrabberIntersections(snapshot(false, candidate(grabbable, handle)))
	events := rec.take()
	assert.Equal(t, []protocol.GrabEventType{protocol.GrabEnterRange, protocol.GrabUpdateGrabberHighlight}, typesOf(events))
	enter := events[0]
	assert.Equal(t, grabber.NodeID, enter.SenderID)
	assert.Equal(t, grabber, enter.GrabberID)
	assert.Equal(t, grabbable, enter.GrabbableID)
	assert.Equal(t, handle, enter.HandleID)
	require.NotNil(t, events[1].Highlight)
	assert.Equal(t, protocol.HighlightInRange, *events[1].Highlight)
	assert.Equal(t, protocol.HighlightInRange, p.Highlight())

	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	events = protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabRequestGrab, events[0].Type)
	assert.Equal(t, 1, events[0].RequestID)
	assert.Equal(t, protocol.HighlightWaitingForConfirmation, p.Highlight())

	p.OnGrabEvent(protocol.GrabEvent{
		Type:        protocol.GrabRequestGrabResponse,
		GrabberID:   grabber,
		GrabbableID: grabbable,
		HandleID:    handle,
		RequestID:   1,
		Allowed:     true,
	})
	events = protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabStartGrab, events[0].Type)
	assert.False(t, events[0].UseIdentityTransform)
	assert.Equal(t, protocol.HighlightWaitingForGrabToStart, p.Highlight())

	p.OnGrabEvent(protocol.GrabEvent{Type: protocol.GrabGrabStarted, GrabberID: grabber, GrabbableID: grabbable})
	assert.Equal(t, protocol.HighlightGrabbed, p.Highlight())
	assert.Empty(t, protocolEvents(rec.take()))

	clock.advance(2 * time.Second)
	p.OnGrabberIntersections(snapshot(true))
	events = protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabEndGrab, events[0].Type)
	assert.Equal(t, grabbable, events[0].GrabbableID)
	assert.Equal(t, protocol.HighlightInRange, p.Highlight())

	// the next snapshot notices nothing is in range any more
	p.OnGrabberIntersections(snapshot(false))
	assert.Equal(t, []protocol.GrabEventType{protocol.GrabLeaveRange}, typesOf(protocolEvents(rec.take())))
	assert.Equal(t, protocol.HighlightNone, p.Highlight())
	assert.Nil(t, p.Grabbable())
}

func TestRejectedGrab(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	require.Equal(t, protocol.HighlightWaitingForConfirmation, p.Highlight())
	rec.take()

	p.OnGrabEvent(protocol.GrabEvent{
		Type:        protocol.GrabRequestGrabResponse,
		GrabberID:   grabber,
		GrabbableID: grabbable,
		RequestID:   1,
		Allowed:     false,
	})
	assert.Equal(t, protocol.HighlightWaitingForReleaseAfterRejection, p.Highlight())
	assert.Empty(t, protocolEvents(rec.take()))

	// holding the button does not retry
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	assert.Empty(t, rec.take())

	p.OnGrabberIntersections(snapshot(false, candidate(grabbable, handle)))
	assert.Equal(t, protocol.HighlightInRange, p.Highlight())
	assert.Empty(t, protocolEvents(rec.take()))

	// a fresh press issues a new request id
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	events := protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].RequestID)
}

func TestDropOntoHook(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	driveToGrabbed(t, p, rec)

	state := snapshot(true, candidate(grabbable, handle))
	state.Hooks = []*protocol.EndpointAddr{hook}
	p.OnGrabberIntersections(state)
	events := protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabEnterHookRange, events[0].Type)
	assert.Equal(t, hook, events[0].HookID)
	assert.Equal(t, protocol.HighlightNearHook, p.Highlight())

	state.IsPressed = false
	p.OnGrabberIntersections(state)
	events = protocolEvents(rec.take())
	assert.Equal(t, []protocol.GrabEventType{protocol.GrabLeaveHookRange, protocol.GrabEndGrab}, typesOf(events))
	assert.Equal(t, hook, events[1].HookID)
	assert.Equal(t, grabbable, events[1].GrabbableID)
	assert.Equal(t, protocol.HighlightInRange, p.Highlight())
}

func TestLeavingHookRange(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	driveToGrabbed(t, p, rec)

	state := snapshot(true, candidate(grabbable, handle))
	state.Hooks = []*protocol.EndpointAddr{hook}
	p.OnGrabberIntersections(state)
	rec.take()

	state.Hooks = nil
	p.OnGrabberIntersections(state)
	events := protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabLeaveHookRange, events[0].Type)
	assert.Equal(t, hook, events[0].HookID)
	assert.Equal(t, protocol.HighlightGrabbed, p.Highlight())

	// releasing away from any hook is a plain drop
	state.IsPressed = false
	p.OnGrabberIntersections(state)
	events = protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabEndGrab, events[0].Type)
	assert.Nil(t, events[0].HookID)
}

func TestApprovalForDifferentGrabbable(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	rec.take()

	p.OnGrabEvent(protocol.GrabEvent{
		Type:        protocol.GrabRequestGrabResponse,
		GrabberID:   grabber,
		GrabbableID: other,
		HandleID:    otherHdl,
		RequestID:   1,
		Allowed:     true,
	})
	events := protocolEvents(rec.take())
	require.Equal(t, []protocol.GrabEventType{protocol.GrabLeaveRange, protocol.GrabEnterRange, protocol.GrabStartGrab}, typesOf(events))

	assert.Equal(t, grabbable, events[0].GrabbableID)
	assert.Equal(t, other, events[1].GrabbableID)
	assert.Equal(t, handle, events[1].HandleID)
	assert.Equal(t, other, events[2].GrabbableID)
	assert.Equal(t, otherHdl, events[2].HandleID)
	assert.True(t, events[2].UseIdentityTransform)
	assert.Equal(t, other, p.Grabbable())
}

func TestGrabStartGraceWindow(t *testing.T) {
	p, rec, clock := newTestProcessor(t, true)
	driveToGrabbed(t, p, rec)

	clock.advance(500 * time.Millisecond)
	p.OnGrabberIntersections(snapshot(true))
	assert.Empty(t, rec.take())
	assert.Equal(t, protocol.HighlightGrabbed, p.Highlight())

	// releasing is never held back
	p.OnGrabberIntersections(snapshot(false, candidate(other, otherHdl)))
	events := protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabEndGrab, events[0].Type)
}

func TestGraceWindowExpires(t *testing.T) {
	p, rec, clock := newTestProcessor(t, true)
	driveToGrabbed(t, p, rec)

	clock.advance(time.Second)
	p.OnGrabberIntersections(snapshot(true, candidate(other, otherHdl)))
	assert.Equal(t, []protocol.GrabEventType{protocol.GrabEndGrab}, typesOf(protocolEvents(rec.take())))
}

func TestSingleHighlightPerSnapshot(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)

	// None -> InRange -> WaitingForConfirmation in one snapshot
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	events := rec.take()
	require.Equal(t, []protocol.GrabEventType{
		protocol.GrabEnterRange,
		protocol.GrabRequestGrab,
		protocol.GrabUpdateGrabberHighlight,
	}, typesOf(events))
	assert.Equal(t, protocol.HighlightWaitingForConfirmation, *events[2].Highlight)
	assert.Equal(t, grabber, events[2].GrabberID)
	assert.Nil(t, events[2].GrabbableID)

	// no change, no highlight
	p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
	assert.Empty(t, rec.take())
}

func TestProximityOnlyCandidateIsNotRequested(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	c := candidate(grabbable, handle)
	c.ProximityOnly = true

	p.OnGrabberIntersections(snapshot(true, c))
	assert.Equal(t, []protocol.GrabEventType{protocol.GrabEnterRange}, typesOf(protocolEvents(rec.take())))
	assert.Equal(t, protocol.HighlightInRange, p.Highlight())
}

func TestCandidateSwitchLeavesRange(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	p.OnGrabberIntersections(snapshot(false, candidate(grabbable, handle)))
	rec.take()

	p.OnGrabberIntersections(snapshot(false, candidate(other, otherHdl)))
	events := protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabLeaveRange, events[0].Type)
	assert.Equal(t, grabbable, events[0].GrabbableID)
	assert.Equal(t, protocol.HighlightNone, p.Highlight())

	p.OnGrabberIntersections(snapshot(false, candidate(other, otherHdl)))
	events = protocolEvents(rec.take())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.GrabEnterRange, events[0].Type)
	assert.Equal(t, other, events[0].GrabbableID)
}

func TestFindBestGrabbable(t *testing.T) {
	proximity := func(g, h *protocol.EndpointAddr) protocol.GrabbableCollision {
		c := candidate(g, h)
		c.ProximityOnly = true
		return c
	}

	tests := []struct {
		name       string
		lastHandle *protocol.EndpointAddr
		candidates []protocol.GrabbableCollision
		want       *protocol.EndpointAddr
	}{
		{name: "empty"},
		{
			name:       "first grabbable",
			candidates: []protocol.GrabbableCollision{candidate(grabbable, handle), candidate(other, otherHdl)},
			want:       grabbable,
		},
		{
			name:       "grabbable beats proximity",
			candidates: []protocol.GrabbableCollision{proximity(grabbable, handle), candidate(other, otherHdl)},
			want:       other,
		},
		{
			name:       "only proximity",
			candidates: []protocol.GrabbableCollision{proximity(grabbable, handle), proximity(other, otherHdl)},
			want:       grabbable,
		},
		{
			name:       "sticks to the current handle",
			lastHandle: otherHdl,
			candidates: []protocol.GrabbableCollision{candidate(grabbable, handle), candidate(other, otherHdl)},
			want:       other,
		},
		{
			name:       "current handle loses when it became proximity only",
			lastHandle: otherHdl,
			candidates: []protocol.GrabbableCollision{candidate(grabbable, handle), proximity(other, otherHdl)},
			want:       grabbable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestProcessor(t, true)
			p.lastHandle = tt.lastHandle
			best := p.findBestGrabbable(tt.candidates)
			if tt.want == nil {
				assert.Nil(t, best)
				return
			}
			require.NotNil(t, best)
			assert.Equal(t, tt.want, best.GrabbableID)
		})
	}
}

func TestCancelIsIgnored(t *testing.T) {
	p, rec, _ := newTestProcessor(t, true)
	driveToGrabbed(t, p, rec)

	p.OnGrabEvent(protocol.GrabEvent{Type: protocol.GrabCancelGrab, GrabberID: grabber})
	assert.Equal(t, protocol.HighlightGrabbed, p.Highlight())
	assert.Empty(t, rec.take())
}

func TestInvariantViolations(t *testing.T) {
	staleResponse := protocol.GrabEvent{
		Type:      protocol.GrabRequestGrabResponse,
		GrabberID: grabber,
		RequestID: 7,
		Allowed:   true,
	}
	unexpectedStart := protocol.GrabEvent{Type: protocol.GrabGrabStarted, GrabberID: grabber}

	t.Run("strict panics", func(t *testing.T) {
		p, _, _ := newTestProcessor(t, true)
		assert.Panics(t, func() { p.OnGrabEvent(unexpectedStart) })

		p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
		assert.Panics(t, func() { p.OnGrabEvent(staleResponse) })
	})

	t.Run("lenient ignores", func(t *testing.T) {
		p, rec, _ := newTestProcessor(t, false)
		assert.NotPanics(t, func() { p.OnGrabEvent(unexpectedStart) })
		assert.Equal(t, protocol.HighlightNone, p.Highlight())

		p.OnGrabberIntersections(snapshot(true, candidate(grabbable, handle)))
		rec.take()
		assert.NotPanics(t, func() { p.OnGrabEvent(staleResponse) })
		assert.Equal(t, protocol.HighlightWaitingForConfirmation, p.Highlight())
		assert.Empty(t, rec.take())
	})
}
