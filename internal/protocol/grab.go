package protocol

import "fmt"

// GrabEventType enumerates the steps of the grab protocol
type GrabEventType int

const (
	GrabEnterRange GrabEventType = iota
	GrabLeaveRange
	GrabStartGrab
	GrabEndGrab
	GrabEnterHookRange
	GrabLeaveHookRange
	GrabRequestGrab
	GrabRequestGrabResponse
	GrabCancelGrab
	GrabGrabStarted
	GrabUpdateGrabberHighlight
)

var grabEventTypeNames = [...]string{
	"EnterRange",
	"LeaveRange",
	"StartGrab",
	"EndGrab",
	"EnterHookRange",
	"LeaveHookRange",
	"RequestGrab",
	"RequestGrabResponse",
	"CancelGrab",
	"GrabStarted",
	"UpdateGrabberHighlight",
}

func (t GrabEventType) String() string {
	if t >= 0 && int(t) < len(grabEventTypeNames) {
		return grabEventTypeNames[t]
	}
	return fmt.Sprintf("GrabEventType(%d)", int(t))
}

// GrabberHighlight is the externally visible phase of a grabber
type GrabberHighlight int

const (
	HighlightNone GrabberHighlight = iota
	HighlightInRange
	HighlightWaitingForConfirmation
	HighlightWaitingForGrabToStart
	HighlightGrabbed
	HighlightNearHook
	HighlightWaitingForReleaseAfterRejection
)

var highlightNames = [...]string{
	"None",
	"InRange",
	"WaitingForConfirmation",
	"WaitingForGrabToStart",
	"Grabbed",
	"NearHook",
	"WaitingForReleaseAfterRejection",
}

func (h GrabberHighlight) String() string {
	if h >= 0 && int(h) < len(highlightNames) {
		return highlightNames[h]
	}
	return fmt.Sprintf("GrabberHighlight(%d)", int(h))
}

// GrabEvent is the body of a GrabEvent message
type GrabEvent struct {
	Type                 GrabEventType     `json:"type"`
	SenderID             int               `json:"senderId,omitempty"`
	GrabberID            *EndpointAddr     `json:"grabberId,omitempty"`
	GrabbableID          *EndpointAddr     `json:"grabbableId,omitempty"`
	HandleID             *EndpointAddr     `json:"handleId,omitempty"`
	HookID               *EndpointAddr     `json:"hookId,omitempty"`
	RequestID            int               `json:"requestId,omitempty"`
	Allowed              bool              `json:"allowed,omitempty"`
	UseIdentityTransform bool              `json:"useIdentityTransform,omitempty"`
	Highlight            *GrabberHighlight `json:"highlight,omitempty"`
}

// GrabbableCollision is one entry of a grabber's intersection list
type GrabbableCollision struct {
	GrabbableID   *EndpointAddr `json:"grabbableId"`
	HandleID      *EndpointAddr `json:"handleId"`
	ProximityOnly bool          `json:"proximityOnly,omitempty"`
}
