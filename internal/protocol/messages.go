package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags the payload carried by an envelope
type MessageType int

// Message types. The initialization messages are the only ones that may
// arrive without a sender.
const (
	MessageSetEndpointType           MessageType = 100
	MessageSetEndpointTypeResponse   MessageType = 101
	MessageError                     MessageType = 102
	MessageGetGadgetManifest         MessageType = 103
	MessageGetGadgetManifestResponse MessageType = 104

	// Sent to monitors for context
	MessageNewEndpoint  MessageType = 200
	MessageLostEndpoint MessageType = 201

	MessageUpdateSceneGraph     MessageType = 300
	MessageGrabEvent            MessageType = 301
	MessageGrabberState         MessageType = 302
	MessageGadgetStarted        MessageType = 303
	MessagePokerProximity       MessageType = 304
	MessageMouseEvent           MessageType = 305
	MessageNodeHaptic           MessageType = 306
	MessageAttachGadgetToHook   MessageType = 307
	MessageDetachGadgetFromHook MessageType = 308
	MessageMasterStartGadget    MessageType = 309
	MessageSaveSettings         MessageType = 310
)

var messageTypeNames = map[MessageType]string{
	MessageSetEndpointType:           "SetEndpointType",
	MessageSetEndpointTypeResponse:   "SetEndpointTypeResponse",
	MessageError:                     "Error",
	MessageGetGadgetManifest:         "GetGadgetManifest",
	MessageGetGadgetManifestResponse: "GetGadgetManifestResponse",
	MessageNewEndpoint:               "NewEndpoint",
	MessageLostEndpoint:              "LostEndpoint",
	MessageUpdateSceneGraph:          "UpdateSceneGraph",
	MessageGrabEvent:                 "GrabEvent",
	MessageGrabberState:              "GrabberState",
	MessageGadgetStarted:             "GadgetStarted",
	MessagePokerProximity:            "PokerProximity",
	MessageMouseEvent:                "MouseEvent",
	MessageNodeHaptic:                "NodeHaptic",
	MessageAttachGadgetToHook:        "AttachGadgetToHook",
	MessageDetachGadgetFromHook:      "DetachGadgetFromHook",
	MessageMasterStartGadget:         "MasterStartGadget",
	MessageSaveSettings:              "SaveSettings",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// MsgError is sent by the hub when a client violates the protocol
type MsgError struct {
	MessageType *MessageType `json:"messageType,omitempty"`
	Error       string       `json:"error"`
}

type MsgSetEndpointType struct {
	NewEndpointType EndpointType `json:"newEndpointType"`
	GadgetURI       string       `json:"gadgetUri,omitempty"`
	InitialHook     string       `json:"initialHook,omitempty"`
	PersistenceUUID string       `json:"persistenceUuid,omitempty"`
}

type MsgSetEndpointTypeResponse struct {
	EndpointID int             `json:"endpointId"`
	Settings   json.RawMessage `json:"settings,omitempty"`
}

type MsgNewEndpoint struct {
	NewEndpointType EndpointType `json:"newEndpointType"`
	EndpointID      int          `json:"endpointId"`
	GadgetURI       string       `json:"gadgetUri,omitempty"`
}

type MsgLostEndpoint struct {
	EndpointID int `json:"endpointId"`
}

type MsgGetGadgetManifest struct {
	GadgetURI string `json:"gadgetUri"`
}

type MsgGetGadgetManifestResponse struct {
	GadgetURI string          `json:"gadgetUri"`
	Error     string          `json:"error,omitempty"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
}

// MsgUpdateSceneGraph carries a gadget's scene graph. Root is kept as raw
// JSON so that node properties the hub does not model pass through intact.
// A null root tells recipients the gadget is gone.
type MsgUpdateSceneGraph struct {
	Root json.RawMessage `json:"root"`
	Hook *HookRef        `json:"hook,omitempty"`
}

type MsgGrabberState struct {
	GrabberID  *EndpointAddr        `json:"grabberId"`
	IsPressed  bool                 `json:"isPressed"`
	Grabbables []GrabbableCollision `json:"grabbables,omitempty"`
	Hooks      []*EndpointAddr      `json:"hooks,omitempty"`
}

type MsgGrabEvent struct {
	Event GrabEvent `json:"event"`
}

type MsgGadgetStarted struct {
	EpToNotify            *EndpointAddr `json:"epToNotify"`
	MainGrabbable         int           `json:"mainGrabbable,omitempty"`
	MainGrabbableGlobalID *EndpointAddr `json:"mainGrabbableGlobalId,omitempty"`
}

type MsgPokerProximity struct {
	PokerID *EndpointAddr   `json:"pokerId"`
	Panels  json.RawMessage `json:"panels,omitempty"`
}

type MsgMouseEvent struct {
	Event json.RawMessage `json:"event"`
}

type MsgAttachGadgetToHook struct {
	GrabbableNodeID *EndpointAddr `json:"grabbableNodeId"`
	HookNodeID      *EndpointAddr `json:"hookNodeId"`
}

type MsgDetachGadgetFromHook struct {
	GrabbableNodeID *EndpointAddr `json:"grabbableNodeId"`
	HookNodeID      *EndpointAddr `json:"hookNodeId"`
}

type MsgMasterStartGadget struct {
	URI             string `json:"uri"`
	InitialHook     string `json:"initialHook,omitempty"`
	PersistenceUUID string `json:"persistenceUuid"`
}

type MsgSaveSettings struct {
	Settings json.RawMessage `json:"settings"`
}
