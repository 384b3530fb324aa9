package hub

import (
	"errors"
	"fmt"

	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/tidwall/sjson"
)

// Conn is the outbound side of a connection. Send must not block; it
// returns false when the message could not be queued. Close must be safe to
// call more than once and from any goroutine.
type Conn interface {
	Send(data []byte) bool
	Close()
}

type envelopeHandler func(env *protocol.Envelope) error

var errOnlyFromGadgets = errors.New("Only valid from gadgets")

// Endpoint is one live connection
type Endpoint struct {
	id       int
	typ      protocol.EndpointType
	conn     Conn
	d        *Dispatcher
	gadget   *GadgetData
	handlers map[protocol.MessageType]envelopeHandler
}

func newEndpoint(d *Dispatcher, id int, conn Conn) *Endpoint {
	ep := &Endpoint{
		id:   id,
		typ:  protocol.EndpointUnknown,
		conn: conn,
		d:    d,
	}
	ep.handlers = map[protocol.MessageType]envelopeHandler{
		protocol.MessageSetEndpointType:      ep.onSetEndpointType,
		protocol.MessageGetGadgetManifest:    ep.onGetGadgetManifest,
		protocol.MessageUpdateSceneGraph:     ep.onUpdateSceneGraph,
		protocol.MessageGrabberState:         ep.onGrabberState,
		protocol.MessageGrabEvent:            ep.onGrabEvent,
		protocol.MessageGadgetStarted:        ep.onGadgetStarted,
		protocol.MessagePokerProximity:       ep.onPokerProximity,
		protocol.MessageMouseEvent:           ep.onMouseEvent,
		protocol.MessageNodeHaptic:           ep.onNodeHaptic,
		protocol.MessageAttachGadgetToHook:   ep.onAttachGadgetToHook,
		protocol.MessageDetachGadgetFromHook: ep.onDetachGadgetFromHook,
		protocol.MessageSaveSettings:         ep.onSaveSettings,
	}
	return ep
}

// ID returns the endpoint id assigned by the dispatcher
func (ep *Endpoint) ID() int { return ep.id }

// Name identifies the endpoint in logs
func (ep *Endpoint) Name() string {
	return fmt.Sprintf("#%d (%s)", ep.id, ep.typ)
}

func (ep *Endpoint) handleMessage(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		ep.d.log.Warn("dropping message from %s: %v", ep.Name(), err)
		return
	}
	env.Sender = &protocol.EndpointAddr{Type: ep.typ, EndpointID: ep.id}
	ep.d.log.Debug("%s -> %s %s", ep.Name(), env.Type, env.Payload)

	if ep.typ == protocol.EndpointUnknown {
		if env.Type != protocol.MessageSetEndpointType {
			ep.sendError("SetEndpointType must be the first message from an endpoint", nil)
			return
		}
	} else if env.Type == protocol.MessageSetEndpointType {
		ep.sendError("SetEndpointType may only be sent once", &env.Type)
		return
	}

	handler, ok := ep.handlers[env.Type]
	if !ok {
		ep.sendError("Unsupported message", &env.Type)
		return
	}
	if err := handler(env); err != nil {
		ep.sendError(err.Error(), &env.Type)
	}
}

func (ep *Endpoint) onSetEndpointType(env *protocol.Envelope) error {
	var m protocol.MsgSetEndpointType
	if err := env.Decode(&m); err != nil {
		return err
	}

	switch m.NewEndpointType {
	case protocol.EndpointGadget:
		if m.GadgetURI == "" {
			return errors.New("SetEndpointType to gadget must provide URI")
		}
	case protocol.EndpointMonitor, protocol.EndpointRenderer:
	default:
		return errors.New("New endpoint type must be Gadget, Monitor, or Renderer")
	}

	response := protocol.MsgSetEndpointTypeResponse{EndpointID: ep.id}
	if m.NewEndpointType == protocol.EndpointGadget {
		gadget, err := newGadgetData(ep, m.GadgetURI, m.InitialHook, m.PersistenceUUID)
		if err != nil {
			ep.d.log.Error("failed to set up gadget for %s: %v", ep.Name(), err)
			return fmt.Errorf("failed to set up gadget: %w", err)
		}
		settings, err := ep.d.store.GadgetSettings(gadget.persistenceUUID)
		if err != nil {
			ep.d.log.Warn("failed to load settings for gadget %s: %v", gadget.persistenceUUID, err)
		}
		response.Settings = settings
		ep.gadget = gadget
	}

	ep.typ = m.NewEndpointType
	ep.d.log.Info("setting endpoint %d to %s", ep.id, ep.typ)

	ep.sendMessage(protocol.MessageSetEndpointTypeResponse, response, nil, nil)
	ep.d.setEndpointType(ep)
	// the new endpoint learns about itself from the response
	ep.d.broadcastToTypeExcept(protocol.EndpointMonitor, ep.d.buildNewEndpoint(ep), ep.id)

	if ep.gadget != nil {
		ep.gadget.loadManifest()
	}
	return nil
}

func (ep *Endpoint) onGetGadgetManifest(env *protocol.Envelope) error {
	var m protocol.MsgGetGadgetManifest
	if err := env.Decode(&m); err != nil {
		return err
	}

	d := ep.d
	if d.manifests == nil {
		return errors.New("manifest loading is not available")
	}
	d.goBackground(func() {
		manifest, err := d.manifests.FetchGadgetManifest(d.ctx, m.GadgetURI)

		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.isLive(ep) {
			return
		}
		response := protocol.MsgGetGadgetManifestResponse{GadgetURI: m.GadgetURI}
		if err != nil {
			response.Error = fmt.Sprintf("Unable to load manifest %v", err)
		} else {
			response.Manifest = manifest
		}
		ep.sendMessage(protocol.MessageGetGadgetManifestResponse, response, nil, nil)
	})
	return nil
}

func (ep *Endpoint) onUpdateSceneGraph(env *protocol.Envelope) error {
	if ep.gadget == nil {
		return errOnlyFromGadgets
	}
	var m protocol.MsgUpdateSceneGraph
	if err := env.Decode(&m); err != nil {
		return err
	}
	return ep.gadget.updateSceneGraph(m.Root)
}

func (ep *Endpoint) onGrabberState(env *protocol.Envelope) error {
	ep.d.forwardToAddress(env.AddrField("grabberId"), env)
	ep.d.broadcastToType(protocol.EndpointMonitor, env)
	return nil
}

func (ep *Endpoint) onPokerProximity(env *protocol.Envelope) error {
	ep.d.forwardToAddress(env.AddrField("pokerId"), env)
	ep.d.broadcastToType(protocol.EndpointMonitor, env)
	return nil
}

func (ep *Endpoint) onMouseEvent(env *protocol.Envelope) error {
	ep.d.forwardToAddress(env.AddrField("event.panelId"), env)
	ep.d.broadcastToType(protocol.EndpointMonitor, env)
	return nil
}

func (ep *Endpoint) onNodeHaptic(env *protocol.Envelope) error {
	ep.d.broadcastToType(protocol.EndpointMonitor, env)
	ep.d.broadcastToType(protocol.EndpointRenderer, env)
	return nil
}

// onGrabEvent delivers a grab event to every participant it names, to every
// hook while a grab starts or ends, and to renderers and monitors.
func (ep *Endpoint) onGrabEvent(env *protocol.Envelope) error {
	if !env.Field("event").IsObject() {
		return errors.New("GrabEvent requires an event")
	}

	for _, field := range []string{"event.grabberId", "event.grabbableId", "event.hookId"} {
		if addr := env.AddrField(field); addr != nil {
			ep.d.forwardToAddress(addr, env)
		}
	}

	switch protocol.GrabEventType(env.Field("event.type").Int()) {
	case protocol.GrabStartGrab, protocol.GrabEndGrab:
		ep.d.forwardToAllHookNodes(env)
	}

	if env.Sender.Type != protocol.EndpointRenderer {
		ep.d.broadcastToType(protocol.EndpointRenderer, env)
	}
	ep.d.broadcastToType(protocol.EndpointMonitor, env)
	return nil
}

// onGadgetStarted qualifies the gadget-local main grabbable id with this
// endpoint's id before passing the notice on.
func (ep *Endpoint) onGadgetStarted(env *protocol.Envelope) error {
	if nodeID := env.Field("mainGrabbable").Int(); nodeID != 0 {
		payload, err := sjson.Set(env.Payload, "mainGrabbableGlobalId", protocol.NodeAddr(ep.id, int(nodeID)))
		if err != nil {
			return fmt.Errorf("failed to qualify main grabbable: %w", err)
		}
		env.Payload = payload
	}
	ep.d.forwardToAddress(env.AddrField("epToNotify"), env)
	return nil
}

func (ep *Endpoint) onAttachGadgetToHook(env *protocol.Envelope) error {
	var m protocol.MsgAttachGadgetToHook
	if err := env.Decode(&m); err != nil {
		return err
	}
	gadget := ep.hookedGadget(m.GrabbableNodeID)
	if gadget == nil {
		return nil
	}
	return gadget.attachToHook(m.HookNodeID)
}

func (ep *Endpoint) onDetachGadgetFromHook(env *protocol.Envelope) error {
	var m protocol.MsgDetachGadgetFromHook
	if err := env.Decode(&m); err != nil {
		return err
	}
	gadget := ep.hookedGadget(m.GrabbableNodeID)
	if gadget == nil {
		return nil
	}
	return gadget.detachFromHook()
}

func (ep *Endpoint) hookedGadget(grabbableID *protocol.EndpointAddr) *GadgetData {
	if grabbableID.IsEmpty() {
		ep.d.log.Warn("hook change from %s without a grabbable", ep.Name())
		return nil
	}
	gadgetEp := ep.d.gadgetEndpoint(grabbableID.EndpointID)
	if gadgetEp == nil {
		ep.d.log.Warn("hook change from %s for unknown gadget %d", ep.Name(), grabbableID.EndpointID)
		return nil
	}
	return gadgetEp.gadget
}

func (ep *Endpoint) onSaveSettings(env *protocol.Envelope) error {
	if ep.gadget == nil {
		ep.d.log.Debug("ignoring settings from %s", ep.Name())
		return nil
	}
	var m protocol.MsgSaveSettings
	if err := env.Decode(&m); err != nil {
		return err
	}
	if err := ep.d.store.SetGadgetSettings(ep.gadget.persistenceUUID, m.Settings); err != nil {
		ep.d.log.Error("failed to save settings for %s: %v", ep.Name(), err)
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// sendMessage packs msg and sends it to this endpoint. A nil sender means
// the hub.
func (ep *Endpoint) sendMessage(t protocol.MessageType, msg any, target, sender *protocol.EndpointAddr) {
	env := ep.d.buildEnvelope(t, sender, msg)
	if env.Sender == nil {
		env.Sender = protocol.HubAddr()
	}
	env.Target = target
	ep.sendEnvelope(env)
}

func (ep *Endpoint) sendEnvelope(env *protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		ep.d.log.Error("failed to encode %s for %s: %v", env.Type, ep.Name(), err)
		return
	}
	ep.send(data)
}

func (ep *Endpoint) send(data []byte) {
	if !ep.conn.Send(data) {
		ep.d.log.Warn("failed to queue message for %s", ep.Name())
	}
}

func (ep *Endpoint) sendError(message string, messageType *protocol.MessageType) {
	ep.sendMessage(protocol.MessageError, protocol.MsgError{
		Error:       message,
		MessageType: messageType,
	}, nil, nil)
	ep.d.log.Warn("sending error to endpoint %s: %s", ep.Name(), message)
}
