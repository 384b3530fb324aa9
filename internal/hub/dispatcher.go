// Package hub routes envelopes between the endpoints connected to an
// aardvark server and keeps the registries and gadget scene graph state
// that routing depends on.
package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/persistence"
	"github.com/codefionn/aardvark-hub/internal/protocol"
)

// DefaultFirstEndpointID is the id handed to the first connection
const DefaultFirstEndpointID = 27

// ManifestSource loads gadget manifests. Implementations must be safe for
// concurrent use.
type ManifestSource interface {
	FetchGadgetManifest(ctx context.Context, gadgetURI string) (json.RawMessage, error)
}

// Options configures a Dispatcher
type Options struct {
	Store           persistence.Store
	Manifests       ManifestSource
	Logger          *logger.Logger
	FirstEndpointID int
}

// Dispatcher owns every endpoint registry and applies the routing rules.
// All registry access happens with mu held; exported methods take the lock,
// lowercase ones expect the caller to hold it.
type Dispatcher struct {
	mu sync.Mutex

	nextID        int
	endpoints     map[int]*Endpoint
	byType        map[protocol.EndpointType][]int
	gadgetsByUUID map[string]int

	store     persistence.Store
	manifests ManifestSource
	log       *logger.Logger

	// background manifest fetches
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		nextID:        opts.FirstEndpointID,
		endpoints:     make(map[int]*Endpoint),
		byType:        make(map[protocol.EndpointType][]int),
		gadgetsByUUID: make(map[string]int),
		store:         opts.Store,
		manifests:     opts.Manifests,
		log:           opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if d.nextID <= 0 {
		d.nextID = DefaultFirstEndpointID
	}
	if d.log == nil {
		d.log = logger.Global().WithPrefix("hub")
	}
	return d
}

// Connect creates an untyped endpoint for a freshly accepted connection
func (d *Dispatcher) Connect(conn Conn) *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep := newEndpoint(d, d.nextID, conn)
	d.nextID++
	d.registerEndpoint(ep)
	d.log.Info("new connection %s", ep.Name())
	return ep
}

// Disconnect removes a closed endpoint from every registry and tells the
// remaining endpoints it is gone.
func (d *Dispatcher) Disconnect(ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.endpoints[ep.id] != ep {
		return
	}
	d.log.Info("connection closed %s", ep.Name())
	d.removeEndpoint(ep)

	if ep.typ == protocol.EndpointGadget && ep.gadget != nil && ep.gadget.hasRoot() {
		d.updateGadgetSceneGraph(ep.id, nil, nil)
	}

	d.broadcastToType(protocol.EndpointMonitor, d.buildEnvelope(protocol.MessageLostEndpoint,
		protocol.HubAddr(), protocol.MsgLostEndpoint{EndpointID: ep.id}))

	ep.gadget = nil
}

// HandleMessage processes one raw message received on ep's connection
func (d *Dispatcher) HandleMessage(ep *Endpoint, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Debug("dropping message from %s, hub is shutting down", ep.Name())
		return
	}
	if d.endpoints[ep.id] != ep {
		return
	}
	ep.handleMessage(data)
}

// RequestGadgetStart asks the master gadget to start a gadget unless one
// with the same persistence UUID is already connected.
func (d *Dispatcher) RequestGadgetStart(uri, initialHook, persistenceUUID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestGadgetStart(uri, initialHook, persistenceUUID)
}

// Counts returns the number of live endpoints per type
func (d *Dispatcher) Counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := map[string]int{
		"total":     len(d.endpoints),
		"gadgets":   len(d.byType[protocol.EndpointGadget]),
		"renderers": len(d.byType[protocol.EndpointRenderer]),
		"monitors":  len(d.byType[protocol.EndpointMonitor]),
	}
	counts["pending"] = counts["total"] - counts["gadgets"] - counts["renderers"] - counts["monitors"]
	return counts
}

// CloseAll closes every live connection. Endpoints are removed as their
// connections report the close.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.sortedIDs() {
		d.endpoints[id].conn.Close()
	}
}

// Close cancels outstanding manifest fetches and waits for them to finish.
// Messages handled after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// goBackground runs fn on its own goroutine unless the dispatcher is closed.
// mu must be held.
func (d *Dispatcher) goBackground(fn func()) {
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dispatcher) registerEndpoint(ep *Endpoint) {
	d.endpoints[ep.id] = ep
}

// setEndpointType promotes a newly typed endpoint into its type partition
// and replays existing state to monitors and renderers.
func (d *Dispatcher) setEndpointType(ep *Endpoint) {
	switch ep.typ {
	case protocol.EndpointGadget, protocol.EndpointRenderer, protocol.EndpointMonitor:
		d.byType[ep.typ] = append(d.byType[ep.typ], ep.id)
	}

	switch ep.typ {
	case protocol.EndpointMonitor:
		d.sendStateToMonitor(ep)
	case protocol.EndpointRenderer:
		for _, id := range d.sortedIDs() {
			existing := d.endpoints[id]
			if existing.typ == protocol.EndpointGadget && existing.gadget != nil {
				ep.sendEnvelope(d.buildUpdateSceneGraph(existing.id, existing.gadget.root, existing.gadget.hook))
			}
		}
	}

	if ep.gadget != nil {
		d.gadgetsByUUID[ep.gadget.persistenceUUID] = ep.id
	}
}

func (d *Dispatcher) removeEndpoint(ep *Endpoint) {
	if ids, ok := d.byType[ep.typ]; ok {
		for i, id := range ids {
			if id == ep.id {
				d.byType[ep.typ] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	delete(d.endpoints, ep.id)

	if ep.gadget != nil {
		if owner, ok := d.gadgetsByUUID[ep.gadget.persistenceUUID]; ok && owner == ep.id {
			delete(d.gadgetsByUUID, ep.gadget.persistenceUUID)
		}
	}
}

func (d *Dispatcher) sendStateToMonitor(monitor *Endpoint) {
	for _, id := range d.sortedIDs() {
		ep := d.endpoints[id]
		switch ep.typ {
		case protocol.EndpointGadget:
			monitor.sendEnvelope(d.buildNewEndpoint(ep))
			if ep.gadget != nil && ep.gadget.hasRoot() {
				monitor.sendEnvelope(d.buildUpdateSceneGraph(ep.id, ep.gadget.root, ep.gadget.hook))
			}
		case protocol.EndpointRenderer:
			monitor.sendEnvelope(d.buildNewEndpoint(ep))
		}
	}
}

func (d *Dispatcher) sortedIDs() []int {
	ids := make([]int, 0, len(d.endpoints))
	for id := range d.endpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// forwardToAddress sends env to the endpoint that owns addr. Messages are
// never echoed back to their sender; unknown endpoints are logged and
// dropped because dependent endpoints routinely connect out of order.
func (d *Dispatcher) forwardToAddress(addr *protocol.EndpointAddr, env *protocol.Envelope) {
	if protocol.AddrsMatch(addr, env.Sender) {
		return
	}
	if addr.IsEmpty() {
		d.log.Warn("dropping %s with empty target address", env.Type)
		return
	}

	ep, ok := d.endpoints[addr.EndpointID]
	if !ok {
		d.log.Warn("sending %s to unknown endpoint %s", env.Type, addr)
		return
	}

	out := env.Readdressed(addr)
	if out.Sender == nil {
		out.Sender = protocol.HubAddr()
	}
	ep.sendEnvelope(out)
}

// broadcastToType sends env to every endpoint of type t, including the
// sender if it is one of them.
func (d *Dispatcher) broadcastToType(t protocol.EndpointType, env *protocol.Envelope) {
	d.broadcastToTypeExcept(t, env, 0)
}

func (d *Dispatcher) broadcastToTypeExcept(t protocol.EndpointType, env *protocol.Envelope, skipID int) {
	ids := d.byType[t]
	if len(ids) == 0 {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		d.log.Error("failed to encode %s: %v", env.Type, err)
		return
	}
	for _, id := range ids {
		if id == skipID {
			continue
		}
		d.endpoints[id].send(data)
	}
}

// forwardToAllHookNodes sends env to every hook node of every gadget so
// hooks can highlight while something is being grabbed.
func (d *Dispatcher) forwardToAllHookNodes(env *protocol.Envelope) {
	for _, id := range d.byType[protocol.EndpointGadget] {
		gadget := d.endpoints[id].gadget
		if gadget == nil {
			continue
		}
		for _, hook := range gadget.hookNodes {
			d.forwardToAddress(hook.addr, env)
		}
	}
}

// updateGadgetSceneGraph tells monitors and renderers about a gadget's scene
// graph. A nil root announces that the gadget is gone.
func (d *Dispatcher) updateGadgetSceneGraph(gadgetID int, root json.RawMessage, hook *protocol.HookRef) {
	env := d.buildUpdateSceneGraph(gadgetID, root, hook)
	d.broadcastToType(protocol.EndpointMonitor, env)
	d.broadcastToType(protocol.EndpointRenderer, env)
}

func (d *Dispatcher) buildUpdateSceneGraph(gadgetID int, root json.RawMessage, hook *protocol.HookRef) *protocol.Envelope {
	msg := protocol.MsgUpdateSceneGraph{Root: root}
	if !hook.IsZero() {
		msg.Hook = hook
	}
	return d.buildEnvelope(protocol.MessageUpdateSceneGraph, protocol.GadgetAddr(gadgetID), msg)
}

func (d *Dispatcher) buildNewEndpoint(ep *Endpoint) *protocol.Envelope {
	msg := protocol.MsgNewEndpoint{
		NewEndpointType: ep.typ,
		EndpointID:      ep.id,
	}
	if ep.gadget != nil {
		msg.GadgetURI = ep.gadget.uri
	}
	return d.buildEnvelope(protocol.MessageNewEndpoint, protocol.HubAddr(), msg)
}

func (d *Dispatcher) buildEnvelope(t protocol.MessageType, sender *protocol.EndpointAddr, msg any) *protocol.Envelope {
	env, err := protocol.NewEnvelope(t, msg)
	if err != nil {
		// every hub message is a plain struct
		panic(err)
	}
	env.Sender = sender
	return env
}

func (d *Dispatcher) gadgetEndpoint(endpointID int) *Endpoint {
	ep, ok := d.endpoints[endpointID]
	if !ok || ep.typ != protocol.EndpointGadget || ep.gadget == nil {
		return nil
	}
	return ep
}

// persistentNodePath maps a live hook node address to its persistent path
func (d *Dispatcher) persistentNodePath(hookID *protocol.EndpointAddr) (string, bool) {
	if hookID.IsEmpty() {
		return "", false
	}
	gadget := d.gadgetEndpoint(hookID.EndpointID)
	if gadget == nil {
		return "", false
	}
	return gadget.gadget.persistentNodePath(hookID)
}

func (d *Dispatcher) findHook(path protocol.HookPath) *protocol.EndpointAddr {
	id, ok := d.gadgetsByUUID[path.GadgetUUID]
	if !ok {
		return nil
	}
	return d.endpoints[id].gadget.hookByPersistentName(path.PersistentName)
}

// resolvePersistentHook resolves "/gadget/<uuid>/<name>" to the live hook
// node. A miss is normal while the owning gadget is still starting.
func (d *Dispatcher) resolvePersistentHook(hookPath string) (*protocol.EndpointAddr, bool) {
	path, ok := protocol.ParseHookPath(hookPath)
	if !ok {
		return nil, false
	}
	addr := d.findHook(path)
	return addr, addr != nil
}

func (d *Dispatcher) requestGadgetStart(uri, initialHook, persistenceUUID string) {
	if _, live := d.gadgetsByUUID[persistenceUUID]; live {
		return
	}
	d.sendToMaster(protocol.MessageMasterStartGadget, protocol.MsgMasterStartGadget{
		URI:             uri,
		InitialHook:     initialHook,
		PersistenceUUID: persistenceUUID,
	})
}

func (d *Dispatcher) sendToMaster(t protocol.MessageType, msg any) {
	id, ok := d.gadgetsByUUID[persistence.MasterUUID]
	if !ok {
		d.log.Warn("tried to send %s to master, but there is no master gadget endpoint", t)
		return
	}
	d.endpoints[id].sendMessage(t, msg, nil, nil)
}

func (d *Dispatcher) isLive(ep *Endpoint) bool {
	return d.endpoints[ep.id] == ep
}
