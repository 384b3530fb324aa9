package hub

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/aardvark-hub/internal/persistence"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/tidwall/gjson"
)

type hookNode struct {
	addr           *protocol.EndpointAddr
	persistentName string
}

// GadgetData is the hub's view of one gadget: its scene graph, the hook it
// hangs on and the hook and grabbable nodes found in the graph.
type GadgetData struct {
	ep              *Endpoint
	uri             string
	manifest        json.RawMessage
	root            json.RawMessage
	hook            *protocol.HookRef
	persistenceUUID string

	// rebuilt from root on every update
	hookNodes     []hookNode
	mainGrabbable *protocol.EndpointAddr
}

// newGadgetData records the gadget in persistence and resolves its initial
// hook. A gadget without a persistence UUID gets a new one; a gadget with
// one but no initial hook goes back onto its stored hook.
func newGadgetData(ep *Endpoint, uri, initialHook, persistenceUUID string) (*GadgetData, error) {
	store := ep.d.store
	g := &GadgetData{ep: ep, uri: uri}

	if persistenceUUID != "" {
		if initialHook == "" {
			hook, err := store.GadgetHook(persistenceUUID)
			if err != nil {
				return nil, err
			}
			initialHook = hook
		}
		if err := store.EnsureGadget(persistenceUUID, uri); err != nil {
			return nil, err
		}
		g.persistenceUUID = persistenceUUID
	} else {
		id, err := store.CreateGadget(uri)
		if err != nil {
			return nil, err
		}
		g.persistenceUUID = id
		if initialHook != "" {
			if err := store.SetGadgetHook(id, initialHook); err != nil {
				return nil, err
			}
		}
	}

	if initialHook != "" {
		if _, isHookPath := protocol.ParseHookPath(initialHook); !isHookPath {
			g.hook = &protocol.HookRef{Path: initialHook}
		} else if addr, ok := ep.d.resolvePersistentHook(initialHook); ok {
			g.hook = &protocol.HookRef{Addr: addr}
		} else {
			ep.d.log.Warn("expected to find hook %s for %s", initialHook, ep.Name())
		}
	}
	ep.d.log.Debug("initial hook of %s is %s", ep.Name(), g.hook)
	return g, nil
}

// loadManifest fetches the gadget's manifest in the background. A gadget
// whose manifest cannot be loaded is disconnected.
func (g *GadgetData) loadManifest() {
	d := g.ep.d
	if d.manifests == nil {
		return
	}
	d.goBackground(func() {
		manifest, err := d.manifests.FetchGadgetManifest(d.ctx, g.uri)

		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.isLive(g.ep) || g.ep.gadget != g {
			return
		}
		if err != nil {
			d.log.Warn("failed to load manifest from %s: %v", g.uri, err)
			g.ep.conn.Close()
			return
		}
		g.manifest = manifest
		d.log.Info("gadget %d is %s", g.ep.id, g.Name())
	})
}

// Name returns the manifest name, or the URI before the manifest arrives
func (g *GadgetData) Name() string {
	if name := gjson.GetBytes(g.manifest, "name"); name.Exists() {
		return name.String()
	}
	return g.uri
}

func (g *GadgetData) isMaster() bool {
	return g.persistenceUUID == persistence.MasterUUID
}

func (g *GadgetData) hasRoot() bool {
	return g.root != nil
}

func (g *GadgetData) hookByPersistentName(name string) *protocol.EndpointAddr {
	for _, hook := range g.hookNodes {
		if hook.persistentName == name {
			return hook.addr
		}
	}
	return nil
}

func (g *GadgetData) persistentNodePath(hookID *protocol.EndpointAddr) (string, bool) {
	for _, hook := range g.hookNodes {
		if hook.addr.NodeID == hookID.NodeID {
			return protocol.HookPath{GadgetUUID: g.persistenceUUID, PersistentName: hook.persistentName}.String(), true
		}
	}
	return "", false
}

// updateSceneGraph replaces the scene graph, broadcasts it and rebuilds the
// hook and grabbable index.
func (g *GadgetData) updateSceneGraph(root json.RawMessage) error {
	tree, err := protocol.ParseNode(root)
	if err != nil {
		return err
	}

	firstUpdate := !g.hasRoot()
	g.root = rawOrNil(root)

	hookToSend := g.hook
	if !firstUpdate && g.hook.IsResolved() {
		// an address hook is only sent once so the renderer can let go of
		// the main grabbable
		hookToSend = nil
	}
	g.ep.d.updateGadgetSceneGraph(g.ep.id, g.root, hookToSend)

	g.hookNodes = nil
	g.mainGrabbable = nil
	g.indexNode(tree)

	if firstUpdate && g.hasRoot() {
		g.announceAttachment()
		g.startDependentGadgets()
	}
	return nil
}

func rawOrNil(raw json.RawMessage) json.RawMessage {
	if protocol.IsNullJSON(raw) {
		return nil
	}
	return raw
}

func (g *GadgetData) indexNode(node *protocol.Node) {
	if node == nil {
		return
	}

	switch node.Type {
	case protocol.NodeHook:
		addr := protocol.NodeAddr(g.ep.id, node.ID)
		if g.hookIndex(addr) == -1 {
			g.hookNodes = append(g.hookNodes, hookNode{addr: addr, persistentName: node.PersistentName})
		}
	case protocol.NodeGrabbable:
		if g.mainGrabbable == nil {
			g.mainGrabbable = protocol.NodeAddr(g.ep.id, node.ID)
		}
	}

	for _, child := range node.Children {
		g.indexNode(child)
	}
}

func (g *GadgetData) hookIndex(addr *protocol.EndpointAddr) int {
	for i, hook := range g.hookNodes {
		if protocol.AddrsMatch(hook.addr, addr) {
			return i
		}
	}
	return -1
}

// announceAttachment tells a gadget that starts on a hook and the hook
// itself about each other with an EndGrab, as if it had just been dropped
// there.
func (g *GadgetData) announceAttachment() {
	if !g.hook.IsResolved() {
		return
	}
	if g.mainGrabbable == nil {
		g.ep.d.log.Warn("gadget %s is on a hook but doesn't have a main grabbable", g.ep.Name())
		g.hook = nil
		return
	}

	env := g.ep.d.buildEnvelope(protocol.MessageGrabEvent, nil, protocol.MsgGrabEvent{
		Event: protocol.GrabEvent{
			Type:        protocol.GrabEndGrab,
			HookID:      g.hook.Addr,
			GrabbableID: g.mainGrabbable,
		},
	})
	g.ep.d.forwardToAddress(g.hook.Addr, env)
	g.ep.d.forwardToAddress(g.mainGrabbable, env)
}

// startDependentGadgets asks the master to start the stored gadgets that
// hang on this gadget's hooks, or the free-standing ones if this is the
// master.
func (g *GadgetData) startDependentGadgets() {
	stored, err := g.ep.d.store.Gadgets()
	if err != nil {
		g.ep.d.log.Error("failed to list stored gadgets: %v", err)
		return
	}
	for _, gadget := range stored {
		path, isHookPath := protocol.ParseHookPath(gadget.HookPath)
		if (!isHookPath && g.isMaster()) || (isHookPath && path.GadgetUUID == g.persistenceUUID) {
			g.ep.d.requestGadgetStart(gadget.URI, gadget.HookPath, gadget.UUID)
		}
	}
}

func (g *GadgetData) attachToHook(hookID *protocol.EndpointAddr) error {
	hookPath, ok := g.ep.d.persistentNodePath(hookID)
	if !ok {
		g.ep.d.log.Warn("can't attach %s to %s because it doesn't have a path", g.ep.Name(), hookID)
		return nil
	}
	if err := g.ep.d.store.SetGadgetHook(g.persistenceUUID, hookPath); err != nil {
		return fmt.Errorf("failed to attach gadget to hook: %w", err)
	}
	return nil
}

func (g *GadgetData) detachFromHook() error {
	if err := g.ep.d.store.SetGadgetHook(g.persistenceUUID, ""); err != nil {
		return fmt.Errorf("failed to detach gadget from hook: %w", err)
	}
	return nil
}
