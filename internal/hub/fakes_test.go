package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/persistence"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything the hub sends to an endpoint
type fakeConn struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
}

func (c *fakeConn) Send(data []byte) bool {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		panic(fmt.Sprintf("hub sent an invalid envelope: %v", err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// take returns and forgets everything sent so far
func (c *fakeConn) take() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := c.sent
	c.sent = nil
	return sent
}

func (c *fakeConn) peek() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Envelope(nil), c.sent...)
}

func ofType(envs []*protocol.Envelope, t protocol.MessageType) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func typesOf(envs []*protocol.Envelope) []protocol.MessageType {
	out := make([]protocol.MessageType, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

// memStore is an in-memory persistence.Store
type memStore struct {
	mu      sync.Mutex
	order   []string
	gadgets map[string]*persistence.StoredGadget
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{gadgets: make(map[string]*persistence.StoredGadget)}
}

func (s *memStore) row(id string) *persistence.StoredGadget {
	gadget, ok := s.gadgets[id]
	if !ok {
		gadget = &persistence.StoredGadget{UUID: id}
		s.gadgets[id] = gadget
		s.order = append(s.order, id)
	}
	return gadget
}

func (s *memStore) CreateGadget(uri string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("uuid-%d", s.nextID)
	s.row(id).URI = uri
	return id, nil
}

func (s *memStore) EnsureGadget(id, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gadget := s.row(id); gadget.URI == "" {
		gadget.URI = uri
	}
	return nil
}

func (s *memStore) Gadget(id string) (*persistence.StoredGadget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gadget, ok := s.gadgets[id]
	if !ok {
		return nil, persistence.ErrGadgetNotFound
	}
	copied := *gadget
	return &copied, nil
}

func (s *memStore) Gadgets() ([]persistence.StoredGadget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.StoredGadget
	for _, id := range s.order {
		if gadget := s.gadgets[id]; gadget.URI != "" {
			out = append(out, *gadget)
		}
	}
	return out, nil
}

func (s *memStore) GadgetHook(id string) (string, error) {
	gadget, err := s.Gadget(id)
	if errors.Is(err, persistence.ErrGadgetNotFound) {
		return "", nil
	}
	return gadget.HookPath, err
}

func (s *memStore) SetGadgetHook(id, hookPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(id).HookPath = hookPath
	return nil
}

func (s *memStore) GadgetSettings(id string) (json.RawMessage, error) {
	gadget, err := s.Gadget(id)
	if errors.Is(err, persistence.ErrGadgetNotFound) {
		return nil, nil
	}
	return gadget.Settings, err
}

func (s *memStore) SetGadgetSettings(id string, settings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(id).Settings = settings
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeManifests serves manifests from a map; unknown URIs fail
type fakeManifests struct {
	mu        sync.Mutex
	manifests map[string]string
	calls     int
}

func (f *fakeManifests) FetchGadgetManifest(_ context.Context, uri string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	manifest, ok := f.manifests[uri]
	if !ok {
		return nil, fmt.Errorf("no manifest at %s", uri)
	}
	return json.RawMessage(manifest), nil
}

func (f *fakeManifests) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeManifests) set(uri, manifest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[uri] = manifest
}

type testHub struct {
	t         *testing.T
	d         *Dispatcher
	store     *memStore
	manifests *fakeManifests
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{
		t:         t,
		store:     newMemStore(),
		manifests: &fakeManifests{manifests: make(map[string]string)},
	}
	h.d = NewDispatcher(Options{
		Store:     h.store,
		Manifests: h.manifests,
		Logger:    logger.NewWriter(logger.LevelDebug, io.Discard, "hub"),
	})
	t.Cleanup(h.d.Close)
	return h
}

// connect opens a connection without a handshake
func (h *testHub) connect() (*Endpoint, *fakeConn) {
	conn := &fakeConn{}
	return h.d.Connect(conn), conn
}

func (h *testHub) send(ep *Endpoint, t protocol.MessageType, msg any) {
	h.t.Helper()
	env, err := protocol.NewEnvelope(t, msg)
	require.NoError(h.t, err)
	data, err := env.Marshal()
	require.NoError(h.t, err)
	h.d.HandleMessage(ep, data)
}

func (h *testHub) sendRaw(ep *Endpoint, raw string) {
	h.d.HandleMessage(ep, []byte(raw))
}

// typed connects and completes the handshake, discarding the response
func (h *testHub) typed(msg protocol.MsgSetEndpointType) (*Endpoint, *fakeConn) {
	h.t.Helper()
	ep, conn := h.connect()
	h.send(ep, protocol.MessageSetEndpointType, msg)
	sent := conn.take()
	require.NotEmpty(h.t, sent)
	require.Equal(h.t, protocol.MessageSetEndpointTypeResponse, sent[0].Type)
	return ep, conn
}

func (h *testHub) gadget(uri, persistenceUUID, initialHook string) (*Endpoint, *fakeConn) {
	h.manifests.set(uri, `{"name":"`+uri+`"}`)
	return h.typed(protocol.MsgSetEndpointType{
		NewEndpointType: protocol.EndpointGadget,
		GadgetURI:       uri,
		PersistenceUUID: persistenceUUID,
		InitialHook:     initialHook,
	})
}

func (h *testHub) renderer() (*Endpoint, *fakeConn) {
	return h.typed(protocol.MsgSetEndpointType{NewEndpointType: protocol.EndpointRenderer})
}

func (h *testHub) monitor() (*Endpoint, *fakeConn) {
	return h.typed(protocol.MsgSetEndpointType{NewEndpointType: protocol.EndpointMonitor})
}

func (h *testHub) sceneGraph(ep *Endpoint, root string) {
	h.t.Helper()
	h.send(ep, protocol.MessageUpdateSceneGraph, protocol.MsgUpdateSceneGraph{Root: json.RawMessage(root)})
}

func decode[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	var msg T
	require.NoError(t, env.Decode(&msg))
	return msg
}
