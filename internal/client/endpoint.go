// Package client is the participant side of the hub protocol. An Endpoint
// keeps a websocket connection to the hub alive, performs the
// SetEndpointType handshake on every connect and dispatches incoming
// envelopes to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// DefaultURL is where hubs listen unless configured otherwise
	DefaultURL = "ws://localhost:8999"

	defaultReconnectDelay = 2 * time.Second
	writeWait             = 10 * time.Second
)

var (
	// ErrNotConnected is returned when sending while the socket is down
	ErrNotConnected = errors.New("not connected to hub")
	// ErrConnectionLost is delivered to manifest waiters whose connection
	// dropped before the hub answered
	ErrConnectionLost = errors.New("connection to hub lost")
	// ErrManifestUnavailable wraps the reason the hub gave for a failed
	// manifest load
	ErrManifestUnavailable = errors.New("manifest unavailable")
)

// Handler receives one envelope. Handlers run on the connection's read
// goroutine and must not block.
type Handler func(env *protocol.Envelope)

// Options configures an Endpoint
type Options struct {
	URL string

	// Identity sent in SetEndpointType
	Type            protocol.EndpointType
	GadgetURI       string
	InitialHook     string
	PersistenceUUID string

	// OnHandshake is called after each successful SetEndpointType exchange
	OnHandshake func(endpointID int, settings json.RawMessage)
	// Default receives envelopes no handler or waiter claimed
	Default Handler

	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *logger.Logger
}

type manifestResult struct {
	manifest json.RawMessage
	err      error
}

// Endpoint is a reconnecting connection to the hub
type Endpoint struct {
	opts Options
	log  *logger.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	endpointID       int
	handlers         map[protocol.MessageType]Handler
	waiters          map[protocol.MessageType]Handler
	pendingManifests map[string][]chan manifestResult

	writeMu sync.Mutex
}

// New creates an endpoint. Nothing connects until Run is called.
func New(opts Options) *Endpoint {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("client")
	}

	e := &Endpoint{
		opts:             opts,
		log:              log,
		handlers:         make(map[protocol.MessageType]Handler),
		waiters:          make(map[protocol.MessageType]Handler),
		pendingManifests: make(map[string][]chan manifestResult),
	}
	e.handlers[protocol.MessageSetEndpointTypeResponse] = e.onSetEndpointTypeResponse
	e.handlers[protocol.MessageGetGadgetManifestResponse] = e.onGetGadgetManifestResponse
	return e
}

// EndpointID returns the id the hub assigned in the last handshake, or 0
func (e *Endpoint) EndpointID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpointID
}

// Connected reports whether the socket is currently up
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// RegisterHandler installs the handler for a message type, replacing any
// previous one
func (e *Endpoint) RegisterHandler(t protocol.MessageType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// WaitForResponse installs a one-shot handler. Registered handlers for the
// same type take precedence.
func (e *Endpoint) WaitForResponse(t protocol.MessageType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters[t] = h
}

// Run connects and keeps reconnecting until ctx is done. It always returns
// ctx.Err().
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		err := e.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("hub connection to %s ended: %v, reconnecting in %s", e.opts.URL, err, e.opts.ReconnectDelay)

		timer := time.NewTimer(e.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Endpoint) session(ctx context.Context) error {
	conn, _, err := e.opts.Dialer.DialContext(ctx, e.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", e.opts.URL, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		e.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		e.writeMu.Unlock()
		conn.Close()
	})
	defer func() {
		stop()
		conn.Close()
		e.disconnected()
	}()

	e.log.Info("connected to %s", e.opts.URL)
	if err := e.Send(protocol.MessageSetEndpointType, protocol.MsgSetEndpointType{
		NewEndpointType: e.opts.Type,
		GadgetURI:       e.opts.GadgetURI,
		InitialHook:     e.opts.InitialHook,
		PersistenceUUID: e.opts.PersistenceUUID,
	}); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			e.log.Warn("dropping message from hub: %v", err)
			continue
		}
		e.dispatch(env)
	}
}

func (e *Endpoint) disconnected() {
	e.mu.Lock()
	e.conn = nil
	e.endpointID = 0
	pending := e.pendingManifests
	e.pendingManifests = make(map[string][]chan manifestResult)
	e.mu.Unlock()

	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- manifestResult{err: ErrConnectionLost}
		}
	}
}

func (e *Endpoint) dispatch(env *protocol.Envelope) {
	e.mu.Lock()
	h, ok := e.handlers[env.Type]
	if !ok {
		if h, ok = e.waiters[env.Type]; ok {
			delete(e.waiters, env.Type)
		}
	}
	e.mu.Unlock()

	switch {
	case ok:
		h(env)
	case e.opts.Default != nil:
		e.opts.Default(env)
	default:
		e.log.Debug("unhandled %s from %s", env.Type, env.Sender)
	}
}

// Send packs msg into an envelope and writes it to the hub
func (e *Endpoint) Send(t protocol.MessageType, msg any) error {
	env, err := protocol.NewEnvelope(t, msg)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t, err)
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// SendGrabEvent wraps event in a GrabEvent message
func (e *Endpoint) SendGrabEvent(event protocol.GrabEvent) error {
	return e.Send(protocol.MessageGrabEvent, protocol.MsgGrabEvent{Event: event})
}

// GetGadgetManifest asks the hub for a gadget's manifest. Concurrent
// requests for the same URI are answered by the same response.
func (e *Endpoint) GetGadgetManifest(ctx context.Context, gadgetURI string) (json.RawMessage, error) {
	ch := make(chan manifestResult, 1)
	e.mu.Lock()
	e.pendingManifests[gadgetURI] = append(e.pendingManifests[gadgetURI], ch)
	e.mu.Unlock()

	if err := e.Send(protocol.MessageGetGadgetManifest, protocol.MsgGetGadgetManifest{GadgetURI: gadgetURI}); err != nil {
		e.dropManifestWaiter(gadgetURI, ch)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.manifest, res.err
	case <-ctx.Done():
		e.dropManifestWaiter(gadgetURI, ch)
		return nil, ctx.Err()
	}
}

func (e *Endpoint) dropManifestWaiter(gadgetURI string, ch chan manifestResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	waiters := e.pendingManifests[gadgetURI]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(e.pendingManifests, gadgetURI)
	} else {
		e.pendingManifests[gadgetURI] = waiters
	}
}

func (e *Endpoint) onSetEndpointTypeResponse(env *protocol.Envelope) {
	var m protocol.MsgSetEndpointTypeResponse
	if err := env.Decode(&m); err != nil {
		e.log.Warn("bad handshake response: %v", err)
		return
	}

	e.mu.Lock()
	e.endpointID = m.EndpointID
	e.mu.Unlock()

	e.log.Info("hub assigned endpoint id %d", m.EndpointID)
	if e.opts.OnHandshake != nil {
		e.opts.OnHandshake(m.EndpointID, m.Settings)
	}
}

func (e *Endpoint) onGetGadgetManifestResponse(env *protocol.Envelope) {
	var m protocol.MsgGetGadgetManifestResponse
	if err := env.Decode(&m); err != nil {
		e.log.Warn("bad manifest response: %v", err)
		return
	}

	e.mu.Lock()
	waiters := e.pendingManifests[m.GadgetURI]
	delete(e.pendingManifests, m.GadgetURI)
	e.mu.Unlock()

	res := manifestResult{manifest: m.Manifest}
	if len(m.Manifest) == 0 || protocol.IsNullJSON(m.Manifest) {
		reason := m.Error
		if reason == "" {
			reason = "no manifest in response"
		}
		res = manifestResult{err: fmt.Errorf("%w: %s", ErrManifestUnavailable, reason)}
	}
	for _, ch := range waiters {
		ch <- res
	}
}
