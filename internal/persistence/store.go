// Package persistence stores gadget identities, hook assignments and
// settings across hub restarts.
package persistence

import (
	"encoding/json"
	"errors"
)

// MasterUUID is the persistence identity of the privileged control gadget
const MasterUUID = "master"

// ErrGadgetNotFound is returned when no gadget is stored under a UUID
var ErrGadgetNotFound = errors.New("gadget not found")

// StoredGadget is one persisted gadget instance
type StoredGadget struct {
	UUID     string          `json:"uuid"`
	URI      string          `json:"uri"`
	HookPath string          `json:"hookPath,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Store is the key-value style persistence service used by the hub. All
// calls are fast local operations and are made while the hub holds its
// registry lock.
type Store interface {
	// CreateGadget records a new gadget instance for uri and returns its UUID
	CreateGadget(uri string) (string, error)
	// EnsureGadget records uuid for uri unless it is already stored
	EnsureGadget(uuid, uri string) error
	// Gadget returns the stored gadget or ErrGadgetNotFound
	Gadget(uuid string) (*StoredGadget, error)
	// Gadgets lists every stored gadget that has a URI, oldest first
	Gadgets() ([]StoredGadget, error)
	// GadgetHook returns the stored hook path, or "" when there is none
	GadgetHook(uuid string) (string, error)
	// SetGadgetHook stores the hook path; "" detaches the gadget
	SetGadgetHook(uuid, hookPath string) error
	// GadgetSettings returns the stored settings, or nil when there are none
	GadgetSettings(uuid string) (json.RawMessage, error)
	SetGadgetSettings(uuid string, settings json.RawMessage) error
	Close() error
}
