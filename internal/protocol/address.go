package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// EndpointType identifies what kind of participant an address names
type EndpointType int

const (
	EndpointUnknown  EndpointType = -1
	EndpointHub      EndpointType = 0
	EndpointGadget   EndpointType = 1
	EndpointNode     EndpointType = 2
	EndpointRenderer EndpointType = 3
	EndpointMonitor  EndpointType = 4
)

// ErrInvalidAddress is returned when an address string cannot be parsed
var ErrInvalidAddress = errors.New("invalid endpoint address")

// String returns the name of the endpoint type
func (t EndpointType) String() string {
	switch t {
	case EndpointHub:
		return "Hub"
	case EndpointGadget:
		return "Gadget"
	case EndpointNode:
		return "Node"
	case EndpointRenderer:
		return "Renderer"
	case EndpointMonitor:
		return "Monitor"
	case EndpointUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("EndpointType(%d)", int(t))
	}
}

func (t EndpointType) char() string {
	switch t {
	case EndpointHub:
		return "H"
	case EndpointGadget:
		return "G"
	case EndpointNode:
		return "N"
	case EndpointMonitor:
		return "M"
	case EndpointRenderer:
		return "R"
	case EndpointUnknown:
		return "U"
	default:
		return "?"
	}
}

func endpointTypeFromChar(c string) EndpointType {
	switch c {
	case "H":
		return EndpointHub
	case "G":
		return EndpointGadget
	case "N":
		return EndpointNode
	case "M":
		return EndpointMonitor
	case "R":
		return EndpointRenderer
	default:
		return EndpointUnknown
	}
}

// EndpointAddr names either a connection (EndpointID only) or a scene graph
// node inside a gadget (EndpointID + NodeID).
type EndpointAddr struct {
	Type       EndpointType `json:"type"`
	EndpointID int          `json:"endpointId,omitempty"`
	NodeID     int          `json:"nodeId,omitempty"`
}

// UnmarshalJSON treats a missing type as EndpointUnknown so that an address
// object without a type decodes as empty rather than as a hub address.
func (a *EndpointAddr) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type       *EndpointType `json:"type"`
		EndpointID int           `json:"endpointId"`
		NodeID     int           `json:"nodeId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Type = EndpointUnknown
	if aux.Type != nil {
		a.Type = *aux.Type
	}
	a.EndpointID = aux.EndpointID
	a.NodeID = aux.NodeID
	return nil
}

// HubAddr is the sender address the hub uses for its own messages
func HubAddr() *EndpointAddr {
	return &EndpointAddr{Type: EndpointHub}
}

// GadgetAddr returns the connection address of a gadget endpoint
func GadgetAddr(endpointID int) *EndpointAddr {
	return &EndpointAddr{Type: EndpointGadget, EndpointID: endpointID}
}

// NodeAddr returns the address of a node within a gadget
func NodeAddr(endpointID, nodeID int) *EndpointAddr {
	return &EndpointAddr{Type: EndpointNode, EndpointID: endpointID, NodeID: nodeID}
}

// IsEmpty reports whether the address is absent or of unknown type
func (a *EndpointAddr) IsEmpty() bool {
	return a == nil || a.Type == EndpointUnknown
}

// String encodes the address as "<TypeChar>:<endpointId>:<nodeId>"
func (a *EndpointAddr) String() string {
	if a == nil {
		return "U:0:0"
	}
	return a.Type.char() + ":" + strconv.Itoa(a.EndpointID) + ":" + strconv.Itoa(a.NodeID)
}

var addrPattern = regexp.MustCompile(`^(.):([0-9]+):([0-9]+)$`)

// ParseEndpointAddr decodes the string form produced by EndpointAddr.String
func ParseEndpointAddr(s string) (*EndpointAddr, error) {
	match := addrPattern.FindStringSubmatch(s)
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	endpointID, err := strconv.Atoi(match[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	nodeID, err := strconv.Atoi(match[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return &EndpointAddr{
		Type:       endpointTypeFromChar(match[1]),
		EndpointID: endpointID,
		NodeID:     nodeID,
	}, nil
}

// AddrsMatch compares two addresses. Empty addresses only match other empty
// addresses.
func AddrsMatch(a, b *EndpointAddr) bool {
	if a.IsEmpty() {
		return b.IsEmpty()
	}
	if b.IsEmpty() {
		return false
	}
	return a.Type == b.Type && a.EndpointID == b.EndpointID && a.NodeID == b.NodeID
}

// IndexOfAddr returns the index of addr in addrs, or -1
func IndexOfAddr(addrs []*EndpointAddr, addr *EndpointAddr) int {
	for i, candidate := range addrs {
		if AddrsMatch(candidate, addr) {
			return i
		}
	}
	return -1
}
