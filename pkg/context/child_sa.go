package context

import (
	"fmt"
	"net"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

// ChildState is the lifecycle state of a CHILD_SA under negotiation.
type ChildState int

const (
	ChildCreated ChildState = iota
	ChildInstalling
	ChildInstalled
	ChildRetrying
	ChildDeleting
)

func (state ChildState) String() string {
	switch state {
	case ChildCreated:
		return "CREATED"
	case ChildInstalling:
		return "INSTALLING"
	case ChildInstalled:
		return "INSTALLED"
	case ChildRetrying:
		return "RETRYING"
	case ChildDeleting:
		return "DELETING"
	default:
		return fmt.Sprintf("ChildState(%d)", int(state))
	}
}

// OutboundState tracks the separately handled outbound SA.
type OutboundState int

const (
	OutboundNone OutboundState = iota
	OutboundRegistered
	OutboundInstalled
)

// IPsecMode is the encapsulation mode of a CHILD_SA.
type IPsecMode int

const (
	ModeTunnel IPsecMode = iota + 1
	ModeTransport
	ModeBEET
)

func (mode IPsecMode) String() string {
	switch mode {
	case ModeTunnel:
		return "TUNNEL"
	case ModeTransport:
		return "TRANSPORT"
	case ModeBEET:
		return "BEET"
	default:
		return fmt.Sprintf("IPsecMode(%d)", int(mode))
	}
}

// ChildSecurityAssociation is the child SA under construction and, once
// installed, the kernel state handle owned by the IKE_SA.
type ChildSecurityAssociation struct {
	// Unique ID allocated from the context generator
	ID int64

	// Name of the originating child configuration
	Name string

	Reqid   uint32
	MarkIn  uint32
	MarkOut uint32
	IfIDIn  uint32
	IfIDOut uint32

	// UDP encapsulation for NAT traversal
	EnableEncapsulate bool
	LocalPort         int
	NATPort           int

	// ESP or AH
	Protocol uint8

	// SPI
	InboundSPI  uint32 // allocated locally
	OutboundSPI uint32 // chosen by the peer

	// IPComp
	InboundCPI  uint16
	OutboundCPI uint16
	IPCompAlgo  uint8

	Mode IPsecMode

	// Selected proposal the SA was negotiated from
	Proposal *ike_message.Proposal

	// Addresses of both endpoints, updated to the current IKE endpoints
	// right before install
	LocalPublicIPAddr net.IP
	PeerPublicIPAddr  net.IP

	// Narrowed traffic selectors
	InboundTrafficSelectors  []*ts.Selector
	OutboundTrafficSelectors []*ts.Selector

	// Security label, empty if unlabeled
	Label string

	State         ChildState
	OutboundState OutboundState

	config *ChildConfig
	kernel KernelIPsec
}

// NewChildSA allocates the CHILD_SA object for one negotiation. It stays
// owned by the task until installed.
func NewChildSA(local, remote *net.UDPAddr, config *ChildConfig, kernel KernelIPsec) *ChildSecurityAssociation {
	childID, err := Self().ChildIDGenerator.Allocate()
	if err != nil {
		contextLog.Errorf("Allocate child SA ID failed: %+v", err)
		return nil
	}
	childSA := &ChildSecurityAssociation{
		ID:       childID,
		Name:     config.Name,
		Mode:     config.Mode,
		Protocol: ike_message.TypeESP,
		State:    ChildCreated,
		config:   config,
		kernel:   kernel,
	}
	if local != nil {
		childSA.LocalPublicIPAddr = local.IP
		childSA.LocalPort = local.Port
	}
	if remote != nil {
		childSA.PeerPublicIPAddr = remote.IP
		childSA.NATPort = remote.Port
	}
	return childSA
}

func (childSA *ChildSecurityAssociation) Config() *ChildConfig {
	return childSA.config
}

// AllocSPI reserves the inbound SPI from the kernel.
func (childSA *ChildSecurityAssociation) AllocSPI(protocol uint8) uint32 {
	childSA.Protocol = protocol
	childSA.InboundSPI = childSA.kernel.AllocSPI(protocol)
	return childSA.InboundSPI
}

// AllocCPI reserves an IPComp CPI from the kernel.
func (childSA *ChildSecurityAssociation) AllocCPI() uint16 {
	childSA.InboundCPI = childSA.kernel.AllocCPI()
	return childSA.InboundCPI
}

// Update refreshes the endpoint addresses, they may have moved since the
// request was composed.
func (childSA *ChildSecurityAssociation) Update(local, remote *net.UDPAddr, encap bool) {
	if local != nil {
		childSA.LocalPublicIPAddr = local.IP
		childSA.LocalPort = local.Port
	}
	if remote != nil {
		childSA.PeerPublicIPAddr = remote.IP
		childSA.NATPort = remote.Port
	}
	childSA.EnableEncapsulate = encap
}

// SetPolicies records the narrowed traffic selector pair.
func (childSA *ChildSecurityAssociation) SetPolicies(inbound, outbound []*ts.Selector) {
	childSA.InboundTrafficSelectors = inbound
	childSA.OutboundTrafficSelectors = outbound
}

// Install commits one direction of the SA to the kernel.
func (childSA *ChildSecurityAssociation) Install(keys *SAKeys, inbound bool, tfcV3 bool) error {
	if err := childSA.kernel.InstallChildSA(childSA, keys, inbound, tfcV3); err != nil {
		return err
	}
	if !inbound {
		childSA.OutboundState = OutboundInstalled
	}
	return nil
}

// RegisterOutbound stages the outbound SA without activating it.
func (childSA *ChildSecurityAssociation) RegisterOutbound(keys *SAKeys, tfcV3 bool) error {
	if err := childSA.kernel.RegisterOutbound(childSA, keys, tfcV3); err != nil {
		return err
	}
	childSA.OutboundState = OutboundRegistered
	return nil
}

// InstallPolicies commits the flow policies to the kernel.
func (childSA *ChildSecurityAssociation) InstallPolicies() error {
	return childSA.kernel.InstallPolicies(childSA)
}

// Equal implements the duplicate test: same configuration, marks,
// interface IDs, labels, and compatible static reqids.
func (childSA *ChildSecurityAssociation) Equal(other *ChildSecurityAssociation) bool {
	return childSA.config.Equals(other.config) &&
		(childSA.Reqid == 0 || other.Reqid == 0 || childSA.Reqid == other.Reqid) &&
		childSA.MarkIn == other.MarkIn &&
		childSA.MarkOut == other.MarkOut &&
		childSA.IfIDIn == other.IfIDIn &&
		childSA.IfIDOut == other.IfIDOut &&
		childSA.Label == other.Label
}

// Destroy releases resources of a CHILD_SA that was never handed to the
// IKE_SA.
func (childSA *ChildSecurityAssociation) Destroy() {
	if childSA.Reqid != 0 {
		Self().ReleaseReqid(childSA.Reqid)
		childSA.Reqid = 0
	}
}
