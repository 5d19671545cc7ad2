package context

import (
	"net"
	"sync"
	"time"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

// Condition bits observed on an IKE_SA.
type Condition uint32

const (
	CondNATHere Condition = 1 << iota
	CondNATThere
	CondAuthenticated
	CondRekeying
	CondDeleting
	CondRedirected
)

const CondNATAny = CondNATHere | CondNATThere

// Extension bits a peer announced support for.
type Extension uint32

const (
	// Peer is a known strongSwan implementation, private use notifies and
	// transforms are meaningful
	ExtStrongswan Extension = 1 << iota
	// Peer supports childless IKE_SA initiation (RFC 6023)
	ExtIkeChildless
)

// ChildlessPolicy controls whether the CHILD_SA piggybacks on IKE_AUTH.
type ChildlessPolicy int

const (
	ChildlessNever ChildlessPolicy = iota
	ChildlessAllow
	ChildlessPrefer
	ChildlessForce
)

// Status is the verdict a task round returns to the IKE engine.
type Status int

const (
	// StatusNeedMore keeps the task active for another round
	StatusNeedMore Status = iota
	// StatusSuccess completes the task
	StatusSuccess
	// StatusFailed completes the task unsuccessfully
	StatusFailed
	// StatusDestroyMe tears down the parent IKE_SA
	StatusDestroyMe
)

// Task is one queued exchange driver of an IKE_SA. Build composes the next
// outbound message, Process consumes the matching inbound one. The IKE_SA
// serializes all task rounds.
type Task interface {
	Build(ikeMessage *ike_message.IKEMessage) Status
	Process(ikeMessage *ike_message.IKEMessage) Status
}

type IKESecurityAssociation struct {
	// SPI
	RemoteSPI uint64
	LocalSPI  uint64

	// Message ID
	InitiatorMessageID uint32
	ResponderMessageID uint32

	// True if this end initiated the IKE_SA
	IsInitiator bool

	// Addresses of both endpoints
	LocalHost  *net.UDPAddr
	RemoteHost *net.UDPAddr

	// Virtual IPs requested for the local side, drive wildcard traffic
	// selectors in the first offer
	VirtualIPs []net.IP

	// Interface ID defaults inherited by CHILD_SAs
	IfIDIn  uint32
	IfIDOut uint32

	// Transforms negotiated for the IKE_SA
	EncryptionAlgorithm  *ike_message.Transform
	PseudorandomFunction *ike_message.Transform
	IntegrityAlgorithm   *ike_message.Transform

	// Keys
	SK_d  []byte // used for child SA key deriving
	SK_ai []byte // used by initiator for integrity checking
	SK_ar []byte // used by responder for integrity checking
	SK_ei []byte // used by initiator for encrypting
	SK_er []byte // used by responder for encrypting

	conditions Condition
	extensions Extension

	// Selected peer configuration
	PeerConfig *PeerConfig
	IKEConfig  *IKEConfig

	// Established CHILD_SAs, inbound SPI as key
	childSAs   map[uint32]*ChildSecurityAssociation
	childSAsMu sync.Mutex

	// Task currently driving an exchange, kept across rounds
	ActiveTask Task

	// Queued tasks, run serialized by the dispatcher
	taskQueue   []Task
	taskQueueMu sync.Mutex
}

func (ikeSA *IKESecurityAssociation) init() {
	ikeSA.childSAs = make(map[uint32]*ChildSecurityAssociation)
}

func (ikeSA *IKESecurityAssociation) SetCondition(condition Condition) {
	ikeSA.conditions |= condition
}

func (ikeSA *IKESecurityAssociation) ClearCondition(condition Condition) {
	ikeSA.conditions &^= condition
}

func (ikeSA *IKESecurityAssociation) HasCondition(condition Condition) bool {
	return ikeSA.conditions&condition != 0
}

func (ikeSA *IKESecurityAssociation) EnableExtension(extension Extension) {
	ikeSA.extensions |= extension
}

func (ikeSA *IKESecurityAssociation) SupportsExtension(extension Extension) bool {
	return ikeSA.extensions&extension != 0
}

// DynamicHosts returns the addresses traffic selectors may collapse to on
// one side: the configured virtual IPs if any, otherwise the IKE endpoint.
func (ikeSA *IKESecurityAssociation) DynamicHosts(local bool) []net.IP {
	if local {
		if len(ikeSA.VirtualIPs) > 0 {
			return append([]net.IP(nil), ikeSA.VirtualIPs...)
		}
		if ikeSA.LocalHost == nil {
			return nil
		}
		return []net.IP{ikeSA.LocalHost.IP}
	}
	if ikeSA.RemoteHost == nil {
		return nil
	}
	return []net.IP{ikeSA.RemoteHost.IP}
}

// AddChildSA transfers ownership of an installed CHILD_SA to the IKE_SA.
func (ikeSA *IKESecurityAssociation) AddChildSA(childSA *ChildSecurityAssociation) {
	ikeSA.childSAsMu.Lock()
	ikeSA.childSAs[childSA.InboundSPI] = childSA
	ikeSA.childSAsMu.Unlock()
	Self().ChildSA.Store(childSA.InboundSPI, childSA)
}

func (ikeSA *IKESecurityAssociation) RemoveChildSA(inboundSPI uint32) {
	ikeSA.childSAsMu.Lock()
	delete(ikeSA.childSAs, inboundSPI)
	ikeSA.childSAsMu.Unlock()
	Self().ChildSA.Delete(inboundSPI)
}

// ChildSAs snapshots the established CHILD_SAs, used for duplicate checks.
func (ikeSA *IKESecurityAssociation) ChildSAs() []*ChildSecurityAssociation {
	ikeSA.childSAsMu.Lock()
	defer ikeSA.childSAsMu.Unlock()

	out := make([]*ChildSecurityAssociation, 0, len(ikeSA.childSAs))
	for _, childSA := range ikeSA.childSAs {
		out = append(out, childSA)
	}
	return out
}

// QueueTask appends a task to the serialized queue.
func (ikeSA *IKESecurityAssociation) QueueTask(task Task) {
	ikeSA.taskQueueMu.Lock()
	defer ikeSA.taskQueueMu.Unlock()
	ikeSA.taskQueue = append(ikeSA.taskQueue, task)
}

// QueueTaskDelayed schedules a task to enter the queue after the delay.
func (ikeSA *IKESecurityAssociation) QueueTaskDelayed(task Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ikeSA.QueueTask(task)
	})
}

// DequeueTask pops the next pending task, nil if the queue is empty.
func (ikeSA *IKESecurityAssociation) DequeueTask() Task {
	ikeSA.taskQueueMu.Lock()
	defer ikeSA.taskQueueMu.Unlock()
	if len(ikeSA.taskQueue) == 0 {
		return nil
	}
	task := ikeSA.taskQueue[0]
	ikeSA.taskQueue = ikeSA.taskQueue[1:]
	return task
}
