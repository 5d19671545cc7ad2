package context

// KernelFeature is a capability bit reported by the IPsec backend.
type KernelFeature uint32

const (
	// The backend supports ESPv3 style TFC padding
	KernelESPv3TFC KernelFeature = 1 << iota
)

// KernelIPsec abstracts the kernel SAD/SPD engine. The netlink XFRM
// implementation lives in pkg/ike/xfrm, tests use an in-memory fake.
type KernelIPsec interface {
	// AllocSPI reserves an inbound SPI for the given protocol, zero on failure
	AllocSPI(protocol uint8) uint32

	// AllocCPI reserves an IPComp CPI, zero on failure
	AllocCPI() uint16

	// RefReqid reserves a static reqid
	RefReqid(reqid uint32) error

	// ReleaseReqid drops a reqid reservation
	ReleaseReqid(reqid uint32)

	// InstallChildSA commits one direction of a CHILD_SA to the SAD
	InstallChildSA(childSA *ChildSecurityAssociation, keys *SAKeys, inbound bool, tfcV3 bool) error

	// RegisterOutbound stages the outbound SA without activating it, used
	// during rekeying until the old SA is gone
	RegisterOutbound(childSA *ChildSecurityAssociation, keys *SAKeys, tfcV3 bool) error

	// InstallPolicies commits the flow policies to the SPD
	InstallPolicies(childSA *ChildSecurityAssociation) error

	// Features reports backend capabilities
	Features() KernelFeature
}

// SAKeys is the keying material for one direction of a CHILD_SA.
type SAKeys struct {
	EncryptionKey []byte
	IntegrityKey  []byte
	SPI           uint32
	CPI           uint16
}
