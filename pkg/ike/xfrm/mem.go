package xfrm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vpnsetup/secgw/pkg/context"
)

// InstalledSA records one kernel install performed against MemKernel.
type InstalledSA struct {
	ChildSA       *context.ChildSecurityAssociation
	SPI           uint32
	CPI           uint16
	Inbound       bool
	Registered    bool
	EncryptionKey []byte
	IntegrityKey  []byte
}

// MemKernel is an in-memory KernelIPsec used by unit tests and dry runs.
// It records every install and can be told to fail.
type MemKernel struct {
	mu sync.Mutex

	nextSPI uint32
	nextCPI uint16

	FailSPIAlloc  bool
	FailInstall   bool
	FailPolicies  bool
	NoESPv3TFC    bool
	ReqidFailures map[uint32]bool

	SAs      []InstalledSA
	Policies []*context.ChildSecurityAssociation
	Reqids   map[uint32]int
}

var _ context.KernelIPsec = &MemKernel{}

func NewMemKernel() *MemKernel {
	return &MemKernel{
		nextSPI: 0xc0000000,
		nextCPI: 0x4000,
		Reqids:  make(map[uint32]int),
	}
}

func (kernel *MemKernel) AllocSPI(protocol uint8) uint32 {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.FailSPIAlloc {
		return 0
	}
	kernel.nextSPI++
	return kernel.nextSPI
}

func (kernel *MemKernel) AllocCPI() uint16 {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	kernel.nextCPI++
	return kernel.nextCPI
}

func (kernel *MemKernel) RefReqid(reqid uint32) error {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.ReqidFailures[reqid] {
		return errors.Errorf("reqid %d unavailable", reqid)
	}
	kernel.Reqids[reqid]++
	return nil
}

func (kernel *MemKernel) ReleaseReqid(reqid uint32) {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.Reqids[reqid] > 0 {
		kernel.Reqids[reqid]--
	}
}

func (kernel *MemKernel) InstallChildSA(
	childSA *context.ChildSecurityAssociation, keys *context.SAKeys, inbound bool, tfcV3 bool,
) error {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.FailInstall {
		return errors.New("install failed")
	}
	kernel.SAs = append(kernel.SAs, InstalledSA{
		ChildSA:       childSA,
		SPI:           keys.SPI,
		CPI:           keys.CPI,
		Inbound:       inbound,
		EncryptionKey: append([]byte(nil), keys.EncryptionKey...),
		IntegrityKey:  append([]byte(nil), keys.IntegrityKey...),
	})
	return nil
}

func (kernel *MemKernel) RegisterOutbound(
	childSA *context.ChildSecurityAssociation, keys *context.SAKeys, tfcV3 bool,
) error {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.FailInstall {
		return errors.New("register failed")
	}
	kernel.SAs = append(kernel.SAs, InstalledSA{
		ChildSA:       childSA,
		SPI:           keys.SPI,
		CPI:           keys.CPI,
		Registered:    true,
		EncryptionKey: append([]byte(nil), keys.EncryptionKey...),
		IntegrityKey:  append([]byte(nil), keys.IntegrityKey...),
	})
	return nil
}

func (kernel *MemKernel) InstallPolicies(childSA *context.ChildSecurityAssociation) error {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if kernel.FailPolicies {
		return errors.New("policy install failed")
	}
	kernel.Policies = append(kernel.Policies, childSA)
	return nil
}

func (kernel *MemKernel) Features() context.KernelFeature {
	if kernel.NoESPv3TFC {
		return 0
	}
	return context.KernelESPv3TFC
}

// InstalledFor returns the recorded installs for an inbound SPI.
func (kernel *MemKernel) InstalledFor(spi uint32) []InstalledSA {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	var out []InstalledSA
	for _, sa := range kernel.SAs {
		if sa.ChildSA.InboundSPI == spi {
			out = append(out, sa)
		}
	}
	return out
}
