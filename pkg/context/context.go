package context

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/free5gc/util/idgenerator"
	"github.com/vpnsetup/secgw/internal/logger"
)

var contextLog *logrus.Entry

var secgwContext = SecgwContext{}

// Settings are the runtime policies the negotiation tasks consult.
type Settings struct {
	AcceptPrivateAlgs         bool
	PreferConfiguredProposals bool
	CloseIkeOnChildFailure    bool
	InactivityCloseIke        bool

	// Delay before retrying after a TEMPORARY_FAILURE is RetryInterval
	// minus a random share of RetryJitter.
	RetryInterval time.Duration
	RetryJitter   time.Duration
}

type SecgwContext struct {
	// ID generator
	ChildIDGenerator *idgenerator.IDGenerator
	ReqidGenerator   *idgenerator.IDGenerator

	// Pools
	IKESA   sync.Map // map[uint64]*IKESecurityAssociation, local SPI as key
	ChildSA sync.Map // map[uint32]*ChildSecurityAssociation, inbound SPI as key

	// Reference counted kernel reqids
	reqidRefs   map[uint32]int
	reqidRefsMu sync.Mutex

	Settings Settings

	// Event bus for fire-and-forget notifications
	Bus *Bus

	// Kernel IPsec backend, swapped for a fake in tests
	Kernel KernelIPsec

	// Local address the IKE service binds to
	IKEBindAddress string
}

func init() {
	contextLog = logger.ContextLog

	secgwContext.ChildIDGenerator = idgenerator.NewGenerator(1, math.MaxInt32)
	secgwContext.ReqidGenerator = idgenerator.NewGenerator(1, math.MaxUint32)
	secgwContext.reqidRefs = make(map[uint32]int)
	secgwContext.Bus = NewBus()
	secgwContext.Settings = Settings{
		PreferConfiguredProposals: true,
		RetryInterval:             15 * time.Second,
		RetryJitter:               5 * time.Second,
	}
}

func Self() *SecgwContext {
	return &secgwContext
}

func (context *SecgwContext) NewIKESecurityAssociation() *IKESecurityAssociation {
	ikeSecurityAssociation := new(IKESecurityAssociation)
	ikeSecurityAssociation.init()

	maxSPI := new(big.Int).SetUint64(math.MaxUint64)
	var localSPIuint64 uint64

	for {
		localSPI, err := rand.Int(rand.Reader, maxSPI)
		if err != nil {
			contextLog.Errorf("Generate new IKE SPI failed: %+v", err)
			return nil
		}
		localSPIuint64 = localSPI.Uint64()
		if _, duplicate := context.IKESA.LoadOrStore(localSPIuint64, ikeSecurityAssociation); !duplicate {
			break
		}
	}

	ikeSecurityAssociation.LocalSPI = localSPIuint64

	return ikeSecurityAssociation
}

func (context *SecgwContext) DeleteIKESecurityAssociation(spi uint64) {
	context.IKESA.Delete(spi)
}

func (context *SecgwContext) IKESALoad(spi uint64) (*IKESecurityAssociation, bool) {
	securityAssociation, ok := context.IKESA.Load(spi)
	if ok {
		return securityAssociation.(*IKESecurityAssociation), ok
	}
	return nil, ok
}

func (context *SecgwContext) ChildSALoad(inboundSPI uint32) (*ChildSecurityAssociation, bool) {
	childSecurityAssociation, ok := context.ChildSA.Load(inboundSPI)
	if ok {
		return childSecurityAssociation.(*ChildSecurityAssociation), ok
	}
	return nil, ok
}

func (context *SecgwContext) DeleteChildSA(inboundSPI uint32) {
	context.ChildSA.Delete(inboundSPI)
}

// RefReqid takes a reference on a static reqid. The first reference checks
// the reqid with the kernel backend.
func (context *SecgwContext) RefReqid(reqid uint32) error {
	context.reqidRefsMu.Lock()
	defer context.reqidRefsMu.Unlock()

	if context.reqidRefs[reqid] == 0 && context.Kernel != nil {
		if err := context.Kernel.RefReqid(reqid); err != nil {
			return err
		}
	}
	context.reqidRefs[reqid]++
	return nil
}

// ReleaseReqid drops a reference, releasing the kernel reservation with the
// last one.
func (context *SecgwContext) ReleaseReqid(reqid uint32) {
	context.reqidRefsMu.Lock()
	defer context.reqidRefsMu.Unlock()

	if context.reqidRefs[reqid] == 0 {
		contextLog.Warnf("Releasing reqid %d without reference", reqid)
		return
	}
	context.reqidRefs[reqid]--
	if context.reqidRefs[reqid] == 0 {
		delete(context.reqidRefs, reqid)
		if context.Kernel != nil {
			context.Kernel.ReleaseReqid(reqid)
		}
	}
}
