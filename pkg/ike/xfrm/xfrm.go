package xfrm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/pkg/context"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

// Log
var xfrmLog *logrus.Entry

func init() {
	xfrmLog = logger.XfrmLog
}

type XFRMEncryptionAlgorithmType uint16

func (xfrmEncryptionAlgorithmType XFRMEncryptionAlgorithmType) String() string {
	switch uint16(xfrmEncryptionAlgorithmType) {
	case ike_message.ENCR_DES:
		return "cbc(des)"
	case ike_message.ENCR_3DES:
		return "cbc(des3_ede)"
	case ike_message.ENCR_NULL:
		return "ecb(cipher_null)"
	case ike_message.ENCR_AES_CBC:
		return "cbc(aes)"
	case ike_message.ENCR_AES_CTR:
		return "rfc3686(ctr(aes))"
	case ike_message.ENCR_AES_GCM:
		return "rfc4106(gcm(aes))"
	case ike_message.ENCR_CHACHA20:
		return "rfc7539esp(chacha20,poly1305)"
	default:
		return ""
	}
}

type XFRMIntegrityAlgorithmType uint16

func (xfrmIntegrityAlgorithmType XFRMIntegrityAlgorithmType) String() string {
	switch uint16(xfrmIntegrityAlgorithmType) {
	case ike_message.AUTH_HMAC_MD5_96:
		return "hmac(md5)"
	case ike_message.AUTH_HMAC_SHA1_96:
		return "hmac(sha1)"
	case ike_message.AUTH_AES_XCBC_96:
		return "xcbc(aes)"
	case ike_message.AUTH_HMAC_SHA2_256_128:
		return "hmac(sha256)"
	case ike_message.AUTH_HMAC_SHA2_512_256:
		return "hmac(sha512)"
	default:
		return ""
	}
}

func xfrmMode(mode context.IPsecMode) netlink.Mode {
	switch mode {
	case context.ModeTransport:
		return netlink.XFRM_MODE_TRANSPORT
	case context.ModeBEET:
		return netlink.XFRM_MODE_BEET
	default:
		return netlink.XFRM_MODE_TUNNEL
	}
}

func xfrmProto(protocol uint8) netlink.Proto {
	if protocol == ike_message.TypeAH {
		return netlink.XFRM_PROTO_AH
	}
	return netlink.XFRM_PROTO_ESP
}

// NetlinkKernel is the production KernelIPsec backed by the Linux XFRM
// engine via netlink.
type NetlinkKernel struct{}

var _ context.KernelIPsec = &NetlinkKernel{}

func NewNetlinkKernel() *NetlinkKernel {
	return &NetlinkKernel{}
}

func (kernel *NetlinkKernel) AllocSPI(protocol uint8) uint32 {
	spiByte := make([]byte, 4)
	for {
		if _, err := rand.Read(spiByte); err != nil {
			xfrmLog.Errorf("Generate random SPI failed: %+v", err)
			return 0
		}
		spi := binary.BigEndian.Uint32(spiByte)
		if spi < 256 {
			// SPI values up to 255 are reserved
			continue
		}
		if _, loaded := context.Self().ChildSA.Load(spi); !loaded {
			return spi
		}
	}
}

func (kernel *NetlinkKernel) AllocCPI() uint16 {
	cpiByte := make([]byte, 2)
	if _, err := rand.Read(cpiByte); err != nil {
		xfrmLog.Errorf("Generate random CPI failed: %+v", err)
		return 0
	}
	cpi := binary.BigEndian.Uint16(cpiByte)
	if cpi == 0 {
		cpi = 1
	}
	return cpi
}

func (kernel *NetlinkKernel) RefReqid(reqid uint32) error {
	if reqid == 0 {
		return errors.New("reqid zero cannot be reserved")
	}
	return nil
}

func (kernel *NetlinkKernel) ReleaseReqid(reqid uint32) {}

func (kernel *NetlinkKernel) buildState(
	childSA *context.ChildSecurityAssociation, keys *context.SAKeys, inbound bool,
) *netlink.XfrmState {
	var src, dst net.IP
	var srcPort, dstPort int
	if inbound {
		src, dst = childSA.PeerPublicIPAddr, childSA.LocalPublicIPAddr
		srcPort, dstPort = childSA.NATPort, childSA.LocalPort
	} else {
		src, dst = childSA.LocalPublicIPAddr, childSA.PeerPublicIPAddr
		srcPort, dstPort = childSA.LocalPort, childSA.NATPort
	}

	var encryptionAlgorithm, integrityAlgorithm *netlink.XfrmStateAlgo
	if len(childSA.Proposal.EncryptionAlgorithm) > 0 {
		encryptionAlgorithm = &netlink.XfrmStateAlgo{
			Name: XFRMEncryptionAlgorithmType(childSA.Proposal.EncryptionAlgorithm[0].TransformID).String(),
			Key:  keys.EncryptionKey,
		}
	}
	if len(childSA.Proposal.IntegrityAlgorithm) > 0 {
		integrityAlgorithm = &netlink.XfrmStateAlgo{
			Name: XFRMIntegrityAlgorithmType(childSA.Proposal.IntegrityAlgorithm[0].TransformID).String(),
			Key:  keys.IntegrityKey,
		}
	}

	xfrmState := &netlink.XfrmState{
		Src:   src,
		Dst:   dst,
		Proto: xfrmProto(childSA.Protocol),
		Mode:  xfrmMode(childSA.Mode),
		Spi:   int(keys.SPI),
		Ifid:  int(childSA.IfIDIn),
		Reqid: int(childSA.Reqid),
		Auth:  integrityAlgorithm,
		Crypt: encryptionAlgorithm,
	}
	if !inbound {
		xfrmState.Ifid = int(childSA.IfIDOut)
	}

	if childSA.EnableEncapsulate {
		xfrmState.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: srcPort,
			DstPort: dstPort,
		}
	}
	return xfrmState
}

func (kernel *NetlinkKernel) InstallChildSA(
	childSA *context.ChildSecurityAssociation, keys *context.SAKeys, inbound bool, tfcV3 bool,
) error {
	xfrmState := kernel.buildState(childSA, keys, inbound)

	if err := netlink.XfrmStateAdd(xfrmState); err != nil {
		xfrmLog.Errorf("Set XFRM state failed: %+v", err)
		return errors.New("set XFRM state rule failed")
	}

	xfrmLog.Debugf("Installed %s XFRM state with SPI 0x%08x for child SA %s",
		direction(inbound), keys.SPI, childSA.Name)
	return nil
}

func (kernel *NetlinkKernel) RegisterOutbound(
	childSA *context.ChildSecurityAssociation, keys *context.SAKeys, tfcV3 bool,
) error {
	// staged outbound states are kept out of the SPD until activated; adding
	// the state without policies is sufficient for the XFRM engine
	xfrmState := kernel.buildState(childSA, keys, false)
	if err := netlink.XfrmStateAdd(xfrmState); err != nil {
		xfrmLog.Errorf("Register outbound XFRM state failed: %+v", err)
		return errors.New("register outbound XFRM state failed")
	}
	return nil
}

func (kernel *NetlinkKernel) InstallPolicies(childSA *context.ChildSecurityAssociation) error {
	if len(childSA.InboundTrafficSelectors) == 0 || len(childSA.OutboundTrafficSelectors) == 0 {
		return errors.New("no traffic selectors to install policies for")
	}
	localSubnet := childSA.InboundTrafficSelectors[0].ToSubnet()
	remoteSubnet := childSA.OutboundTrafficSelectors[0].ToSubnet()
	selectedProtocol := childSA.InboundTrafficSelectors[0].IPProtocolID

	xfrmPolicyTemplate := netlink.XfrmPolicyTmpl{
		Src:   childSA.PeerPublicIPAddr,
		Dst:   childSA.LocalPublicIPAddr,
		Proto: xfrmProto(childSA.Protocol),
		Mode:  xfrmMode(childSA.Mode),
		Spi:   int(childSA.InboundSPI),
		Reqid: int(childSA.Reqid),
	}

	xfrmPolicy := &netlink.XfrmPolicy{
		Src:   remoteSubnet,
		Dst:   localSubnet,
		Proto: netlink.Proto(selectedProtocol),
		Dir:   netlink.XFRM_DIR_IN,
		Ifid:  int(childSA.IfIDIn),
		Tmpls: []netlink.XfrmPolicyTmpl{xfrmPolicyTemplate},
	}

	if err := netlink.XfrmPolicyAdd(xfrmPolicy); err != nil {
		xfrmLog.Errorf("Set XFRM policy failed: %+v", err)
		return errors.New("set XFRM policy rule failed")
	}

	xfrmPolicyTemplate.Spi = int(childSA.OutboundSPI)
	xfrmPolicyTemplate.Src, xfrmPolicyTemplate.Dst = xfrmPolicyTemplate.Dst, xfrmPolicyTemplate.Src

	xfrmPolicy = &netlink.XfrmPolicy{
		Src:   localSubnet,
		Dst:   remoteSubnet,
		Proto: netlink.Proto(selectedProtocol),
		Dir:   netlink.XFRM_DIR_OUT,
		Ifid:  int(childSA.IfIDOut),
		Tmpls: []netlink.XfrmPolicyTmpl{xfrmPolicyTemplate},
	}

	if err := netlink.XfrmPolicyAdd(xfrmPolicy); err != nil {
		xfrmLog.Errorf("Set XFRM policy failed: %+v", err)
		return errors.New("set XFRM policy rule failed")
	}

	return nil
}

func (kernel *NetlinkKernel) Features() context.KernelFeature {
	return context.KernelESPv3TFC
}

func direction(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}
