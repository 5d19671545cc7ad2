// Package task implements the exchange drivers queued on an IKE_SA. The
// central one is ChildCreate, which negotiates and installs one CHILD_SA
// as initiator or responder across IKE_AUTH, CREATE_CHILD_SA and
// IKE_FOLLOWUP_KE exchanges.
package task

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/internal/metrics"
	secgw_context "github.com/vpnsetup/secgw/pkg/context"
	"github.com/vpnsetup/secgw/pkg/ike/kex"
	"github.com/vpnsetup/secgw/pkg/ike/keymat"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

var taskLog *logrus.Entry

func init() {
	taskLog = logger.TaskLog
}

// The initial link token a responder binds its follow-up exchanges to.
// The protocol treats the token as opaque, peers have to echo it verbatim.
var initialLinkToken = []byte{0x42}

type installStatus int

const (
	installOK installStatus = iota
	installPoliciesFailed
	installFailed
)

type roundFunc func(ikeMessage *ike_message.IKEMessage) secgw_context.Status

// ChildCreate drives one CHILD_SA negotiation. All rounds of a task run
// serialized under its IKE_SA; the task owns the CHILD_SA until installed.
type ChildCreate struct {
	ikeSA     *secgw_context.IKESecurityAssociation
	initiator bool

	myNonce    []byte
	otherNonce []byte

	config *secgw_context.ChildConfig

	proposals ike_message.ProposalContainer
	proposal  *ike_message.Proposal

	tsi []*ts.Selector
	tsr []*ts.Selector

	packetTSI *ts.Selector
	packetTSR *ts.Selector

	plan      *kex.Plan
	keSession kex.Session
	keMethod  uint16
	keFailed  bool
	link      []byte

	mode           secgw_context.IPsecMode
	tfcV3          bool
	ipcomp         uint8
	ipcompReceived uint8

	proto    uint8
	mySPI    uint32
	otherSPI uint32
	myCPI    uint16
	otherCPI uint16

	// collected CHILD_SA parameters
	reqid    uint32
	markIn   uint32
	markOut  uint32
	ifIDIn   uint32
	ifIDOut  uint32
	label    string
	hasLabel bool

	childSA *secgw_context.ChildSecurityAssociation

	established bool
	rekey       bool
	retry       bool
	aborted     bool

	build   roundFunc
	process roundFunc
}

var _ secgw_context.Task = &ChildCreate{}

// NewInitiator creates the initiating variant with the configuration to
// propose. The optional packet selectors narrow the first offer to the
// flow that triggered the negotiation.
func NewInitiator(ikeSA *secgw_context.IKESecurityAssociation, config *secgw_context.ChildConfig,
	rekey bool, packetTSI, packetTSR *ts.Selector,
) *ChildCreate {
	childCreate := newChildCreate(ikeSA)
	childCreate.initiator = true
	childCreate.config = config
	childCreate.rekey = rekey
	if packetTSI != nil {
		childCreate.packetTSI = packetTSI.Clone()
	}
	if packetTSR != nil {
		childCreate.packetTSR = packetTSR.Clone()
	}
	childCreate.build = childCreate.buildI
	childCreate.process = childCreate.processI
	return childCreate
}

// NewResponder creates the responding variant. The configuration is
// selected from the peer configuration once the offer arrives.
func NewResponder(ikeSA *secgw_context.IKESecurityAssociation) *ChildCreate {
	childCreate := newChildCreate(ikeSA)
	childCreate.build = childCreate.buildR
	childCreate.process = childCreate.processR
	return childCreate
}

func newChildCreate(ikeSA *secgw_context.IKESecurityAssociation) *ChildCreate {
	return &ChildCreate{
		ikeSA: ikeSA,
		mode:  secgw_context.ModeTunnel,
		tfcV3: true,
		plan:  new(kex.Plan),
	}
}

func (childCreate *ChildCreate) Build(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	return childCreate.build(ikeMessage)
}

func (childCreate *ChildCreate) Process(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	return childCreate.process(ikeMessage)
}

// UseReqid reserves a static reqid for the CHILD_SA. A failing reservation
// is ignored silently, the kernel then assigns one based on the final
// traffic selectors.
func (childCreate *ChildCreate) UseReqid(reqid uint32) {
	existing := childCreate.reqid
	if reqid == 0 || secgw_context.Self().RefReqid(reqid) == nil {
		childCreate.reqid = reqid
		if existing != 0 {
			secgw_context.Self().ReleaseReqid(existing)
		}
	}
}

func (childCreate *ChildCreate) UseMarks(in, out uint32) {
	childCreate.markIn = in
	childCreate.markOut = out
}

func (childCreate *ChildCreate) UseIfIDs(in, out uint32) {
	childCreate.ifIDIn = in
	childCreate.ifIDOut = out
}

func (childCreate *ChildCreate) UseLabel(label string) {
	childCreate.label = label
	childCreate.hasLabel = label != ""
}

// UseKEMethod forces the primary key exchange method, used when retrying
// after INVALID_KE_PAYLOAD.
func (childCreate *ChildCreate) UseKEMethod(keMethod uint16) {
	childCreate.keMethod = keMethod
}

// SetConfig installs the child configuration, the responder path after
// selection.
func (childCreate *ChildCreate) SetConfig(config *secgw_context.ChildConfig) {
	childCreate.config = config
}

func (childCreate *ChildCreate) GetChild() *secgw_context.ChildSecurityAssociation {
	return childCreate.childSA
}

func (childCreate *ChildCreate) GetOtherSPI() uint32 {
	return childCreate.otherSPI
}

// GetLowerNonce returns the lexicographically smaller nonce, used by the
// rekey task to resolve collisions. Ties resolve to our own nonce.
func (childCreate *ChildCreate) GetLowerNonce() []byte {
	size := len(childCreate.myNonce)
	if len(childCreate.otherNonce) < size {
		size = len(childCreate.otherNonce)
	}
	if bytes.Compare(childCreate.myNonce[:size], childCreate.otherNonce[:size]) <= 0 {
		return childCreate.myNonce
	}
	return childCreate.otherNonce
}

// Abort flags the task; the next round emits a DELETE for any allocated
// SPIs and terminates.
func (childCreate *ChildCreate) Abort() {
	childCreate.aborted = true
}

// Established reports whether the CHILD_SA was handed to the IKE_SA.
func (childCreate *ChildCreate) Established() bool {
	return childCreate.established
}

// Destroy releases resources still owned by the task.
func (childCreate *ChildCreate) Destroy() {
	if !childCreate.established && childCreate.childSA != nil {
		childCreate.childSA.Destroy()
		childCreate.childSA = nil
	}
	if childCreate.reqid != 0 {
		secgw_context.Self().ReleaseReqid(childCreate.reqid)
		childCreate.reqid = 0
	}
}

// Schedule a retry if creating the CHILD_SA temporarily failed.
func (childCreate *ChildCreate) scheduleDelayedRetry() {
	settings := secgw_context.Self().Settings

	delay := settings.RetryInterval
	if settings.RetryJitter > 0 {
		jitter, err := rand.Int(rand.Reader, big.NewInt(int64(settings.RetryJitter)))
		if err == nil {
			delay -= time.Duration(jitter.Int64())
		}
	}

	retryTask := NewInitiator(childCreate.ikeSA, childCreate.config, false,
		childCreate.packetTSI, childCreate.packetTSR)
	retryTask.UseReqid(childCreate.reqid)
	retryTask.UseMarks(childCreate.markIn, childCreate.markOut)
	retryTask.UseIfIDs(childCreate.ifIDIn, childCreate.ifIDOut)
	retryTask.UseLabel(childCreate.label)

	taskLog.Infof("Creating CHILD_SA failed, trying again in %v", delay)
	metrics.ChildSARetries.Inc()
	childCreate.ikeSA.QueueTaskDelayed(retryTask, delay)
}

func getNonce(ikeMessage *ike_message.IKEMessage, nonce *[]byte) secgw_context.Status {
	for _, ikePayload := range ikeMessage.Payloads {
		if ikePayload.Type() == ike_message.TypeNiNr {
			*nonce = append([]byte(nil), ikePayload.(*ike_message.Nonce).NonceData...)
			return secgw_context.StatusNeedMore
		}
	}
	return secgw_context.StatusFailed
}

func (childCreate *ChildCreate) generateNonce() bool {
	prfType := uint16(ike_message.PRF_HMAC_SHA2_256)
	if childCreate.ikeSA.PseudorandomFunction != nil {
		prfType = childCreate.ikeSA.PseudorandomFunction.TransformID
	}
	nonce := make([]byte, keymat.NonceSize(prfType))
	if _, err := rand.Read(nonce); err != nil {
		taskLog.Errorf("Nonce allocation failed: %+v", err)
		return false
	}
	childCreate.myNonce = nonce
	return true
}

// Allocate the inbound SPI for the protocol of the first proposal.
func (childCreate *ChildCreate) allocateSPI() bool {
	if childCreate.initiator {
		childCreate.proto = ike_message.TypeESP
		if len(childCreate.proposals) > 0 {
			childCreate.proto = childCreate.proposals[0].ProtocolID
		}
	} else {
		childCreate.proto = childCreate.proposal.ProtocolID
	}
	childCreate.mySPI = childCreate.childSA.AllocSPI(childCreate.proto)
	if childCreate.mySPI == 0 {
		taskLog.Error("Unable to allocate SPI from kernel")
	}
	return childCreate.mySPI != 0
}

// Assign our SPI to each proposal and promote the selected key exchange
// method, moving proposals that lack it to the back.
func (childCreate *ChildCreate) updateAndCheckProposals() bool {
	var withMethod, withoutMethod ike_message.ProposalContainer
	found := false

	for _, proposal := range childCreate.proposals {
		proposal.SetSPI(childCreate.mySPI)

		if childCreate.keMethod != ike_message.KE_NONE {
			if proposal.PromoteTransform(ike_message.TypeKeyExchangeMethod, childCreate.keMethod) {
				found = true
				withMethod = append(withMethod, proposal)
			} else {
				withoutMethod = append(withoutMethod, proposal)
			}
		} else {
			withMethod = append(withMethod, proposal)
		}
	}
	childCreate.proposals = append(withMethod, withoutMethod...)

	return childCreate.keMethod == ike_message.KE_NONE || found
}

func (childCreate *ChildCreate) scheduleInactivityTimeout() {
	timeout := childCreate.config.Inactivity
	if timeout == 0 {
		return
	}
	closeIke := secgw_context.Self().Settings.InactivityCloseIke
	childSA := childCreate.childSA
	ikeSA := childCreate.ikeSA
	time.AfterFunc(timeout, func() {
		taskLog.Infof("CHILD_SA %s{%d} inactive for %v, closing", childSA.Name, childSA.ID, timeout)
		ikeSA.RemoveChildSA(childSA.InboundSPI)
		secgw_context.Self().Bus.ChildUpDown(childSA, false)
		if closeIke {
			secgw_context.Self().DeleteIKESecurityAssociation(ikeSA.LocalSPI)
		}
	})
}

// Substitute any host address with the NATed IKE endpoint address in a
// transport mode selector list.
func (childCreate *ChildCreate) getTransportNATTS(local bool, in []*ts.Selector) []*ts.Selector {
	var ikeHost net.IP
	if local {
		ikeHost = childCreate.ikeSA.LocalHost.IP
	} else {
		ikeHost = childCreate.ikeSA.RemoteHost.IP
	}
	return ts.SubstituteNATHost(in, ikeHost)
}

// Narrow received traffic selectors with the configuration. The NAT
// substituted list only feeds the narrowing, the original selectors are
// kept for the TS mismatch alert.
func (childCreate *ChildCreate) narrowTS(local bool, in []*ts.Selector) []*ts.Selector {
	cond := secgw_context.CondNATThere
	if local {
		cond = secgw_context.CondNATHere
	}
	hosts := childCreate.ikeSA.DynamicHosts(local)

	if childCreate.mode == secgw_context.ModeTransport && childCreate.ikeSA.HasCondition(cond) {
		nat := childCreate.getTransportNATTS(local, in)
		return childCreate.config.GetTrafficSelectors(local, nat, hosts)
	}
	return childCreate.config.GetTrafficSelectors(local, in, hosts)
}

// Check if the requested mode is acceptable for the narrowed selectors.
func (childCreate *ChildCreate) checkMode(initiatorHost, responderHost net.IP) bool {
	switch childCreate.mode {
	case secgw_context.ModeTransport:
		if !childCreate.config.HasOption(secgw_context.OptProxyMode) &&
			(!ts.ListIsHost(childCreate.tsi, initiatorHost) ||
				!ts.ListIsHost(childCreate.tsr, responderHost)) {
			taskLog.Info("Not using transport mode, not host-to-host")
			return false
		}
		if childCreate.config.Mode != secgw_context.ModeTransport {
			return false
		}
	case secgw_context.ModeBEET:
		if !ts.ListIsHost(childCreate.tsi, nil) || !ts.ListIsHost(childCreate.tsr, nil) {
			taskLog.Info("Not using BEET mode, not host-to-host")
			return false
		}
		if childCreate.config.Mode != secgw_context.ModeBEET {
			return false
		}
	default:
	}
	return true
}

type narrowStatus int

const (
	narrowOK narrowStatus = iota
	narrowUnacceptable
	narrowModeMismatch
)

// Narrow the traffic selectors and verify the negotiated mode.
func (childCreate *ChildCreate) narrowAndCheckTS(ikeAuth bool) narrowStatus {
	me := childCreate.ikeSA.LocalHost.IP
	other := childCreate.ikeSA.RemoteHost.IP

	childCreate.childSA.Proposal = childCreate.proposal

	var myTS, otherTS []*ts.Selector
	if childCreate.initiator {
		myTS = childCreate.narrowTS(true, childCreate.tsi)
		otherTS = childCreate.narrowTS(false, childCreate.tsr)
	} else {
		myTS = childCreate.narrowTS(true, childCreate.tsr)
		otherTS = childCreate.narrowTS(false, childCreate.tsi)
	}

	bus := secgw_context.Self().Bus
	if childCreate.initiator {
		if ikeAuth {
			bus.Narrow(secgw_context.NarrowInitiatorPostNoAuth, myTS, otherTS)
		} else {
			bus.Narrow(secgw_context.NarrowInitiatorPostAuth, myTS, otherTS)
		}
	} else {
		bus.Narrow(secgw_context.NarrowResponder, myTS, otherTS)
	}

	if len(myTS) == 0 || len(otherTS) == 0 {
		bus.Alert(secgw_context.AlertTSMismatch, childCreate.childSA)
		taskLog.Info("No acceptable traffic selectors found")
		return narrowUnacceptable
	}

	if childCreate.initiator {
		childCreate.tsi = myTS
		childCreate.tsr = otherTS

		if !childCreate.checkMode(me, other) {
			taskLog.Infof("%s mode requested by responder is unacceptable", childCreate.mode)
			return narrowModeMismatch
		}
	} else {
		childCreate.tsr = myTS
		childCreate.tsi = otherTS

		if !childCreate.checkMode(other, me) {
			childCreate.mode = secgw_context.ModeTunnel
		}
	}
	return narrowOK
}

// Install the CHILD_SA into the kernel: the inbound SA, the outbound SA
// (or its registration during rekeying) and the flow policies.
func (childCreate *ChildCreate) installChildSA() installStatus {
	var nonceInitiator, nonceResponder []byte
	var myTS, otherTS []*ts.Selector

	if childCreate.initiator {
		nonceInitiator = childCreate.myNonce
		nonceResponder = childCreate.otherNonce
		myTS = childCreate.tsi
		otherTS = childCreate.tsr
	} else {
		nonceInitiator = childCreate.otherNonce
		nonceResponder = childCreate.myNonce

		// narrow hook on copies, the payloads must stay unchanged
		myTS = cloneSelectors(childCreate.tsr)
		otherTS = cloneSelectors(childCreate.tsi)
		secgw_context.Self().Bus.Narrow(secgw_context.NarrowResponderPost, myTS, otherTS)
		if len(myTS) == 0 || len(otherTS) == 0 {
			return installPoliciesFailed
		}
	}

	childSA := childCreate.childSA
	childSA.IPCompAlgo = childCreate.ipcomp
	childSA.Mode = childCreate.mode
	childSA.Protocol = childCreate.proposal.ProtocolID
	childSA.State = secgw_context.ChildInstalling
	childSA.OutboundSPI = childCreate.otherSPI

	// addresses might have changed since the request was composed
	childSA.Update(childCreate.ikeSA.LocalHost, childCreate.ikeSA.RemoteHost,
		childCreate.ikeSA.HasCondition(secgw_context.CondNATAny))

	childSA.SetPolicies(myTS, otherTS)

	if childCreate.myCPI == 0 || childCreate.otherCPI == 0 || childCreate.ipcomp == ike_message.IPCOMP_NONE {
		childCreate.myCPI, childCreate.otherCPI = 0, 0
		childCreate.ipcomp = ike_message.IPCOMP_NONE
		childSA.IPCompAlgo = ike_message.IPCOMP_NONE
	}
	childSA.InboundCPI = childCreate.myCPI
	childSA.OutboundCPI = childCreate.otherCPI

	prfType := uint16(ike_message.PRF_HMAC_SHA2_256)
	if childCreate.ikeSA.PseudorandomFunction != nil {
		prfType = childCreate.ikeSA.PseudorandomFunction.TransformID
	}

	keys, err := keymat.DeriveChildKeys(childCreate.ikeSA.SK_d, prfType, childCreate.proposal,
		childCreate.plan.Sessions(), nonceInitiator, nonceResponder)
	if err != nil {
		taskLog.Errorf("Deriving CHILD_SA keys failed: %+v", err)
		secgw_context.Self().Bus.Alert(secgw_context.AlertInstallChildSAFailed, childSA)
		return installFailed
	}
	defer keys.Zeroize()

	var inboundKeys, outboundKeys *secgw_context.SAKeys
	if childCreate.initiator {
		inboundKeys = &secgw_context.SAKeys{
			EncryptionKey: keys.EncrResponder,
			IntegrityKey:  keys.IntegResponder,
			SPI:           childCreate.mySPI,
			CPI:           childCreate.myCPI,
		}
		outboundKeys = &secgw_context.SAKeys{
			EncryptionKey: keys.EncrInitiator,
			IntegrityKey:  keys.IntegInitiator,
			SPI:           childCreate.otherSPI,
			CPI:           childCreate.otherCPI,
		}
	} else {
		inboundKeys = &secgw_context.SAKeys{
			EncryptionKey: keys.EncrInitiator,
			IntegrityKey:  keys.IntegInitiator,
			SPI:           childCreate.mySPI,
			CPI:           childCreate.myCPI,
		}
		outboundKeys = &secgw_context.SAKeys{
			EncryptionKey: keys.EncrResponder,
			IntegrityKey:  keys.IntegResponder,
			SPI:           childCreate.otherSPI,
			CPI:           childCreate.otherCPI,
		}
	}

	errIn := childSA.Install(inboundKeys, true, childCreate.tfcV3)
	var errOut error
	if errIn == nil {
		if childCreate.rekey {
			// during rekeyings the outbound SA is activated separately once
			// the old SA is gone
			errOut = childSA.RegisterOutbound(outboundKeys, childCreate.tfcV3)
		} else {
			errOut = childSA.Install(outboundKeys, false, childCreate.tfcV3)
		}
	}

	if errIn != nil || errOut != nil {
		taskLog.Errorf("Unable to install IPsec SA (SAD) in kernel: %+v / %+v", errIn, errOut)
		secgw_context.Self().Bus.Alert(secgw_context.AlertInstallChildSAFailed, childSA)
		return installFailed
	}

	if err = childSA.InstallPolicies(); err != nil {
		taskLog.Errorf("Unable to install IPsec policies (SPD) in kernel: %+v", err)
		secgw_context.Self().Bus.Alert(secgw_context.AlertInstallChildPolicyFailed, childSA)
		return installPoliciesFailed
	}

	secgw_context.Self().Bus.ChildKeys(childSA, childCreate.initiator)

	taskLog.Infof("CHILD_SA %s{%d} established with SPIs 0x%08x_i 0x%08x_o",
		childSA.Name, childSA.ID, childCreate.mySPI, childCreate.otherSPI)

	childSA.State = secgw_context.ChildInstalled
	childCreate.ikeSA.AddChildSA(childSA)
	childCreate.established = true
	metrics.ChildSAEstablished.Inc()

	childCreate.scheduleInactivityTimeout()
	return installOK
}

func cloneSelectors(in []*ts.Selector) []*ts.Selector {
	var out []*ts.Selector
	for _, selector := range in {
		out = append(out, selector.Clone())
	}
	return out
}

// Select a proposal out of the received candidates.
func (childCreate *ChildCreate) selectProposal(noKE bool) bool {
	if childCreate.proposals == nil {
		taskLog.Warn("SA payload missing in message")
		return false
	}

	settings := secgw_context.Self().Settings
	flags := 0
	if noKE {
		flags |= ike_message.ProposalSkipKE
	}
	if !childCreate.ikeSA.SupportsExtension(secgw_context.ExtStrongswan) && !settings.AcceptPrivateAlgs {
		flags |= ike_message.ProposalSkipPrivate
	}
	if !settings.PreferConfiguredProposals {
		flags |= ike_message.ProposalPreferSupplied
	}

	childCreate.proposal = childCreate.config.SelectProposal(childCreate.proposals, flags)
	if childCreate.proposal == nil {
		taskLog.Warn("No acceptable proposal found")
		secgw_context.Self().Bus.Alert(secgw_context.AlertProposalMismatchChild, childCreate.childSA)
		return false
	}
	return true
}

// Add a KE payload if a key exchange is in flight. As responder the
// session might already sit in the completion list.
func (childCreate *ChildCreate) addKEPayload(ikeMessage *ike_message.IKEMessage) bool {
	session := childCreate.keSession
	if session == nil {
		completed := childCreate.plan.Sessions()
		if len(completed) == 0 {
			return true
		}
		session = completed[len(completed)-1]
	}
	ikeMessage.Payloads.BuildKeyExchange(session.Method(), session.PublicKey())
	return true
}

func (childCreate *ChildCreate) buildPayloadsMultiKE(ikeMessage *ike_message.IKEMessage) bool {
	if !childCreate.addKEPayload(ikeMessage) {
		return false
	}
	if len(childCreate.link) > 0 {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.ADDITIONAL_KEY_EXCHANGE, nil, childCreate.link)
	}
	return true
}

// Build the payloads for the message.
func (childCreate *ChildCreate) buildPayloads(ikeMessage *ike_message.IKEMessage) bool {
	if ikeMessage.ExchangeType == ike_message.IKE_FOLLOWUP_KE {
		return childCreate.buildPayloadsMultiKE(ikeMessage)
	}

	securityAssociation := ikeMessage.Payloads.BuildSecurityAssociation()
	if childCreate.initiator {
		securityAssociation.Proposals = childCreate.proposals
	} else {
		securityAssociation.Proposals = ike_message.ProposalContainer{childCreate.proposal}
	}

	// nonce is exchanged on IKE_SA_INIT for the IKE_AUTH piggyback
	if ikeMessage.ExchangeType == ike_message.CREATE_CHILD_SA {
		ikeMessage.Payloads.BuildNonce(childCreate.myNonce)
	}

	if len(childCreate.link) > 0 {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.ADDITIONAL_KEY_EXCHANGE, nil, childCreate.link)
	}

	if !childCreate.addKEPayload(ikeMessage) {
		return false
	}

	tsiPayload := ikeMessage.Payloads.BuildTrafficSelectorInitiator()
	for _, selector := range childCreate.tsi {
		tsiPayload.TrafficSelectors = append(tsiPayload.TrafficSelectors, selector.ToMessage())
	}
	tsrPayload := ikeMessage.Payloads.BuildTrafficSelectorResponder()
	for _, selector := range childCreate.tsr {
		tsrPayload.TrafficSelectors = append(tsrPayload.TrafficSelectors, selector.ToMessage())
	}

	switch childCreate.mode {
	case secgw_context.ModeTransport:
		ikeMessage.Payloads.BuildNotification(ike_message.TypeNone, ike_message.USE_TRANSPORT_MODE, nil, nil)
	case secgw_context.ModeBEET:
		ikeMessage.Payloads.BuildNotification(ike_message.TypeNone, ike_message.USE_BEET_MODE, nil, nil)
	default:
	}

	if secgw_context.Self().Kernel.Features()&secgw_context.KernelESPv3TFC == 0 {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.ESP_TFC_PADDING_NOT_SUPPORTED, nil, nil)
	}
	return true
}

// Add an IPCOMP_SUPPORTED notify, allocating a CPI.
func (childCreate *ChildCreate) addIPCompNotify(ikeMessage *ike_message.IKEMessage, ipcomp uint8) {
	childCreate.myCPI = childCreate.childSA.AllocCPI()
	if childCreate.myCPI != 0 {
		childCreate.ipcomp = ipcomp
		ikeMessage.Payloads.BuildNotifyIPCompSupported(childCreate.myCPI, ipcomp)
	} else {
		taskLog.Warn("Unable to allocate a CPI from kernel, IPComp disabled")
	}
}

// Handle a received status notify.
func (childCreate *ChildCreate) handleNotify(notification *ike_message.Notification) {
	switch notification.NotifyMessageType {
	case ike_message.USE_TRANSPORT_MODE:
		childCreate.mode = secgw_context.ModeTransport
	case ike_message.USE_BEET_MODE:
		if childCreate.ikeSA.SupportsExtension(secgw_context.ExtStrongswan) {
			// private use notify, accepted only if the peer's meaning is known
			childCreate.mode = secgw_context.ModeBEET
		} else {
			taskLog.Warn("Received BEET mode notify but peer implementation unknown, skipped")
		}
	case ike_message.IPCOMP_SUPPORTED:
		data := notification.NotificationData
		if len(data) < 3 {
			taskLog.Warn("Received malformed IPCOMP_SUPPORTED notify")
			return
		}
		cpi := binary.BigEndian.Uint16(data[0:2])
		transformID := data[2]
		if transformID == ike_message.IPCOMP_DEFLATE {
			childCreate.otherCPI = cpi
			childCreate.ipcompReceived = transformID
		} else {
			taskLog.Warnf("Received IPCOMP_SUPPORTED notify with unsupported transform ID %d", transformID)
		}
	case ike_message.ESP_TFC_PADDING_NOT_SUPPORTED:
		taskLog.Info("Received ESP_TFC_PADDING_NOT_SUPPORTED, not using ESPv3 TFC padding")
		childCreate.tfcV3 = false
	default:
	}
}

// Collect the key exchanges from the selected proposal into the plan.
func (childCreate *ChildCreate) determineKeyExchanges() bool {
	plan, err := kex.PlanFromProposal(childCreate.proposal)
	if err != nil {
		taskLog.Warnf("Malformed key exchange plan: %+v", err)
		return false
	}
	childCreate.plan = plan
	return true
}

// Process a KE payload.
func (childCreate *ChildCreate) processKEPayload(keyExchange *ike_message.KeyExchange) {
	expected := childCreate.plan.Current().Method
	received := keyExchange.KeyExchangeMethod

	// the proposal is selected after processing the KE payload, so this
	// only applies to additional key exchanges
	if expected != ike_message.KE_NONE && expected != received {
		taskLog.Warnf("Key exchange method in received payload %d doesn't match negotiated %d",
			received, expected)
		childCreate.keFailed = true
		return
	}

	childCreate.keMethod = received

	if !childCreate.initiator {
		session, err := kex.NewSession(received)
		if err != nil {
			taskLog.Warnf("Key exchange method %d not supported", received)
			childCreate.keSession = nil
		} else {
			childCreate.keSession = session
		}
	} else if childCreate.keSession != nil {
		if childCreate.keSession.Method() != received {
			taskLog.Warnf("Key exchange method %d in received payload doesn't match %d",
				received, childCreate.keSession.Method())
			childCreate.keFailed = true
		}
	}

	if childCreate.keSession != nil && !childCreate.keFailed {
		if err := childCreate.keSession.SetPeerPublicKey(keyExchange.KeyExchangeData); err != nil {
			taskLog.Warnf("Applying key exchange public key failed: %+v", err)
			childCreate.keFailed = true
		}
	}
}

// Check if the KE method in flight is valid for the selected proposal. If
// the proposal has some other method, the required one is returned.
func (childCreate *ChildCreate) checkKEMethod() (uint16, bool) {
	if !childCreate.proposal.HasTransform(ike_message.TypeKeyExchangeMethod, childCreate.keMethod) {
		if alg, ok := childCreate.proposal.GetTransform(ike_message.TypeKeyExchangeMethod); ok {
			return alg, false
		}
		// the selected proposal does not use a key exchange method
		taskLog.Info("Ignoring KE payload, agreed on a non-PFS proposal")
		childCreate.keSession = nil
		childCreate.keMethod = ike_message.KE_NONE
		childCreate.keFailed = false
	}
	return 0, true
}

// Responder variant: an unacceptable method asks the peer to retry via
// INVALID_KE_PAYLOAD.
func (childCreate *ChildCreate) checkKEMethodR(ikeMessage *ike_message.IKEMessage) bool {
	if alg, ok := childCreate.checkKEMethod(); !ok {
		taskLog.Infof("Key exchange method %d unacceptable, requesting %d", childCreate.keMethod, alg)
		ikeMessage.Payloads.BuildNotifyInvalidKEPayload(alg)
		return false
	}
	if childCreate.keMethod != ike_message.KE_NONE && childCreate.keSession == nil {
		ikeMessage.Payloads.BuildNotification(
			uint8(childCreate.proto), ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		return false
	}
	return true
}

// Read payloads from the message.
func (childCreate *ChildCreate) processPayloads(ikeMessage *ike_message.IKEMessage) {
	// defaults to tunnel mode
	childCreate.mode = secgw_context.ModeTunnel

	for _, ikePayload := range ikeMessage.Payloads {
		switch ikePayload.Type() {
		case ike_message.TypeSA:
			childCreate.proposals = ikePayload.(*ike_message.SecurityAssociation).Proposals
		case ike_message.TypeKE:
			childCreate.processKEPayload(ikePayload.(*ike_message.KeyExchange))
		case ike_message.TypeTSi:
			childCreate.tsi = selectorsFromPayload(ikePayload.(*ike_message.TrafficSelectorInitiator).TrafficSelectors)
		case ike_message.TypeTSr:
			childCreate.tsr = selectorsFromPayload(ikePayload.(*ike_message.TrafficSelectorResponder).TrafficSelectors)
		case ike_message.TypeN:
			childCreate.handleNotify(ikePayload.(*ike_message.Notification))
		default:
		}
	}
}

func selectorsFromPayload(container ike_message.IndividualTrafficSelectorContainer) []*ts.Selector {
	var selectors []*ts.Selector
	for _, individual := range container {
		selectors = append(selectors, ts.FromMessage(individual))
	}
	return selectors
}

// Check if only the generic label is available when using SELinux and no
// specific one arrived from an acquire.
func (childCreate *ChildCreate) genericLabelOnly() bool {
	return childCreate.config.Label != "" && !childCreate.hasLabel &&
		childCreate.config.LabelMode == secgw_context.LabelModeSELinux
}

// Check if the CHILD_SA creation should be deferred until after the
// IKE_SA has been established childless.
func (childCreate *ChildCreate) deferChildSA() secgw_context.Status {
	policy := secgw_context.ChildlessNever
	if childCreate.ikeSA.IKEConfig != nil {
		policy = childCreate.ikeSA.IKEConfig.Childless
	}

	if childCreate.ikeSA.SupportsExtension(secgw_context.ExtIkeChildless) {
		// with SELinux, prefer no CHILD_SA over one with the generic label
		if policy == secgw_context.ChildlessPrefer ||
			policy == secgw_context.ChildlessForce ||
			childCreate.genericLabelOnly() {
			return secgw_context.StatusNeedMore
		}
	} else if policy == secgw_context.ChildlessForce {
		taskLog.Warn("Peer does not support childless IKE_SA initiation")
		return secgw_context.StatusDestroyMe
	}
	return secgw_context.StatusSuccess
}

// Check if a duplicate CHILD_SA is already established, making this
// initiation unnecessary.
func (childCreate *ChildCreate) checkForDuplicate() bool {
	for _, childSA := range childCreate.ikeSA.ChildSAs() {
		if childSA.State == secgw_context.ChildInstalled && childSA.Equal(childCreate.childSA) {
			taskLog.Infof("Not establishing CHILD_SA %s{%d} due to existing duplicate {%d} "+
				"with SPIs 0x%08x_i 0x%08x_o",
				childCreate.childSA.Name, childCreate.childSA.ID, childSA.ID,
				childSA.InboundSPI, childSA.OutboundSPI)
			return true
		}
	}
	return false
}

func (childCreate *ChildCreate) checkForGenericLabel() bool {
	if childCreate.genericLabelOnly() {
		taskLog.Infof("Not establishing CHILD_SA %s{%d} with generic label '%s'",
			childCreate.childSA.Name, childCreate.childSA.ID, childCreate.config.Label)
		return true
	}
	return false
}

// Select the security label. The labels proposed in TSi and TSr have to
// match each other and a label set from an acquire.
func (childCreate *ChildCreate) selectLabel() bool {
	labelI, okI := childCreate.config.SelectLabel(labelsOf(childCreate.tsi))
	labelR, okR := childCreate.config.SelectLabel(labelsOf(childCreate.tsr))
	if !okI || !okR {
		return false
	}

	if labelI != labelR {
		taskLog.Warn("Security labels in TSi and TSr don't match")
		return false
	}
	if labelI != "" {
		if !childCreate.hasLabel {
			childCreate.label = labelI
			childCreate.hasLabel = true
		} else if childCreate.label != labelI {
			taskLog.Warnf("Returned security label '%s' doesn't match proposed '%s'",
				labelI, childCreate.label)
			return false
		}
	}
	if childCreate.hasLabel {
		taskLog.Infof("Selected security label: %s", childCreate.label)
	}
	return true
}

func labelsOf(selectors []*ts.Selector) []string {
	var labels []string
	for _, selector := range selectors {
		if selector.Label != "" {
			labels = append(labels, selector.Label)
		}
	}
	return labels
}

// Called when a key exchange round finished, true once all are done.
func (childCreate *ChildCreate) keyExchangeDone() bool {
	if childCreate.keSession == nil {
		return true
	}
	allDone := childCreate.plan.Complete(childCreate.keSession)
	childCreate.keSession = nil
	return allDone
}

// Handle CHILD_SA setup failure.
func (childCreate *ChildCreate) handleChildSAFailure(ikeMessage *ike_message.IKEMessage) {
	if childCreate.aborted {
		return
	}
	metrics.ChildSAFailed.Inc()

	isFirst := ikeMessage.ExchangeType == ike_message.IKE_AUTH
	if isFirst && secgw_context.Self().Settings.CloseIkeOnChildFailure {
		// delay the delete so the IKE_AUTH response can drain first
		taskLog.Info("Closing IKE_SA due to CHILD_SA setup failure")
		ikeSA := childCreate.ikeSA
		time.AfterFunc(100*time.Millisecond, func() {
			ikeSA.SetCondition(secgw_context.CondDeleting)
			secgw_context.Self().DeleteIKESecurityAssociation(ikeSA.LocalSPI)
		})
	} else {
		taskLog.Info("Failed to establish CHILD_SA, keeping IKE_SA")
		secgw_context.Self().Bus.Alert(secgw_context.AlertKeepOnChildSAFailure, childCreate.childSA)
	}
}

// Substitute transport mode NAT selectors, if applicable.
func (childCreate *ChildCreate) getTSIfNATTransport(local bool, in []*ts.Selector) []*ts.Selector {
	if childCreate.mode != secgw_context.ModeTransport {
		return nil
	}
	cond := secgw_context.CondNATThere
	if local {
		cond = secgw_context.CondNATHere
	}
	if !childCreate.ikeSA.HasCondition(cond) {
		return nil
	}
	return childCreate.getTransportNATTS(local, in)
}

// Select a matching child configuration as responder.
func (childCreate *ChildCreate) selectChildCfg() *secgw_context.ChildConfig {
	peerConfig := childCreate.ikeSA.PeerConfig
	if peerConfig == nil || childCreate.tsi == nil || childCreate.tsr == nil {
		return nil
	}

	natTSR := childCreate.getTSIfNATTransport(true, childCreate.tsr)
	natTSI := childCreate.getTSIfNATTransport(false, childCreate.tsi)

	localHosts := childCreate.ikeSA.DynamicHosts(true)
	remoteHosts := childCreate.ikeSA.DynamicHosts(false)

	localTS := childCreate.tsr
	if natTSR != nil {
		localTS = natTSR
	}
	remoteTS := childCreate.tsi
	if natTSI != nil {
		remoteTS = natTSI
	}

	childConfig := peerConfig.SelectChildConfig(localTS, remoteTS, localHosts, remoteHosts)
	if (natTSI != nil || natTSR != nil) && childConfig != nil &&
		childConfig.Mode != secgw_context.ModeTransport {
		// matched with substituted selectors but not transport mode
		childConfig = nil
	}
	if childConfig == nil && (natTSI != nil || natTSR != nil) {
		// no match for the substituted NAT selectors, try without
		childConfig = peerConfig.SelectChildConfig(
			childCreate.tsr, childCreate.tsi, localHosts, remoteHosts)
	}
	return childConfig
}

// Check how to handle a possibly childless IKE_SA as responder.
func (childCreate *ChildCreate) handleChildless() (secgw_context.Status, bool) {
	policy := secgw_context.ChildlessNever
	if childCreate.ikeSA.IKEConfig != nil {
		policy = childCreate.ikeSA.IKEConfig.Childless
	}

	if childCreate.proposals == nil && childCreate.tsi == nil && childCreate.tsr == nil {
		// looks like a childless IKE_SA, check if it is allowed
		if policy == secgw_context.ChildlessNever {
			taskLog.Warn("Peer tried to initiate a childless IKE_SA")
			return secgw_context.StatusFailed, true
		}
		return secgw_context.StatusSuccess, true
	}

	// the peer wants a regular IKE_SA
	if policy == secgw_context.ChildlessForce {
		taskLog.Warn("Peer did not initiate a childless IKE_SA")
		return secgw_context.StatusFailed, true
	}
	return secgw_context.StatusNeedMore, false
}

// Compose the initiator traffic selectors for the first offer.
func (childCreate *ChildCreate) composeInitiatorTS() {
	if !childCreate.rekey && len(childCreate.ikeSA.VirtualIPs) > 0 {
		// propose a 0.0.0.0/0 or ::/0 subnet when virtual IPs are in use
		var wildcards []*ts.Selector
		seen := map[bool]bool{}
		for _, vip := range childCreate.ikeSA.VirtualIPs {
			isV4 := vip.To4() != nil
			if seen[isV4] {
				continue
			}
			seen[isV4] = true
			bits := 128
			ip := net.IPv6zero
			if isV4 {
				bits = 32
				ip = net.IPv4zero
			}
			wildcards = append(wildcards, ts.NewSelectorFromSubnet(
				&net.IPNet{IP: ip, Mask: net.CIDRMask(0, bits)}, ike_message.IPProtocolAll, 0, 65535))
		}
		childCreate.tsi = wildcards
	} else {
		childCreate.tsi = childCreate.config.GetTrafficSelectors(
			true, nil, childCreate.ikeSA.DynamicHosts(true))
	}
	childCreate.tsr = childCreate.config.GetTrafficSelectors(
		false, nil, childCreate.ikeSA.DynamicHosts(false))

	if childCreate.packetTSI != nil {
		childCreate.tsi = append([]*ts.Selector{childCreate.packetTSI.Clone()}, childCreate.tsi...)
	}
	if childCreate.packetTSR != nil {
		childCreate.tsr = append([]*ts.Selector{childCreate.packetTSR.Clone()}, childCreate.tsr...)
	}
}

func (childCreate *ChildCreate) newChildSA() *secgw_context.ChildSecurityAssociation {
	childSA := secgw_context.NewChildSA(childCreate.ikeSA.LocalHost, childCreate.ikeSA.RemoteHost,
		childCreate.config, secgw_context.Self().Kernel)
	if childSA == nil {
		return nil
	}
	childSA.Reqid = childCreate.reqid
	if childSA.Reqid == 0 {
		childSA.Reqid = childCreate.config.StaticReqid
	}
	childSA.MarkIn = childCreate.markIn
	childSA.MarkOut = childCreate.markOut
	childSA.IfIDIn = childCreate.ifIDIn
	childSA.IfIDOut = childCreate.ifIDOut
	if childSA.IfIDIn == 0 {
		childSA.IfIDIn = childCreate.ikeSA.IfIDIn
	}
	if childSA.IfIDOut == 0 {
		childSA.IfIDOut = childCreate.ikeSA.IfIDOut
	}
	childSA.Label = childCreate.label
	childSA.EnableEncapsulate = childCreate.ikeSA.HasCondition(secgw_context.CondNATAny)
	return childSA
}

func returnNeedMore(*ike_message.IKEMessage) secgw_context.Status {
	return secgw_context.StatusNeedMore
}

// Initiator build for the follow-up rounds of a multi key exchange.
func (childCreate *ChildCreate) buildIMultiKE(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	ikeMessage.ExchangeType = ike_message.IKE_FOLLOWUP_KE

	method := childCreate.plan.Current().Method
	session, err := kex.NewSession(method)
	if err != nil {
		taskLog.Warnf("Negotiated key exchange method %d not supported", method)
		return secgw_context.StatusFailed
	}
	childCreate.keSession = session

	if len(childCreate.link) == 0 {
		taskLog.Warn("ADDITIONAL_KEY_EXCHANGE notify missing")
		return secgw_context.StatusFailed
	}

	if !childCreate.buildPayloadsMultiKE(ikeMessage) {
		return secgw_context.StatusFailed
	}
	return secgw_context.StatusNeedMore
}

// Build the initial request as initiator.
func (childCreate *ChildCreate) buildI(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	noKE := true

	switch ikeMessage.ExchangeType {
	case ike_message.IKE_SA_INIT:
		return getNonce(ikeMessage, &childCreate.myNonce)
	case ike_message.CREATE_CHILD_SA:
		if !childCreate.generateNonce() {
			ikeMessage.ExchangeType = ike_message.EXCHANGE_TYPE_UNDEFINED
			return secgw_context.StatusSuccess
		}
		noKE = false
	case ike_message.IKE_AUTH:
		switch childCreate.deferChildSA() {
		case secgw_context.StatusDestroyMe:
			// config mismatch
			return secgw_context.StatusDestroyMe
		case secgw_context.StatusNeedMore:
			// defer until after the IKE_SA has been established
			childCreate.myNonce = nil
			return secgw_context.StatusNeedMore
		default:
			// continue to establish the CHILD_SA
		}
		// send only in the first request, not in subsequent rounds
		childCreate.build = returnNeedMore
	default:
		return secgw_context.StatusNeedMore
	}

	childCreate.composeInitiatorTS()

	if !childCreate.genericLabelOnly() && !childCreate.hasLabel {
		// in the simple label mode the configured label is proposed, there
		// are no labels from acquires
		if childCreate.config.Label != "" {
			childCreate.label = childCreate.config.Label
			childCreate.hasLabel = true
		}
	}
	if childCreate.hasLabel {
		taskLog.Debugf("Proposing security label '%s'", childCreate.label)
	}

	childCreate.proposals = childCreate.config.GetProposals(noKE)
	childCreate.mode = childCreate.config.Mode

	childCreate.childSA = childCreate.newChildSA()
	if childCreate.childSA == nil {
		return secgw_context.StatusFailed
	}

	if !childCreate.rekey && ikeMessage.ExchangeType == ike_message.CREATE_CHILD_SA &&
		(childCreate.checkForGenericLabel() || childCreate.checkForDuplicate()) {
		ikeMessage.ExchangeType = ike_message.EXCHANGE_TYPE_UNDEFINED
		return secgw_context.StatusSuccess
	}

	if childCreate.reqid != 0 {
		taskLog.Infof("Establishing CHILD_SA %s{%d} reqid %d",
			childCreate.childSA.Name, childCreate.childSA.ID, childCreate.reqid)
	} else {
		taskLog.Infof("Establishing CHILD_SA %s{%d}",
			childCreate.childSA.Name, childCreate.childSA.ID)
	}

	if !childCreate.allocateSPI() {
		return secgw_context.StatusFailed
	}

	if !noKE && !childCreate.retry {
		// during a rekeying the method might already be set
		if childCreate.keMethod == ike_message.KE_NONE {
			childCreate.keMethod = childCreate.config.PreferredKEMethod
		}
	}

	if !childCreate.updateAndCheckProposals() {
		taskLog.Warnf("Requested key exchange method %d not contained in any of our proposals",
			childCreate.keMethod)
		return secgw_context.StatusFailed
	}

	if childCreate.keMethod != ike_message.KE_NONE {
		session, err := kex.NewSession(childCreate.keMethod)
		if err != nil {
			taskLog.Warnf("Selected key exchange method %d not supported", childCreate.keMethod)
			return secgw_context.StatusFailed
		}
		childCreate.keSession = session
	}

	if childCreate.config.HasOption(secgw_context.OptIPComp) {
		// DEFLATE is the only supported transform
		childCreate.addIPCompNotify(ikeMessage, ike_message.IPCOMP_DEFLATE)
	}

	if ikeMessage.ExchangeType == ike_message.IKE_AUTH {
		secgw_context.Self().Bus.Narrow(secgw_context.NarrowInitiatorPreNoAuth,
			childCreate.tsi, childCreate.tsr)
	} else {
		secgw_context.Self().Bus.Narrow(secgw_context.NarrowInitiatorPreAuth,
			childCreate.tsi, childCreate.tsr)
	}

	if !childCreate.buildPayloads(ikeMessage) {
		return secgw_context.StatusFailed
	}

	childCreate.tsi = nil
	childCreate.tsr = nil
	childCreate.proposals = nil

	return secgw_context.StatusNeedMore
}

// Process the ADDITIONAL_KEY_EXCHANGE notify linking follow-up exchanges.
func (childCreate *ChildCreate) processLink(ikeMessage *ike_message.IKEMessage) {
	notification := ikeMessage.Payloads.GetNotify(ike_message.ADDITIONAL_KEY_EXCHANGE)
	if notification != nil {
		if childCreate.initiator {
			childCreate.link = append([]byte(nil), notification.NotificationData...)
		} else if !bytes.Equal(childCreate.link, notification.NotificationData) {
			taskLog.Warn("Data in ADDITIONAL_KEY_EXCHANGE notify doesn't match")
			childCreate.link = nil
		}
	} else {
		childCreate.link = nil
	}
}

func (childCreate *ChildCreate) processPayloadsMultiKE(ikeMessage *ike_message.IKEMessage) {
	var keyExchange *ike_message.KeyExchange
	for _, ikePayload := range ikeMessage.Payloads {
		if ikePayload.Type() == ike_message.TypeKE {
			keyExchange = ikePayload.(*ike_message.KeyExchange)
			break
		}
	}
	if keyExchange != nil {
		childCreate.processKEPayload(keyExchange)
	} else {
		taskLog.Warn("KE payload missing in message")
		childCreate.keFailed = true
	}
	childCreate.processLink(ikeMessage)
}

// Responder process for follow-up rounds.
func (childCreate *ChildCreate) processRMultiKE(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	if ikeMessage.ExchangeType == ike_message.IKE_FOLLOWUP_KE {
		childCreate.processPayloadsMultiKE(ikeMessage)
	}
	return secgw_context.StatusNeedMore
}

// Process the request as responder.
func (childCreate *ChildCreate) processR(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	switch ikeMessage.ExchangeType {
	case ike_message.IKE_SA_INIT:
		return getNonce(ikeMessage, &childCreate.otherNonce)
	case ike_message.CREATE_CHILD_SA:
		getNonce(ikeMessage, &childCreate.otherNonce)
	case ike_message.IKE_AUTH:
		// only handle the first AUTH round, not additional ones
		childCreate.process = returnNeedMore
	default:
		return secgw_context.StatusNeedMore
	}

	childCreate.processPayloads(ikeMessage)

	return secgw_context.StatusNeedMore
}

// Complete the current key exchange and install the CHILD_SA once all are
// done as responder.
func (childCreate *ChildCreate) keyExchangeDoneAndInstallR(ikeMessage *ike_message.IKEMessage) bool {
	allDone := false
	if childCreate.keyExchangeDone() {
		childCreate.link = nil
		allDone = true
	} else if len(childCreate.link) == 0 {
		childCreate.link = append([]byte(nil), initialLinkToken...)
	}

	if !childCreate.buildPayloads(ikeMessage) {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return true
	}

	if allDone {
		switch childCreate.installChildSA() {
		case installOK:
		case installPoliciesFailed:
			ikeMessage.Payloads.BuildNotification(
				uint8(childCreate.proto), ike_message.TS_UNACCEPTABLE, nil, nil)
			childCreate.handleChildSAFailure(ikeMessage)
			return true
		default:
			ikeMessage.Payloads.BuildNotification(
				uint8(childCreate.proto), ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
			childCreate.handleChildSAFailure(ikeMessage)
			return true
		}
		if !childCreate.rekey {
			secgw_context.Self().Bus.ChildUpDown(childCreate.childSA, true)
		}
	}
	return allDone
}

// Responder build for follow-up rounds.
func (childCreate *ChildCreate) buildRMultiKE(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	if childCreate.keSession == nil {
		ikeMessage.Payloads.BuildNotification(ike_message.TypeNone, ike_message.INVALID_SYNTAX, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}
	if childCreate.keFailed {
		ikeMessage.Payloads.BuildNotification(ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}
	if len(childCreate.link) == 0 {
		taskLog.Warn("ADDITIONAL_KEY_EXCHANGE notify missing")
		ikeMessage.Payloads.BuildNotification(ike_message.TypeNone, ike_message.STATE_NOT_FOUND, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}
	if !childCreate.keyExchangeDoneAndInstallR(ikeMessage) {
		return secgw_context.StatusNeedMore
	}
	return secgw_context.StatusSuccess
}

// Build the response as responder.
func (childCreate *ChildCreate) buildR(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	noKE := true
	ikeAuth := false

	switch ikeMessage.ExchangeType {
	case ike_message.IKE_SA_INIT:
		return getNonce(ikeMessage, &childCreate.myNonce)
	case ike_message.CREATE_CHILD_SA:
		if !childCreate.generateNonce() {
			ikeMessage.Payloads.BuildNotification(
				ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
			return secgw_context.StatusSuccess
		}
		noKE = false
	case ike_message.IKE_AUTH:
		if !childCreate.ikeSA.HasCondition(secgw_context.CondAuthenticated) {
			// wait until all authentication rounds completed
			return secgw_context.StatusNeedMore
		}
		if childCreate.ikeSA.HasCondition(secgw_context.CondRedirected) {
			// no CHILD_SA is created for redirected SAs
			return secgw_context.StatusSuccess
		}
		status, done := childCreate.handleChildless()
		if done {
			if status == secgw_context.StatusFailed {
				ikeMessage.Payloads.BuildNotification(
					ike_message.TypeNone, ike_message.INVALID_SYNTAX, nil, nil)
			}
			return status
		}
		ikeAuth = true
	default:
		return secgw_context.StatusNeedMore
	}

	if childCreate.ikeSA.HasCondition(secgw_context.CondRekeying) {
		taskLog.Info("Unable to create CHILD_SA while rekeying IKE_SA")
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.TEMPORARY_FAILURE, nil, nil)
		return secgw_context.StatusSuccess
	}
	if childCreate.ikeSA.HasCondition(secgw_context.CondDeleting) {
		taskLog.Info("Unable to create CHILD_SA while deleting IKE_SA")
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.TEMPORARY_FAILURE, nil, nil)
		return secgw_context.StatusSuccess
	}

	if childCreate.config == nil {
		childCreate.config = childCreate.selectChildCfg()
	}
	if childCreate.config == nil || childCreate.tsi == nil || childCreate.tsr == nil {
		if childCreate.tsi == nil || childCreate.tsr == nil {
			taskLog.Warn("TS payloads missing in message")
		} else {
			taskLog.Warn("Traffic selectors unacceptable")
			secgw_context.Self().Bus.Alert(secgw_context.AlertTSMismatch, childCreate.childSA)
		}
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.TS_UNACCEPTABLE, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	if !childCreate.selectProposal(noKE) {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	childCreate.otherSPI = childCreate.proposal.GetSPI()
	childCreate.proto = childCreate.proposal.ProtocolID

	if !childCreate.checkKEMethodR(ikeMessage) {
		// the peer will retry, this is not a failure
		return secgw_context.StatusSuccess
	}

	// the flag might have been reset if a non-PFS proposal was selected
	if childCreate.keFailed {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	if !childCreate.determineKeyExchanges() {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	if !childCreate.selectLabel() {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.TS_UNACCEPTABLE, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	childCreate.childSA = childCreate.newChildSA()
	if childCreate.childSA == nil {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	if !childCreate.allocateSPI() {
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}
	childCreate.proposal.SetSPI(childCreate.mySPI)

	if childCreate.ipcompReceived != ike_message.IPCOMP_NONE {
		if childCreate.config.HasOption(secgw_context.OptIPComp) {
			childCreate.addIPCompNotify(ikeMessage, childCreate.ipcompReceived)
		} else {
			taskLog.Info("Received IPCOMP_SUPPORTED notify but IPComp is disabled, ignoring")
		}
	}

	switch childCreate.narrowAndCheckTS(ikeAuth) {
	case narrowOK:
	case narrowUnacceptable:
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.TS_UNACCEPTABLE, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	default:
		ikeMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.NO_PROPOSAL_CHOSEN, nil, nil)
		childCreate.handleChildSAFailure(ikeMessage)
		return secgw_context.StatusSuccess
	}

	if !childCreate.keyExchangeDoneAndInstallR(ikeMessage) {
		childCreate.build = childCreate.buildRMultiKE
		childCreate.process = childCreate.processRMultiKE
		return secgw_context.StatusNeedMore
	}
	return secgw_context.StatusSuccess
}

// Raise alerts for received notify errors.
func (childCreate *ChildCreate) raiseAlerts(notifyType uint16) {
	switch notifyType {
	case ike_message.NO_PROPOSAL_CHOSEN:
		secgw_context.Self().Bus.Alert(secgw_context.AlertProposalMismatchChild, childCreate.childSA)
	default:
	}
}

// Build an INFORMATIONAL DELETE for the failed or aborted CHILD_SA.
func (childCreate *ChildCreate) buildIDelete(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	ikeMessage.ExchangeType = ike_message.INFORMATIONAL
	if childCreate.mySPI != 0 && childCreate.proto != 0 {
		ikeMessage.Payloads.BuildDelete(childCreate.proto, []uint32{childCreate.mySPI})
		taskLog.Infof("Sending DELETE for CHILD_SA with SPI 0x%08x", childCreate.mySPI)
	}
	return secgw_context.StatusSuccess
}

// Turn the task into a delete for the failed CHILD_SA as initiator.
func (childCreate *ChildCreate) deleteFailedSA() secgw_context.Status {
	if childCreate.mySPI != 0 && childCreate.proto != 0 {
		childCreate.build = childCreate.buildIDelete
		if childCreate.childSA != nil {
			childCreate.childSA.Destroy()
			childCreate.childSA = nil
		}
		return secgw_context.StatusNeedMore
	}
	return secgw_context.StatusSuccess
}

// Complete the current key exchange and install the CHILD_SA once all are
// done as initiator.
func (childCreate *ChildCreate) keyExchangeDoneAndInstallI(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	if childCreate.keyExchangeDone() {
		if childCreate.installChildSA() == installOK {
			if !childCreate.rekey {
				secgw_context.Self().Bus.ChildUpDown(childCreate.childSA, true)
			}
			return secgw_context.StatusSuccess
		}
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}
	return secgw_context.StatusNeedMore
}

// Initiator process for follow-up rounds.
func (childCreate *ChildCreate) processIMultiKE(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	if ikeMessage.Payloads.GetNotify(ike_message.TEMPORARY_FAILURE) != nil {
		taskLog.Info("Received TEMPORARY_FAILURE notify")
		if !childCreate.rekey && !childCreate.aborted {
			childCreate.scheduleDelayedRetry()
		}
		return secgw_context.StatusSuccess
	}

	childCreate.processPayloadsMultiKE(ikeMessage)

	if childCreate.keFailed || childCreate.aborted {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	return childCreate.keyExchangeDoneAndInstallI(ikeMessage)
}

// Process the response as initiator.
func (childCreate *ChildCreate) processI(ikeMessage *ike_message.IKEMessage) secgw_context.Status {
	noKE := true
	ikeAuth := false

	switch ikeMessage.ExchangeType {
	case ike_message.IKE_SA_INIT:
		return getNonce(ikeMessage, &childCreate.otherNonce)
	case ike_message.CREATE_CHILD_SA:
		getNonce(ikeMessage, &childCreate.otherNonce)
		noKE = false
	case ike_message.IKE_AUTH:
		if !childCreate.ikeSA.HasCondition(secgw_context.CondAuthenticated) {
			// wait until all authentication rounds completed
			return secgw_context.StatusNeedMore
		}
		if childCreate.deferChildSA() == secgw_context.StatusNeedMore {
			// defer until after the IKE_SA has been established
			childCreate.otherNonce = nil
			return secgw_context.StatusNeedMore
		}
		ikeAuth = true
	default:
		return secgw_context.StatusNeedMore
	}

	// check for erroneous notifies
	for _, ikePayload := range ikeMessage.Payloads {
		if ikePayload.Type() != ike_message.TypeN {
			continue
		}
		notification := ikePayload.(*ike_message.Notification)
		notifyType := notification.NotifyMessageType

		switch notifyType {
		case ike_message.NO_PROPOSAL_CHOSEN,
			ike_message.SINGLE_PAIR_REQUIRED,
			ike_message.NO_ADDITIONAL_SAS,
			ike_message.INTERNAL_ADDRESS_FAILURE,
			ike_message.FAILED_CP_REQUIRED,
			ike_message.TS_UNACCEPTABLE,
			ike_message.INVALID_SELECTORS:
			taskLog.Warnf("Received notify error %d, no CHILD_SA built", notifyType)
			metrics.NotifyErrorsReceived.WithLabelValues(notifyName(notifyType)).Inc()
			childCreate.raiseAlerts(notifyType)
			childCreate.handleChildSAFailure(ikeMessage)
			// an error in CHILD_SA creation is not critical
			return secgw_context.StatusSuccess
		case ike_message.TEMPORARY_FAILURE:
			taskLog.Info("Received TEMPORARY_FAILURE notify")
			if !childCreate.rekey && !childCreate.aborted {
				// the rekey task retries by itself
				childCreate.scheduleDelayedRetry()
			}
			return secgw_context.StatusSuccess
		case ike_message.INVALID_KE_PAYLOAD:
			if childCreate.aborted {
				taskLog.Info("Received INVALID_KE_PAYLOAD notify in aborted task")
				return secgw_context.StatusSuccess
			}
			alg := uint16(ike_message.KE_NONE)
			if len(notification.NotificationData) == 2 {
				alg = binary.BigEndian.Uint16(notification.NotificationData)
			}
			if childCreate.retry {
				taskLog.Warnf("Already retried with key exchange method %d, ignore requested %d",
					childCreate.keMethod, alg)
				childCreate.handleChildSAFailure(ikeMessage)
				return secgw_context.StatusSuccess
			}
			taskLog.Infof("Peer didn't accept key exchange method %d, it requested %d",
				childCreate.keMethod, alg)
			childCreate.retry = true
			childCreate.keMethod = alg
			if childCreate.childSA != nil {
				childCreate.childSA.State = secgw_context.ChildRetrying
			}
			metrics.ChildSARetries.Inc()
			childCreate.migrate()
			childCreate.ikeSA.QueueTask(childCreate)
			return secgw_context.StatusNeedMore
		default:
			if ikeMessage.ExchangeType == ike_message.CREATE_CHILD_SA {
				if notifyType < ike_message.NotifyStatusFloor {
					taskLog.Warnf("Received notify error %d", notifyType)
					metrics.NotifyErrorsReceived.WithLabelValues(notifyName(notifyType)).Inc()
					return secgw_context.StatusSuccess
				}
				taskLog.Debugf("Received notify %d", notifyType)
			}
		}
	}

	childCreate.processPayloads(ikeMessage)

	if !childCreate.selectProposal(noKE) {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	childCreate.otherSPI = childCreate.proposal.GetSPI()
	childCreate.proposal.SetSPI(childCreate.mySPI)

	if childCreate.aborted {
		taskLog.Infof("Deleting CHILD_SA %s{%d} with SPIs 0x%08x_i 0x%08x_o of aborted task",
			childCreate.childSA.Name, childCreate.childSA.ID,
			childCreate.mySPI, childCreate.otherSPI)
		return childCreate.deleteFailedSA()
	}

	switch {
	case childCreate.ipcomp == ike_message.IPCOMP_NONE && childCreate.ipcompReceived != ike_message.IPCOMP_NONE:
		taskLog.Warn("Received an IPCOMP_SUPPORTED notify without requesting one, no CHILD_SA built")
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	case childCreate.ipcomp != ike_message.IPCOMP_NONE && childCreate.ipcompReceived == ike_message.IPCOMP_NONE:
		taskLog.Info("Peer didn't accept our proposed IPComp transforms, IPComp is disabled")
		childCreate.ipcomp = ike_message.IPCOMP_NONE
		childCreate.myCPI = 0
	case childCreate.ipcomp != ike_message.IPCOMP_NONE && childCreate.ipcomp != childCreate.ipcompReceived:
		taskLog.Warn("Received an IPCOMP_SUPPORTED notify we didn't propose, no CHILD_SA built")
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	if _, ok := childCreate.checkKEMethod(); !ok {
		taskLog.Warn("Peer's key exchange method is not part of the selected proposal")
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	if childCreate.keFailed {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	if !childCreate.determineKeyExchanges() {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	if !childCreate.selectLabel() {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	if childCreate.narrowAndCheckTS(ikeAuth) != narrowOK {
		childCreate.handleChildSAFailure(ikeMessage)
		return childCreate.deleteFailedSA()
	}

	status := childCreate.keyExchangeDoneAndInstallI(ikeMessage)
	if status == secgw_context.StatusNeedMore {
		// if the installation failed the build was switched to the delete,
		// otherwise continue with the follow-up key exchanges
		if childCreate.childSA != nil {
			childCreate.processLink(ikeMessage)
			childCreate.build = childCreate.buildIMultiKE
			childCreate.process = childCreate.processIMultiKE
		}
	}
	return status
}

// migrate resets the per-round state so the task can run another attempt
// on the same IKE_SA, keeping the collected CHILD_SA parameters and, for a
// retry, the requested key exchange method.
func (childCreate *ChildCreate) migrate() {
	childCreate.myNonce = nil
	childCreate.otherNonce = nil
	childCreate.link = nil
	childCreate.tsi = nil
	childCreate.tsr = nil
	if childCreate.childSA != nil && !childCreate.established {
		childCreate.childSA.Destroy()
	}
	childCreate.childSA = nil
	childCreate.proposal = nil
	childCreate.proposals = nil
	childCreate.keSession = nil
	childCreate.keFailed = false
	childCreate.plan.Reset()
	if !childCreate.rekey && !childCreate.retry {
		childCreate.keMethod = ike_message.KE_NONE
	}
	childCreate.mode = secgw_context.ModeTunnel
	childCreate.ipcomp = ike_message.IPCOMP_NONE
	childCreate.ipcompReceived = ike_message.IPCOMP_NONE
	childCreate.myCPI = 0
	childCreate.otherCPI = 0
	childCreate.mySPI = 0
	childCreate.otherSPI = 0
	childCreate.established = false
	childCreate.build = childCreate.buildI
	childCreate.process = childCreate.processI
}

func notifyName(notifyType uint16) string {
	switch notifyType {
	case ike_message.NO_PROPOSAL_CHOSEN:
		return "NO_PROPOSAL_CHOSEN"
	case ike_message.SINGLE_PAIR_REQUIRED:
		return "SINGLE_PAIR_REQUIRED"
	case ike_message.NO_ADDITIONAL_SAS:
		return "NO_ADDITIONAL_SAS"
	case ike_message.INTERNAL_ADDRESS_FAILURE:
		return "INTERNAL_ADDRESS_FAILURE"
	case ike_message.FAILED_CP_REQUIRED:
		return "FAILED_CP_REQUIRED"
	case ike_message.TS_UNACCEPTABLE:
		return "TS_UNACCEPTABLE"
	case ike_message.INVALID_SELECTORS:
		return "INVALID_SELECTORS"
	case ike_message.TEMPORARY_FAILURE:
		return "TEMPORARY_FAILURE"
	case ike_message.INVALID_KE_PAYLOAD:
		return "INVALID_KE_PAYLOAD"
	default:
		return "OTHER"
	}
}
