package task

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secgw_context "github.com/vpnsetup/secgw/pkg/context"
	"github.com/vpnsetup/secgw/pkg/ike/kex"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
	"github.com/vpnsetup/secgw/pkg/ike/xfrm"
)

var (
	initiatorAddr = &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 500}
	responderAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 500}
)

// deterministic stand-in for a KEM, both peers agree on the secret
type fakeKEMSession struct {
	shared []byte
}

func (s *fakeKEMSession) Method() uint16 { return ike_message.KE_MLKEM_768 }

func (s *fakeKEMSession) PublicKey() []byte { return []byte("fake-kem-public-value") }

func (s *fakeKEMSession) SetPeerPublicKey(peerPublicValue []byte) error {
	s.shared = []byte("fake-kem-shared-secret-fixture")
	return nil
}

func (s *fakeKEMSession) SharedSecret() []byte { return s.shared }

func init() {
	kex.Register(ike_message.KE_MLKEM_768, func() (kex.Session, error) {
		return &fakeKEMSession{}, nil
	})
}

func setupKernel(t *testing.T) *xfrm.MemKernel {
	t.Helper()
	kernel := xfrm.NewMemKernel()
	self := secgw_context.Self()
	self.Kernel = kernel
	self.Settings = secgw_context.Settings{
		PreferConfiguredProposals: true,
		RetryInterval:             20 * time.Millisecond,
		RetryJitter:               10 * time.Millisecond,
	}
	return kernel
}

type proposalSpec struct {
	keMethods    []uint16
	additionalKE []uint16
}

func newChildConfig(name string, localCIDR, remoteCIDR string, spec proposalSpec) *secgw_context.ChildConfig {
	proposal := &ike_message.Proposal{ProposalNumber: 1, ProtocolID: ike_message.TypeESP}
	attributeType := uint16(ike_message.AttributeTypeKeyLength)
	attributeValue := uint16(128)
	proposal.EncryptionAlgorithm.BuildTransform(
		ike_message.TypeEncryptionAlgorithm, ike_message.ENCR_AES_CBC, &attributeType, &attributeValue, nil)
	proposal.IntegrityAlgorithm.BuildTransform(
		ike_message.TypeIntegrityAlgorithm, ike_message.AUTH_HMAC_SHA2_256_128, nil, nil, nil)
	proposal.ExtendedSequenceNumbers.BuildTransform(
		ike_message.TypeExtendedSequenceNumbers, ike_message.ESN_DISABLE, nil, nil, nil)
	for _, method := range spec.keMethods {
		proposal.KeyExchangeMethod.BuildTransform(
			ike_message.TypeKeyExchangeMethod, method, nil, nil, nil)
	}
	for index, method := range spec.additionalKE {
		transformType := uint8(ike_message.TypeAdditionalKeyExchange1 + index)
		proposal.AdditionalKeyExchanges[index].BuildTransform(transformType, method, nil, nil, nil)
	}

	config := &secgw_context.ChildConfig{
		Name:      name,
		Mode:      secgw_context.ModeTunnel,
		Proposals: ike_message.ProposalContainer{proposal},
	}
	if len(spec.keMethods) > 0 {
		config.PreferredKEMethod = spec.keMethods[0]
	}
	config.LocalTS = []*ts.Selector{subnetSelector(localCIDR)}
	config.RemoteTS = []*ts.Selector{subnetSelector(remoteCIDR)}
	return config
}

func subnetSelector(cidr string) *ts.Selector {
	if cidr == "dynamic" {
		return ts.NewDynamicSelector()
	}
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return ts.NewSelectorFromSubnet(subnet, 0, 0, 65535)
}

func newIKESAPair(respConfig *secgw_context.ChildConfig) (*secgw_context.IKESecurityAssociation, *secgw_context.IKESecurityAssociation) {
	self := secgw_context.Self()

	initSA := self.NewIKESecurityAssociation()
	initSA.IsInitiator = true
	initSA.LocalHost = initiatorAddr
	initSA.RemoteHost = responderAddr
	initSA.SK_d = []byte("key-deriving-key-shared-by-pair!")
	initSA.SetCondition(secgw_context.CondAuthenticated)

	respSA := self.NewIKESecurityAssociation()
	respSA.LocalHost = responderAddr
	respSA.RemoteHost = initiatorAddr
	respSA.SK_d = []byte("key-deriving-key-shared-by-pair!")
	respSA.SetCondition(secgw_context.CondAuthenticated)
	if respConfig != nil {
		respSA.PeerConfig = &secgw_context.PeerConfig{
			Name:         "peer",
			IKEConfig:    &secgw_context.IKEConfig{},
			ChildConfigs: []*secgw_context.ChildConfig{respConfig},
		}
	}
	return initSA, respSA
}

func mirroredConfigs(spec proposalSpec) (*secgw_context.ChildConfig, *secgw_context.ChildConfig) {
	initConfig := newChildConfig("net-net", "10.1.0.0/16", "10.2.0.0/16", spec)
	respConfig := newChildConfig("net-net", "10.2.0.0/16", "10.1.0.0/16", spec)
	return initConfig, respConfig
}

func newRequest(exchangeType uint8, messageID uint32) *ike_message.IKEMessage {
	ikeMessage := new(ike_message.IKEMessage)
	ikeMessage.BuildIKEHeader(1, 2, exchangeType, ike_message.InitiatorBitCheck, messageID)
	return ikeMessage
}

func newResponse(exchangeType uint8, messageID uint32) *ike_message.IKEMessage {
	ikeMessage := new(ike_message.IKEMessage)
	ikeMessage.BuildIKEHeader(1, 2, exchangeType, ike_message.ResponseBitCheck, messageID)
	return ikeMessage
}

// runCreateChild drives a full CREATE_CHILD_SA negotiation between both
// tasks including any follow-up key exchange rounds. It returns the final
// initiator status and all exchanged messages.
func runCreateChild(t *testing.T, initiator *ChildCreate, responder *ChildCreate,
) (secgw_context.Status, []*ike_message.IKEMessage) {
	t.Helper()

	var exchanged []*ike_message.IKEMessage
	messageID := uint32(1)

	request := newRequest(ike_message.CREATE_CHILD_SA, messageID)
	status := initiator.Build(request)
	require.Equal(t, secgw_context.StatusNeedMore, status)
	exchanged = append(exchanged, request)

	for round := 0; round < kex.MaxKeyExchanges+1; round++ {
		require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))

		response := newResponse(request.ExchangeType, messageID)
		responderStatus := responder.Build(response)
		exchanged = append(exchanged, response)

		status = initiator.Process(response)
		if status != secgw_context.StatusNeedMore || initiator.Established() {
			require.NotEqual(t, secgw_context.StatusNeedMore, responderStatus)
			return status, exchanged
		}
		if responderStatus != secgw_context.StatusNeedMore {
			// responder finished but initiator wants more rounds
			return status, exchanged
		}

		messageID++
		request = newRequest(ike_message.IKE_FOLLOWUP_KE, messageID)
		status = initiator.Build(request)
		require.Equal(t, secgw_context.StatusNeedMore, status)
		exchanged = append(exchanged, request)
	}
	t.Fatal("negotiation did not converge")
	return status, exchanged
}

func findNotify(ikeMessage *ike_message.IKEMessage, notifyType uint16) *ike_message.Notification {
	return ikeMessage.Payloads.GetNotify(notifyType)
}

func TestIKEAuthPiggyback(t *testing.T) {
	kernel := setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{})
	initSA, respSA := newIKESAPair(respConfig)

	var upEvents []bool
	secgw_context.Self().Bus = secgw_context.NewBus()
	secgw_context.Self().Bus.OnChildUpDown(func(_ *secgw_context.ChildSecurityAssociation, up bool) {
		upEvents = append(upEvents, up)
	})

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	// IKE_SA_INIT piggybacks only the nonces
	saInitRequest := newRequest(ike_message.IKE_SA_INIT, 0)
	saInitRequest.Payloads.BuildNonce([]byte("initiator-nonce-from-sa-init-msg"))
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(saInitRequest))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(saInitRequest))

	saInitResponse := newResponse(ike_message.IKE_SA_INIT, 0)
	saInitResponse.Payloads.BuildNonce([]byte("responder-nonce-from-sa-init-msg"))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Build(saInitResponse))
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(saInitResponse))

	// the substantive round runs during IKE_AUTH
	authRequest := newRequest(ike_message.IKE_AUTH, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(authRequest))
	require.Nil(t, authRequest.Payloads.GetNotify(ike_message.ADDITIONAL_KEY_EXCHANGE))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(authRequest))

	authResponse := newResponse(ike_message.IKE_AUTH, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(authResponse))
	require.Equal(t, secgw_context.StatusSuccess, initiator.Process(authResponse))

	require.True(t, initiator.Established())
	require.True(t, responder.Established())

	initChild := initiator.GetChild()
	respChild := responder.GetChild()
	require.NotNil(t, initChild)
	require.NotNil(t, respChild)

	// inbound SPI is the one allocated from the kernel and non-zero
	assert.NotZero(t, initChild.InboundSPI)
	assert.NotZero(t, respChild.InboundSPI)
	assert.Equal(t, secgw_context.ChildInstalled, initChild.State)

	// SPI pairs mirror across peers
	assert.Equal(t, initChild.InboundSPI, respChild.OutboundSPI)
	assert.Equal(t, initChild.OutboundSPI, respChild.InboundSPI)

	// both sides installed inbound and outbound SAs
	assert.Len(t, kernel.InstalledFor(initChild.InboundSPI), 2)
	assert.Len(t, kernel.InstalledFor(respChild.InboundSPI), 2)

	// the keys mirror: initiator's inbound equals responder's outbound
	var initInbound, respOutbound *xfrm.InstalledSA
	for i := range kernel.SAs {
		if kernel.SAs[i].Inbound && kernel.SAs[i].ChildSA == initChild {
			initInbound = &kernel.SAs[i]
		}
		if !kernel.SAs[i].Inbound && kernel.SAs[i].ChildSA == respChild {
			respOutbound = &kernel.SAs[i]
		}
	}
	require.NotNil(t, initInbound)
	require.NotNil(t, respOutbound)
	assert.Equal(t, initInbound.EncryptionKey, respOutbound.EncryptionKey)
	assert.Equal(t, initInbound.IntegrityKey, respOutbound.IntegrityKey)

	// child_updown fired once per side, with up=true
	assert.Equal(t, []bool{true, true}, upEvents)
}

func TestCreateChildWithPFS(t *testing.T) {
	kernel := setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{keMethods: []uint16{ike_message.DH_3072_BIT_MODP}})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	status, exchanged := runCreateChild(t, initiator, responder)
	require.Equal(t, secgw_context.StatusSuccess, status)
	require.True(t, initiator.Established())

	// a single round trip: request and response only
	assert.Len(t, exchanged, 2)

	initChild := initiator.GetChild()
	respChild := responder.GetChild()
	assert.Equal(t, initChild.InboundSPI, respChild.OutboundSPI)
	assert.Equal(t, initChild.OutboundSPI, respChild.InboundSPI)
	assert.Equal(t, uint32(respChild.InboundSPI), initiator.GetOtherSPI())

	assert.Len(t, kernel.InstalledFor(initChild.InboundSPI), 2)
}

func TestHybridMultiKeyExchange(t *testing.T) {
	kernel := setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{
		keMethods:    []uint16{ike_message.KE_CURVE25519},
		additionalKE: []uint16{ike_message.KE_MLKEM_768},
	})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))

	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, responder.Build(response))

	// the responder links the follow-up exchange with an opaque token
	linkNotify := findNotify(response, ike_message.ADDITIONAL_KEY_EXCHANGE)
	require.NotNil(t, linkNotify)
	assert.Equal(t, []byte{0x42}, linkNotify.NotificationData)

	// nothing installed after the first round trip
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))
	assert.Empty(t, kernel.SAs)

	// follow-up round carries the echoed token
	followupRequest := newRequest(ike_message.IKE_FOLLOWUP_KE, 2)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(followupRequest))
	assert.Equal(t, uint8(ike_message.IKE_FOLLOWUP_KE), followupRequest.ExchangeType)
	echoed := findNotify(followupRequest, ike_message.ADDITIONAL_KEY_EXCHANGE)
	require.NotNil(t, echoed)
	assert.Equal(t, linkNotify.NotificationData, echoed.NotificationData)

	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(followupRequest))
	followupResponse := newResponse(ike_message.IKE_FOLLOWUP_KE, 2)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(followupResponse))
	require.Equal(t, secgw_context.StatusSuccess, initiator.Process(followupResponse))

	require.True(t, initiator.Established())
	require.True(t, responder.Established())
	assert.Len(t, kernel.InstalledFor(initiator.GetChild().InboundSPI), 2)
}

func TestResponderRejectsBadLinkToken(t *testing.T) {
	setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{
		keMethods:    []uint16{ike_message.KE_CURVE25519},
		additionalKE: []uint16{ike_message.KE_MLKEM_768},
	})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, responder.Build(response))
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))

	// a follow-up with a tampered token is answered with STATE_NOT_FOUND
	followupRequest := newRequest(ike_message.IKE_FOLLOWUP_KE, 2)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(followupRequest))
	tampered := findNotify(followupRequest, ike_message.ADDITIONAL_KEY_EXCHANGE)
	require.NotNil(t, tampered)
	tampered.NotificationData = []byte{0x43}

	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(followupRequest))
	followupResponse := newResponse(ike_message.IKE_FOLLOWUP_KE, 2)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(followupResponse))
	require.NotNil(t, findNotify(followupResponse, ike_message.STATE_NOT_FOUND))
	assert.False(t, responder.Established())
}

func TestInvalidKEPayloadRetry(t *testing.T) {
	setupKernel(t)
	// the initiator prefers MODP-3072, the responder only accepts ECP-256
	initConfig := newChildConfig("net-net", "10.1.0.0/16", "10.2.0.0/16",
		proposalSpec{keMethods: []uint16{ike_message.DH_3072_BIT_MODP, ike_message.KE_ECP_256}})
	respConfig := newChildConfig("net-net", "10.2.0.0/16", "10.1.0.0/16",
		proposalSpec{keMethods: []uint16{ike_message.KE_ECP_256}})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))

	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(response))
	invalidKE := findNotify(response, ike_message.INVALID_KE_PAYLOAD)
	require.NotNil(t, invalidKE)
	assert.Equal(t, []byte{0x00, 0x13}, invalidKE.NotificationData)

	// the initiator migrates back into the queue and retries once
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))
	assert.Same(t, initiator, initSA.DequeueTask())

	retryResponder := NewResponder(respSA)
	status, _ := runCreateChild(t, initiator, retryResponder)
	require.Equal(t, secgw_context.StatusSuccess, status)
	assert.True(t, initiator.Established())
}

func TestSecondInvalidKEPayloadAbandons(t *testing.T) {
	setupKernel(t)
	initConfig := newChildConfig("net-net", "10.1.0.0/16", "10.2.0.0/16",
		proposalSpec{keMethods: []uint16{ike_message.DH_3072_BIT_MODP, ike_message.KE_ECP_256}})
	respConfig := newChildConfig("net-net", "10.2.0.0/16", "10.1.0.0/16",
		proposalSpec{keMethods: []uint16{ike_message.KE_ECP_256}})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(response))
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))
	initSA.DequeueTask()

	retryRequest := newRequest(ike_message.CREATE_CHILD_SA, 2)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(retryRequest))

	// a second INVALID_KE_PAYLOAD terminates the task with no CHILD_SA
	secondResponse := newResponse(ike_message.CREATE_CHILD_SA, 2)
	secondResponse.Payloads.BuildNotifyInvalidKEPayload(ike_message.KE_CURVE25519)
	require.Equal(t, secgw_context.StatusSuccess, initiator.Process(secondResponse))
	assert.False(t, initiator.Established())
}

func TestTransportModeWithNATSubstitution(t *testing.T) {
	kernel := setupKernel(t)
	respConfig := newChildConfig("host-host", "dynamic", "dynamic", proposalSpec{})
	respConfig.Mode = secgw_context.ModeTransport
	_, respSA := newIKESAPair(respConfig)
	respSA.SetCondition(secgw_context.CondNATThere)

	responder := NewResponder(respSA)

	// the peer offers its pre-NAT inner address as TSi
	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	securityAssociation := request.Payloads.BuildSecurityAssociation()
	offered := respConfig.GetProposals(false)
	offered[0].SetSPI(0x22334455)
	securityAssociation.Proposals = offered
	request.Payloads.BuildNonce([]byte("initiator-nonce-transport-mode!!"))
	tsiPayload := request.Payloads.BuildTrafficSelectorInitiator()
	tsiPayload.TrafficSelectors = append(tsiPayload.TrafficSelectors,
		ts.NewSelectorFromHost(net.ParseIP("10.0.0.5")).ToMessage())
	tsrPayload := request.Payloads.BuildTrafficSelectorResponder()
	tsrPayload.TrafficSelectors = append(tsrPayload.TrafficSelectors,
		ts.NewSelectorFromHost(responderAddr.IP).ToMessage())
	request.Payloads.BuildNotification(ike_message.TypeNone, ike_message.USE_TRANSPORT_MODE, nil, nil)

	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(response))

	require.NotNil(t, findNotify(response, ike_message.USE_TRANSPORT_MODE))
	require.True(t, responder.Established())

	child := responder.GetChild()
	assert.Equal(t, secgw_context.ModeTransport, child.Mode)
	// the NATed selector was substituted with the IKE endpoint address
	require.Len(t, child.OutboundTrafficSelectors, 1)
	assert.True(t, child.OutboundTrafficSelectors[0].IsHost(initiatorAddr.IP))
	assert.Len(t, kernel.InstalledFor(child.InboundSPI), 2)
}

func TestTemporaryFailureSchedulesRetry(t *testing.T) {
	setupKernel(t)
	initConfig, _ := mirroredConfigs(proposalSpec{})
	initSA, _ := newIKESAPair(nil)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	initiator.UseReqid(7)
	initiator.UseMarks(0x10, 0x20)
	initiator.UseIfIDs(3, 4)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))

	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	response.Payloads.BuildNotification(ike_message.TypeNone, ike_message.TEMPORARY_FAILURE, nil, nil)
	require.Equal(t, secgw_context.StatusSuccess, initiator.Process(response))
	assert.False(t, initiator.Established())

	// the delayed clone enters the queue within the retry interval
	var retryTask secgw_context.Task
	require.Eventually(t, func() bool {
		retryTask = initSA.DequeueTask()
		return retryTask != nil
	}, time.Second, 5*time.Millisecond)

	cloned, ok := retryTask.(*ChildCreate)
	require.True(t, ok)
	assert.Equal(t, uint32(7), cloned.reqid)
	assert.Equal(t, uint32(0x10), cloned.markIn)
	assert.Equal(t, uint32(0x20), cloned.markOut)
	assert.Equal(t, uint32(3), cloned.ifIDIn)
	assert.Equal(t, uint32(4), cloned.ifIDOut)
}

func TestDuplicateSuppressesExchange(t *testing.T) {
	setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{})
	initSA, respSA := newIKESAPair(respConfig)

	first := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)
	status, _ := runCreateChild(t, first, responder)
	require.Equal(t, secgw_context.StatusSuccess, status)
	require.True(t, first.Established())

	// a second initiation with an equal CHILD_SA emits no wire message
	second := NewInitiator(initSA, initConfig, false, nil, nil)
	request := newRequest(ike_message.CREATE_CHILD_SA, 2)
	require.Equal(t, secgw_context.StatusSuccess, second.Build(request))
	assert.Equal(t, uint8(ike_message.EXCHANGE_TYPE_UNDEFINED), request.ExchangeType)
	assert.Empty(t, request.Payloads)
}

func TestAbortSendsDelete(t *testing.T) {
	setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(response))

	initiator.Abort()
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))

	deleteMessage := newRequest(ike_message.INFORMATIONAL, 2)
	require.Equal(t, secgw_context.StatusSuccess, initiator.Build(deleteMessage))
	assert.Equal(t, uint8(ike_message.INFORMATIONAL), deleteMessage.ExchangeType)

	var deletePayload *ike_message.Delete
	for _, payload := range deleteMessage.Payloads {
		if payload.Type() == ike_message.TypeD {
			deletePayload = payload.(*ike_message.Delete)
		}
	}
	require.NotNil(t, deletePayload)
	assert.Equal(t, uint8(ike_message.TypeESP), deletePayload.ProtocolID)
	assert.Equal(t, uint16(1), deletePayload.NumberOfSPI)
}

func TestChildErrorNotifyAbandonsChildKeepsIKE(t *testing.T) {
	setupKernel(t)
	initConfig, _ := mirroredConfigs(proposalSpec{})
	initSA, _ := newIKESAPair(nil)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))

	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	response.Payloads.BuildNotification(ike_message.TypeNone, ike_message.TS_UNACCEPTABLE, nil, nil)
	assert.Equal(t, secgw_context.StatusSuccess, initiator.Process(response))
	assert.False(t, initiator.Established())
}

func TestChildlessForceAgainstUnsupportingPeer(t *testing.T) {
	setupKernel(t)
	initConfig, _ := mirroredConfigs(proposalSpec{})
	initSA, _ := newIKESAPair(nil)
	initSA.IKEConfig = &secgw_context.IKEConfig{Childless: secgw_context.ChildlessForce}

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	request := newRequest(ike_message.IKE_AUTH, 1)
	assert.Equal(t, secgw_context.StatusDestroyMe, initiator.Build(request))
}

func TestChildlessPreferDefers(t *testing.T) {
	setupKernel(t)
	initConfig, _ := mirroredConfigs(proposalSpec{})
	initSA, _ := newIKESAPair(nil)
	initSA.IKEConfig = &secgw_context.IKEConfig{Childless: secgw_context.ChildlessPrefer}
	initSA.EnableExtension(secgw_context.ExtIkeChildless)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	request := newRequest(ike_message.IKE_AUTH, 1)
	assert.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	assert.Empty(t, request.Payloads)
}

func TestGetLowerNonce(t *testing.T) {
	childCreate := &ChildCreate{
		myNonce:    []byte{0x01, 0x02},
		otherNonce: []byte{0x01, 0x03},
	}
	assert.Equal(t, childCreate.myNonce, childCreate.GetLowerNonce())

	childCreate.myNonce = []byte{0x02, 0x00}
	assert.Equal(t, childCreate.otherNonce, childCreate.GetLowerNonce())

	// a tie on the common prefix resolves to our nonce
	childCreate.myNonce = []byte{0x01, 0x03, 0xff}
	assert.Equal(t, childCreate.myNonce, childCreate.GetLowerNonce())
}

func TestUseReqidIgnoresFailingReservation(t *testing.T) {
	kernel := setupKernel(t)
	kernel.ReqidFailures = map[uint32]bool{99: true}
	initConfig, _ := mirroredConfigs(proposalSpec{})
	initSA, _ := newIKESAPair(nil)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	initiator.UseReqid(99)
	assert.Zero(t, initiator.reqid)

	initiator.UseReqid(42)
	assert.Equal(t, uint32(42), initiator.reqid)
}

func TestInstallFailureDeletesSA(t *testing.T) {
	kernel := setupKernel(t)
	initConfig, respConfig := mirroredConfigs(proposalSpec{})
	initSA, respSA := newIKESAPair(respConfig)

	initiator := NewInitiator(initSA, initConfig, false, nil, nil)
	responder := NewResponder(respSA)

	request := newRequest(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Build(request))
	require.Equal(t, secgw_context.StatusNeedMore, responder.Process(request))
	response := newResponse(ike_message.CREATE_CHILD_SA, 1)
	require.Equal(t, secgw_context.StatusSuccess, responder.Build(response))

	// only the initiator's kernel install fails
	kernel.FailInstall = true

	// the install fails, the initiator turns into a DELETE for its SPI
	require.Equal(t, secgw_context.StatusNeedMore, initiator.Process(response))
	assert.False(t, initiator.Established())

	deleteMessage := newRequest(ike_message.INFORMATIONAL, 2)
	require.Equal(t, secgw_context.StatusSuccess, initiator.Build(deleteMessage))
	var hasDelete bool
	for _, payload := range deleteMessage.Payloads {
		if payload.Type() == ike_message.TypeD {
			hasDelete = true
		}
	}
	assert.True(t, hasDelete)
}
