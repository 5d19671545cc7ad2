package factory

import (
	"fmt"
	"net"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/vpnsetup/secgw/pkg/context"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

const (
	SecgwDefaultConfigPath     = "./config/secgwcfg.yaml"
	SecgwExpectedConfigVersion = "1.0.1"
)

type Config struct {
	Info          *Info          `yaml:"info" valid:"required"`
	Configuration *Configuration `yaml:"configuration" valid:"required"`
}

type Info struct {
	Version     string `yaml:"version,omitempty" valid:"type(string)"`
	Description string `yaml:"description,omitempty" valid:"optional"`
}

type Configuration struct {
	IKEBindAddress string `yaml:"ikeBindAddress" valid:"host,required"`

	AcceptPrivateAlgs         bool `yaml:"acceptPrivateAlgs" valid:"optional"`
	PreferConfiguredProposals bool `yaml:"preferConfiguredProposals" valid:"optional"`
	CloseIkeOnChildFailure    bool `yaml:"closeIkeOnChildFailure" valid:"optional"`
	InactivityCloseIke        bool `yaml:"inactivityCloseIke" valid:"optional"`

	RetryIntervalSec int `yaml:"retryIntervalSec" valid:"optional"`
	RetryJitterSec   int `yaml:"retryJitterSec" valid:"optional"`

	Connections []Connection `yaml:"connections" valid:"optional"`
}

type Connection struct {
	Name      string  `yaml:"name" valid:"type(string),required"`
	Childless string  `yaml:"childless" valid:"in(never|allow|prefer|force),optional"`
	Children  []Child `yaml:"children" valid:"optional"`
}

type Child struct {
	Name          string     `yaml:"name" valid:"type(string),required"`
	Mode          string     `yaml:"mode" valid:"in(tunnel|transport|beet),optional"`
	Proposals     []Proposal `yaml:"proposals" valid:"required"`
	LocalTS       []string   `yaml:"localTS" valid:"optional"`
	RemoteTS      []string   `yaml:"remoteTS" valid:"optional"`
	Label         string     `yaml:"label" valid:"optional"`
	LabelMode     string     `yaml:"labelMode" valid:"in(simple|selinux),optional"`
	InactivitySec int        `yaml:"inactivitySec" valid:"optional"`
	Reqid         uint32     `yaml:"reqid" valid:"optional"`
	IPComp        bool       `yaml:"ipcomp" valid:"optional"`
	ProxyMode     bool       `yaml:"proxyMode" valid:"optional"`
}

type Proposal struct {
	Encryption   string   `yaml:"encryption" valid:"type(string),required"`
	Integrity    string   `yaml:"integrity" valid:"optional"`
	KeyExchange  string   `yaml:"keyExchange" valid:"optional"`
	AdditionalKE []string `yaml:"additionalKE" valid:"optional"`
}

func (c *Config) Validate() (bool, error) {
	govalidator.TagMap["host"] = func(str string) bool {
		return govalidator.IsIP(str) || govalidator.IsDNSName(str)
	}
	if configuration := c.Configuration; configuration != nil {
		if result, err := configuration.validate(); !result {
			return result, err
		}
	}
	return govalidator.ValidateStruct(c)
}

func (c *Configuration) validate() (bool, error) {
	for _, connection := range c.Connections {
		for _, child := range connection.Children {
			for _, cidr := range append(append([]string(nil), child.LocalTS...), child.RemoteTS...) {
				if cidr == "dynamic" {
					continue
				}
				if _, _, err := net.ParseCIDR(cidr); err != nil {
					return false, fmt.Errorf("invalid traffic selector %q: %+v", cidr, err)
				}
			}
		}
	}
	return govalidator.ValidateStruct(c)
}

func (c *Config) GetVersion() string {
	if c.Info != nil && c.Info.Version != "" {
		return c.Info.Version
	}
	return ""
}

var encryptionNames = map[string]struct {
	id     uint16
	keyLen uint16
}{
	"null":   {ike_message.ENCR_NULL, 0},
	"3des":   {ike_message.ENCR_3DES, 0},
	"aes128": {ike_message.ENCR_AES_CBC, 128},
	"aes192": {ike_message.ENCR_AES_CBC, 192},
	"aes256": {ike_message.ENCR_AES_CBC, 256},
}

var integrityNames = map[string]uint16{
	"md5":    ike_message.AUTH_HMAC_MD5_96,
	"sha1":   ike_message.AUTH_HMAC_SHA1_96,
	"sha256": ike_message.AUTH_HMAC_SHA2_256_128,
	"sha512": ike_message.AUTH_HMAC_SHA2_512_256,
}

var keyExchangeNames = map[string]uint16{
	"modp2048": ike_message.DH_2048_BIT_MODP,
	"modp3072": ike_message.DH_3072_BIT_MODP,
	"ecp256":   ike_message.KE_ECP_256,
	"x25519":   ike_message.KE_CURVE25519,
	"mlkem768": ike_message.KE_MLKEM_768,
}

func (p *Proposal) toTemplate(number uint8) (*ike_message.Proposal, error) {
	proposal := &ike_message.Proposal{
		ProposalNumber: number,
		ProtocolID:     ike_message.TypeESP,
	}

	encryption, ok := encryptionNames[p.Encryption]
	if !ok {
		return nil, fmt.Errorf("unknown encryption algorithm %q", p.Encryption)
	}
	if encryption.keyLen != 0 {
		attributeType := uint16(ike_message.AttributeTypeKeyLength)
		attributeValue := encryption.keyLen
		proposal.EncryptionAlgorithm.BuildTransform(
			ike_message.TypeEncryptionAlgorithm, encryption.id, &attributeType, &attributeValue, nil)
	} else {
		proposal.EncryptionAlgorithm.BuildTransform(
			ike_message.TypeEncryptionAlgorithm, encryption.id, nil, nil, nil)
	}

	if p.Integrity != "" {
		integrity, integrityOk := integrityNames[p.Integrity]
		if !integrityOk {
			return nil, fmt.Errorf("unknown integrity algorithm %q", p.Integrity)
		}
		proposal.IntegrityAlgorithm.BuildTransform(
			ike_message.TypeIntegrityAlgorithm, integrity, nil, nil, nil)
	}

	if p.KeyExchange != "" {
		keyExchange, keOk := keyExchangeNames[p.KeyExchange]
		if !keOk {
			return nil, fmt.Errorf("unknown key exchange method %q", p.KeyExchange)
		}
		proposal.KeyExchangeMethod.BuildTransform(
			ike_message.TypeKeyExchangeMethod, keyExchange, nil, nil, nil)
	}

	if len(p.AdditionalKE) > 7 {
		return nil, fmt.Errorf("at most 7 additional key exchanges are supported")
	}
	for index, name := range p.AdditionalKE {
		keyExchange, keOk := keyExchangeNames[name]
		if !keOk {
			return nil, fmt.Errorf("unknown additional key exchange method %q", name)
		}
		transformType := uint8(ike_message.TypeAdditionalKeyExchange1 + index)
		proposal.AdditionalKeyExchanges[index].BuildTransform(
			transformType, keyExchange, nil, nil, nil)
	}

	proposal.ExtendedSequenceNumbers.BuildTransform(
		ike_message.TypeExtendedSequenceNumbers, ike_message.ESN_DISABLE, nil, nil, nil)

	return proposal, nil
}

func parseSelectors(list []string) ([]*ts.Selector, error) {
	var selectors []*ts.Selector
	for _, entry := range list {
		if entry == "dynamic" {
			selectors = append(selectors, ts.NewDynamicSelector())
			continue
		}
		_, subnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid traffic selector %q: %+v", entry, err)
		}
		selectors = append(selectors, ts.NewSelectorFromSubnet(subnet, 0, 0, 65535))
	}
	if len(selectors) == 0 {
		selectors = append(selectors, ts.NewDynamicSelector())
	}
	return selectors, nil
}

func (child *Child) toChildConfig() (*context.ChildConfig, error) {
	config := &context.ChildConfig{
		Name:       child.Name,
		Mode:       context.ModeTunnel,
		Label:      child.Label,
		Inactivity: time.Duration(child.InactivitySec) * time.Second,
	}
	switch child.Mode {
	case "transport":
		config.Mode = context.ModeTransport
	case "beet":
		config.Mode = context.ModeBEET
	}
	if child.LabelMode == "selinux" {
		config.LabelMode = context.LabelModeSELinux
	}
	if child.IPComp {
		config.Options |= context.OptIPComp
	}
	if child.ProxyMode {
		config.Options |= context.OptProxyMode
	}
	config.StaticReqid = child.Reqid

	for index, proposal := range child.Proposals {
		template, err := proposal.toTemplate(uint8(index + 1))
		if err != nil {
			return nil, err
		}
		config.Proposals = append(config.Proposals, template)
		if config.PreferredKEMethod == ike_message.KE_NONE {
			if method, ok := template.GetTransform(ike_message.TypeKeyExchangeMethod); ok {
				config.PreferredKEMethod = method
			}
		}
	}

	var err error
	if config.LocalTS, err = parseSelectors(child.LocalTS); err != nil {
		return nil, err
	}
	if config.RemoteTS, err = parseSelectors(child.RemoteTS); err != nil {
		return nil, err
	}
	return config, nil
}

// Apply installs the parsed configuration into the gateway context.
func (c *Config) Apply(secgwContext *context.SecgwContext) error {
	configuration := c.Configuration

	secgwContext.IKEBindAddress = configuration.IKEBindAddress
	secgwContext.Settings.AcceptPrivateAlgs = configuration.AcceptPrivateAlgs
	secgwContext.Settings.PreferConfiguredProposals = configuration.PreferConfiguredProposals
	secgwContext.Settings.CloseIkeOnChildFailure = configuration.CloseIkeOnChildFailure
	secgwContext.Settings.InactivityCloseIke = configuration.InactivityCloseIke
	if configuration.RetryIntervalSec > 0 {
		secgwContext.Settings.RetryInterval = time.Duration(configuration.RetryIntervalSec) * time.Second
	}
	if configuration.RetryJitterSec > 0 {
		secgwContext.Settings.RetryJitter = time.Duration(configuration.RetryJitterSec) * time.Second
	}
	return nil
}

// PeerConfigs converts the connection entries to context peer configs.
func (c *Config) PeerConfigs() ([]*context.PeerConfig, error) {
	var peerConfigs []*context.PeerConfig
	for _, connection := range c.Configuration.Connections {
		peerConfig := &context.PeerConfig{
			Name:      connection.Name,
			IKEConfig: &context.IKEConfig{},
		}
		switch connection.Childless {
		case "allow":
			peerConfig.IKEConfig.Childless = context.ChildlessAllow
		case "prefer":
			peerConfig.IKEConfig.Childless = context.ChildlessPrefer
		case "force":
			peerConfig.IKEConfig.Childless = context.ChildlessForce
		}
		for _, child := range connection.Children {
			childConfig, err := child.toChildConfig()
			if err != nil {
				return nil, fmt.Errorf("connection %q: %+v", connection.Name, err)
			}
			peerConfig.ChildConfigs = append(peerConfig.ChildConfigs, childConfig)
		}
		peerConfigs = append(peerConfigs, peerConfig)
	}
	return peerConfigs, nil
}
