package context

import (
	"net"
	"time"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

// ChildOption is a policy flag on a child configuration.
type ChildOption uint32

const (
	// Accept transport mode selectors that do not match the IKE endpoints
	OptProxyMode ChildOption = 1 << iota
	// Propose IPComp compression
	OptIPComp
)

// LabelMode controls how security labels are negotiated.
type LabelMode int

const (
	// LabelModeSimple proposes the configured label as is
	LabelModeSimple LabelMode = iota
	// LabelModeSELinux treats the configured label as generic, specific
	// labels come from acquires
	LabelModeSELinux
)

// IKEConfig is the part of the IKE configuration the child creation task
// consults.
type IKEConfig struct {
	Childless ChildlessPolicy
}

// ChildConfig is an immutable child SA policy record.
type ChildConfig struct {
	Name string

	// Proposal templates without SPIs
	Proposals ike_message.ProposalContainer

	Mode    IPsecMode
	Options ChildOption

	Label     string
	LabelMode LabelMode

	// Close the CHILD_SA after this idle period, zero disables
	Inactivity time.Duration

	// Static reqid, zero lets the kernel allocate one
	StaticReqid uint32

	// Preferred primary key exchange method, zero for no PFS preference
	PreferredKEMethod uint16

	// Traffic selector templates
	LocalTS  []*ts.Selector
	RemoteTS []*ts.Selector
}

func (config *ChildConfig) HasOption(option ChildOption) bool {
	return config.Options&option != 0
}

// GetProposals clones the configured proposal templates. With noKE set the
// key exchange transforms are stripped, as in IKE_AUTH where the SA keys
// derive from the IKE_SA's exchange.
func (config *ChildConfig) GetProposals(noKE bool) ike_message.ProposalContainer {
	var proposals ike_message.ProposalContainer
	for index, template := range config.Proposals {
		proposal := template.Clone()
		proposal.ProposalNumber = uint8(index + 1)
		if noKE {
			proposal.KeyExchangeMethod = nil
			for i := range proposal.AdditionalKeyExchanges {
				proposal.AdditionalKeyExchanges[i] = nil
			}
		}
		proposals = append(proposals, proposal)
	}
	return proposals
}

// SelectProposal matches the supplied proposals against the configured
// ones under the given selection flags.
func (config *ChildConfig) SelectProposal(supplied ike_message.ProposalContainer, flags int) *ike_message.Proposal {
	return ike_message.SelectProposal(config.GetProposals(false), supplied, flags)
}

// GetTrafficSelectors narrows the supplied selectors against the
// configured templates and the dynamic hosts. A nil supplied list returns
// the expanded templates for the initial offer.
func (config *ChildConfig) GetTrafficSelectors(local bool, supplied []*ts.Selector, hosts []net.IP) []*ts.Selector {
	templates := config.LocalTS
	if !local {
		templates = config.RemoteTS
	}
	return ts.Narrow(templates, hosts, supplied)
}

// SelectLabel picks the security label for one side from the label hints
// carried in its traffic selectors. All hints have to agree; in simple
// mode a configured label additionally has to match the hint.
func (config *ChildConfig) SelectLabel(hints []string) (string, bool) {
	selected := ""
	for _, hint := range hints {
		if hint == "" {
			continue
		}
		if selected != "" && selected != hint {
			return "", false
		}
		selected = hint
	}
	if selected == "" {
		if config.LabelMode == LabelModeSimple {
			return config.Label, true
		}
		return "", true
	}
	if config.Label != "" && config.LabelMode == LabelModeSimple && config.Label != selected {
		return "", false
	}
	return selected, true
}

func selectorTemplatesEqual(a, b []*ts.Selector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Dynamic != b[i].Dynamic {
			return false
		}
		if !a[i].Dynamic && !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Equals compares two configurations, used by the duplicate check.
func (config *ChildConfig) Equals(other *ChildConfig) bool {
	if config == other {
		return true
	}
	if config == nil || other == nil {
		return false
	}
	if config.Name != other.Name ||
		config.Mode != other.Mode ||
		config.Options != other.Options ||
		config.Label != other.Label ||
		config.LabelMode != other.LabelMode ||
		config.StaticReqid != other.StaticReqid ||
		config.PreferredKEMethod != other.PreferredKEMethod {
		return false
	}
	if len(config.Proposals) != len(other.Proposals) {
		return false
	}
	for i := range config.Proposals {
		if !config.Proposals[i].Equal(other.Proposals[i]) {
			return false
		}
	}
	return selectorTemplatesEqual(config.LocalTS, other.LocalTS) &&
		selectorTemplatesEqual(config.RemoteTS, other.RemoteTS)
}

// PeerConfig groups the child configurations negotiable under one IKE_SA.
type PeerConfig struct {
	Name         string
	IKEConfig    *IKEConfig
	ChildConfigs []*ChildConfig
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

// SelectChildConfig finds the first child configuration whose templates
// yield a non-empty narrowing for both sides of the received selectors and
// whose label policy accepts the proposed labels.
func (peerConfig *PeerConfig) SelectChildConfig(
	localTS, remoteTS []*ts.Selector, localHosts, remoteHosts []net.IP,
) *ChildConfig {
	for _, config := range peerConfig.ChildConfigs {
		mine := config.GetTrafficSelectors(true, localTS, localHosts)
		theirs := config.GetTrafficSelectors(false, remoteTS, remoteHosts)
		if len(mine) == 0 || len(theirs) == 0 {
			continue
		}
		if _, ok := config.SelectLabel(labelsOf(localTS)); !ok {
			continue
		}
		if _, ok := config.SelectLabel(labelsOf(remoteTS)); !ok {
			continue
		}
		return config
	}
	return nil
}
