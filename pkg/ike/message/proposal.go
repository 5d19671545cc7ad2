package message

import (
	"encoding/binary"
)

// Proposal selection flags
const (
	// Ignore key exchange transforms when matching proposals
	ProposalSkipKE = 1 << iota
	// Reject proposals containing transforms from the private-use space
	ProposalSkipPrivate
	// Prefer the order of the supplied (peer) proposals over our own
	ProposalPreferSupplied
)

func (proposal *Proposal) allTransforms() []*Transform {
	var transformList []*Transform
	transformList = append(transformList, proposal.EncryptionAlgorithm...)
	transformList = append(transformList, proposal.PseudorandomFunction...)
	transformList = append(transformList, proposal.IntegrityAlgorithm...)
	transformList = append(transformList, proposal.KeyExchangeMethod...)
	transformList = append(transformList, proposal.ExtendedSequenceNumbers...)
	for i := range proposal.AdditionalKeyExchanges {
		transformList = append(transformList, proposal.AdditionalKeyExchanges[i]...)
	}
	return transformList
}

func (proposal *Proposal) transformsOfType(transformType uint8) *TransformContainer {
	switch {
	case transformType == TypeEncryptionAlgorithm:
		return &proposal.EncryptionAlgorithm
	case transformType == TypePseudorandomFunction:
		return &proposal.PseudorandomFunction
	case transformType == TypeIntegrityAlgorithm:
		return &proposal.IntegrityAlgorithm
	case transformType == TypeKeyExchangeMethod:
		return &proposal.KeyExchangeMethod
	case transformType == TypeExtendedSequenceNumbers:
		return &proposal.ExtendedSequenceNumbers
	case transformType >= TypeAdditionalKeyExchange1 && transformType <= TypeAdditionalKeyExchange7:
		return &proposal.AdditionalKeyExchanges[transformType-TypeAdditionalKeyExchange1]
	default:
		return nil
	}
}

// SetSPI overwrites the proposal SPI with a 32-bit value in network order.
func (proposal *Proposal) SetSPI(spi uint32) {
	spiByte := make([]byte, 4)
	binary.BigEndian.PutUint32(spiByte, spi)
	proposal.SPI = spiByte
}

// GetSPI returns the proposal SPI as a 32-bit value, or zero if it has a
// different size.
func (proposal *Proposal) GetSPI() uint32 {
	if len(proposal.SPI) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(proposal.SPI)
}

// GetTransform returns the ID of the first transform of the given type.
func (proposal *Proposal) GetTransform(transformType uint8) (uint16, bool) {
	container := proposal.transformsOfType(transformType)
	if container == nil || len(*container) == 0 {
		return 0, false
	}
	return (*container)[0].TransformID, true
}

// HasTransform checks if a transform of the given type and ID is present.
func (proposal *Proposal) HasTransform(transformType uint8, transformID uint16) bool {
	container := proposal.transformsOfType(transformType)
	if container == nil {
		return false
	}
	for _, transform := range *container {
		if transform.TransformID == transformID {
			return true
		}
	}
	return false
}

// PromoteTransform moves the transform with the given type and ID to the
// front of its group, so it becomes the one sent in the KE payload. Returns
// false if the proposal does not contain it.
func (proposal *Proposal) PromoteTransform(transformType uint8, transformID uint16) bool {
	container := proposal.transformsOfType(transformType)
	if container == nil {
		return false
	}
	for index, transform := range *container {
		if transform.TransformID == transformID {
			promoted := append(TransformContainer{transform}, (*container)[:index]...)
			*container = append(promoted, (*container)[index+1:]...)
			return true
		}
	}
	return false
}

func transformEqual(a, b *Transform) bool {
	return a.TransformType == b.TransformType && a.TransformID == b.TransformID &&
		a.AttributePresent == b.AttributePresent &&
		(!a.AttributePresent || a.AttributeValue == b.AttributeValue)
}

func containerEqual(a, b TransformContainer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !transformEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Equal compares two proposals for identical protocol and transform sets,
// ignoring SPIs and proposal numbers.
func (proposal *Proposal) Equal(other *Proposal) bool {
	if proposal.ProtocolID != other.ProtocolID {
		return false
	}
	if !containerEqual(proposal.EncryptionAlgorithm, other.EncryptionAlgorithm) ||
		!containerEqual(proposal.PseudorandomFunction, other.PseudorandomFunction) ||
		!containerEqual(proposal.IntegrityAlgorithm, other.IntegrityAlgorithm) ||
		!containerEqual(proposal.KeyExchangeMethod, other.KeyExchangeMethod) ||
		!containerEqual(proposal.ExtendedSequenceNumbers, other.ExtendedSequenceNumbers) {
		return false
	}
	for i := range proposal.AdditionalKeyExchanges {
		if !containerEqual(proposal.AdditionalKeyExchanges[i], other.AdditionalKeyExchanges[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the proposal.
func (proposal *Proposal) Clone() *Proposal {
	cloned := &Proposal{
		ProposalNumber: proposal.ProposalNumber,
		ProtocolID:     proposal.ProtocolID,
	}
	cloned.SPI = append(cloned.SPI, proposal.SPI...)
	cloneContainer := func(in TransformContainer) TransformContainer {
		var out TransformContainer
		for _, transform := range in {
			copied := *transform
			copied.VariableLengthAttributeValue = append(
				[]byte(nil), transform.VariableLengthAttributeValue...)
			out = append(out, &copied)
		}
		return out
	}
	cloned.EncryptionAlgorithm = cloneContainer(proposal.EncryptionAlgorithm)
	cloned.PseudorandomFunction = cloneContainer(proposal.PseudorandomFunction)
	cloned.IntegrityAlgorithm = cloneContainer(proposal.IntegrityAlgorithm)
	cloned.KeyExchangeMethod = cloneContainer(proposal.KeyExchangeMethod)
	cloned.ExtendedSequenceNumbers = cloneContainer(proposal.ExtendedSequenceNumbers)
	for i := range proposal.AdditionalKeyExchanges {
		cloned.AdditionalKeyExchanges[i] = cloneContainer(proposal.AdditionalKeyExchanges[i])
	}
	return cloned
}

func (proposal *Proposal) hasPrivateTransform() bool {
	for _, transform := range proposal.allTransforms() {
		if transform.TransformID >= PrivateUseTransformID {
			return true
		}
	}
	return false
}

// isKeTransformType reports whether a transform type is skipped under
// ProposalSkipKE.
func isKeTransformType(transformType uint8) bool {
	return transformType == TypeKeyExchangeMethod ||
		(transformType >= TypeAdditionalKeyExchange1 && transformType <= TypeAdditionalKeyExchange7)
}

// matchProposal intersects a preferred against an other proposal. The result
// carries the other proposal's SPI and number and, per transform type, the
// first transform of the preferred proposal also offered by the other one.
func matchProposal(preferred, other *Proposal, flags int) (*Proposal, bool) {
	if preferred.ProtocolID != other.ProtocolID {
		return nil, false
	}

	selected := &Proposal{
		ProposalNumber: other.ProposalNumber,
		ProtocolID:     other.ProtocolID,
	}
	selected.SPI = append(selected.SPI, other.SPI...)

	types := []uint8{
		TypeEncryptionAlgorithm, TypePseudorandomFunction, TypeIntegrityAlgorithm,
		TypeKeyExchangeMethod, TypeExtendedSequenceNumbers,
		TypeAdditionalKeyExchange1, TypeAdditionalKeyExchange2, TypeAdditionalKeyExchange3,
		TypeAdditionalKeyExchange4, TypeAdditionalKeyExchange5, TypeAdditionalKeyExchange6,
		TypeAdditionalKeyExchange7,
	}
	for _, transformType := range types {
		if (flags&ProposalSkipKE) != 0 && isKeTransformType(transformType) {
			continue
		}
		mine := *preferred.transformsOfType(transformType)
		theirs := *other.transformsOfType(transformType)
		if len(mine) == 0 && len(theirs) == 0 {
			continue
		}
		// a transform type present on one side only fails the proposal pair
		if len(mine) == 0 || len(theirs) == 0 {
			return nil, false
		}
		var chosen *Transform
	match:
		for _, my := range mine {
			for _, their := range theirs {
				if transformEqual(my, their) {
					chosen = my
					break match
				}
			}
		}
		if chosen == nil {
			return nil, false
		}
		copied := *chosen
		*selected.transformsOfType(transformType) = TransformContainer{&copied}
	}

	if len(selected.EncryptionAlgorithm) == 0 {
		return nil, false
	}
	return selected, true
}

// SelectProposal runs proposal selection between our configured proposals
// and the ones supplied by the peer. The returned proposal keeps the
// supplied SPI so the caller can extract the peer SPI before replacing it.
func SelectProposal(configured, supplied ProposalContainer, flags int) *Proposal {
	outer, inner := configured, supplied
	if (flags & ProposalPreferSupplied) != 0 {
		outer, inner = supplied, configured
	}
	for _, preferred := range outer {
		if (flags&ProposalSkipPrivate) != 0 && preferred.hasPrivateTransform() {
			continue
		}
		for _, candidate := range inner {
			if (flags&ProposalSkipPrivate) != 0 && candidate.hasPrivateTransform() {
				continue
			}
			var selected *Proposal
			var ok bool
			if (flags & ProposalPreferSupplied) != 0 {
				// keep preference of the supplied side, SPI of the supplied side
				selected, ok = matchProposal(preferred, candidate, flags)
				if ok {
					selected.SPI = append([]byte(nil), preferred.SPI...)
					selected.ProposalNumber = preferred.ProposalNumber
				}
			} else {
				selected, ok = matchProposal(preferred, candidate, flags)
			}
			if ok {
				return selected
			}
		}
	}
	return nil
}
