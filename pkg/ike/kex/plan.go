package kex

import (
	"github.com/pkg/errors"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

// MaxAdditionalKeyExchanges is the number of ADDITIONAL_KEY_EXCHANGE
// transform types defined by the protocol.
const MaxAdditionalKeyExchanges = 7

// MaxKeyExchanges includes the initial key exchange, if any.
const MaxKeyExchanges = MaxAdditionalKeyExchanges + 1

// Slot is one entry of the key exchange plan.
type Slot struct {
	TransformType uint8
	Method        uint16
	Done          bool
}

// Plan is the ordered sequence of key exchanges a selected proposal asks
// for. Slot 0 holds the KEY_EXCHANGE_METHOD, slots 1..7 the additional
// methods in transform type order. An empty plan means no PFS.
type Plan struct {
	slots [MaxKeyExchanges]Slot
	index int

	// sessions completed so far, in slot order
	completed []Session
}

// PlanFromProposal scans the proposal for key exchange transforms. The
// additional exchanges have to form a gapless prefix starting at
// ADDITIONAL_KEY_EXCHANGE_1 and require a primary method.
func PlanFromProposal(proposal *ike_message.Proposal) (*Plan, error) {
	plan := new(Plan)

	primary, havePrimary := proposal.GetTransform(ike_message.TypeKeyExchangeMethod)
	if havePrimary {
		plan.slots[0] = Slot{
			TransformType: ike_message.TypeKeyExchangeMethod,
			Method:        primary,
		}
	}

	slot := 1
	sawAbsent := false
	for transformType := uint8(ike_message.TypeAdditionalKeyExchange1); transformType <= ike_message.TypeAdditionalKeyExchange7; transformType++ {
		method, ok := proposal.GetTransform(transformType)
		if !ok {
			sawAbsent = true
			continue
		}
		if sawAbsent {
			return nil, errors.Errorf("additional key exchange transforms have a gap before type %d", transformType)
		}
		if !havePrimary {
			return nil, errors.New("additional key exchange without a primary key exchange method")
		}
		plan.slots[slot] = Slot{TransformType: transformType, Method: method}
		slot++
	}

	return plan, nil
}

// Empty reports whether the plan requests no key exchange at all.
func (plan *Plan) Empty() bool {
	return plan.slots[0].TransformType == 0
}

// Current returns the slot the negotiation is at.
func (plan *Plan) Current() Slot {
	return plan.slots[plan.index]
}

// MoreRequired reports whether any slot from the current one on is still
// unfinished.
func (plan *Plan) MoreRequired() bool {
	for i := plan.index; i < MaxKeyExchanges; i++ {
		if plan.slots[i].TransformType != 0 && !plan.slots[i].Done {
			return true
		}
	}
	return false
}

// Complete marks the current slot done and appends the session to the
// completion list. Returns true when every planned exchange is finished.
func (plan *Plan) Complete(session Session) bool {
	if session != nil {
		plan.slots[plan.index].Done = true
		plan.index++
		plan.completed = append(plan.completed, session)
	}
	return !plan.MoreRequired()
}

// Sessions returns the completed sessions in slot order: the primary
// exchange first, then the additional ones. The concatenation of their
// shared secrets drives the key derivation.
func (plan *Plan) Sessions() []Session {
	return plan.completed
}

// Reset clears every slot and drops the completed sessions, used when a
// task migrates back into the queue for a retry.
func (plan *Plan) Reset() {
	*plan = Plan{}
}
