package context

import (
	"sync"

	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

// NarrowPhase identifies the hook point of a narrow notification.
type NarrowPhase int

const (
	NarrowInitiatorPreAuth NarrowPhase = iota
	NarrowInitiatorPreNoAuth
	NarrowInitiatorPostAuth
	NarrowInitiatorPostNoAuth
	NarrowResponder
	NarrowResponderPost
)

// AlertKind classifies alert notifications.
type AlertKind int

const (
	AlertProposalMismatchChild AlertKind = iota
	AlertTSMismatch
	AlertInstallChildSAFailed
	AlertInstallChildPolicyFailed
	AlertKeepOnChildSAFailure
)

// Bus delivers fire-and-forget notifications about negotiation progress.
// Listeners must not block; handlers run on the caller's goroutine.
type Bus struct {
	mu sync.RWMutex

	narrowListeners  []func(phase NarrowPhase, myTS, otherTS []*ts.Selector)
	alertListeners   []func(kind AlertKind, childSA *ChildSecurityAssociation)
	keysListeners    []func(childSA *ChildSecurityAssociation, initiator bool)
	updownListeners  []func(childSA *ChildSecurityAssociation, up bool)
}

func NewBus() *Bus {
	return new(Bus)
}

func (bus *Bus) OnNarrow(listener func(phase NarrowPhase, myTS, otherTS []*ts.Selector)) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.narrowListeners = append(bus.narrowListeners, listener)
}

func (bus *Bus) OnAlert(listener func(kind AlertKind, childSA *ChildSecurityAssociation)) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.alertListeners = append(bus.alertListeners, listener)
}

func (bus *Bus) OnChildKeys(listener func(childSA *ChildSecurityAssociation, initiator bool)) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.keysListeners = append(bus.keysListeners, listener)
}

func (bus *Bus) OnChildUpDown(listener func(childSA *ChildSecurityAssociation, up bool)) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.updownListeners = append(bus.updownListeners, listener)
}

func (bus *Bus) Narrow(phase NarrowPhase, myTS, otherTS []*ts.Selector) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	for _, listener := range bus.narrowListeners {
		listener(phase, myTS, otherTS)
	}
}

func (bus *Bus) Alert(kind AlertKind, childSA *ChildSecurityAssociation) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if len(bus.alertListeners) == 0 {
		logger.ContextLog.Debugf("Alert %d raised", kind)
	}
	for _, listener := range bus.alertListeners {
		listener(kind, childSA)
	}
}

// ChildKeys fires after the keying material was derived and installed.
func (bus *Bus) ChildKeys(childSA *ChildSecurityAssociation, initiator bool) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	for _, listener := range bus.keysListeners {
		listener(childSA, initiator)
	}
}

// ChildUpDown fires when a CHILD_SA goes up or down.
func (bus *Bus) ChildUpDown(childSA *ChildSecurityAssociation, up bool) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	for _, listener := range bus.updownListeners {
		listener(childSA, up)
	}
}
