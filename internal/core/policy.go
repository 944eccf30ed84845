package core

import (
	"StakeLedger/internal/ledger"
)

// Capability names the privileged actions exposed by the admin surface.
type Capability string

const (
	CapabilityDistribute Capability = "distribute"
	CapabilityPause      Capability = "pause"
	CapabilityRebuild    Capability = "rebuild"
)

// CapabilityPolicy decides whether a caller may exercise a capability.
type CapabilityPolicy interface {
	Allowed(caller ledger.Address, cap Capability) bool
}

// StaticPolicy grants capabilities to a fixed allow-list of addresses.
type StaticPolicy struct {
	grants map[Capability]map[ledger.Address]bool
}

func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{
		grants: make(map[Capability]map[ledger.Address]bool),
	}
}

// Grant adds an address to the allow-list for a capability.
func (p *StaticPolicy) Grant(caller ledger.Address, cap Capability) {
	if p.grants[cap] == nil {
		p.grants[cap] = make(map[ledger.Address]bool)
	}
	p.grants[cap][caller] = true
}

func (p *StaticPolicy) Allowed(caller ledger.Address, cap Capability) bool {
	return p.grants[cap][caller]
}

// AllowAll grants every capability to every caller. Intended for
// development and tests.
type AllowAll struct{}

func (AllowAll) Allowed(ledger.Address, Capability) bool {
	return true
}
