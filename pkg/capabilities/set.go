// Package capabilities tracks the named permissions an agent holds. A capability
// is either Attested or Unattested; a name never attested is Unattested. Nothing
// is granted implicitly.
package capabilities

import (
	"fmt"
	"sort"
	"sync"
)

// Capability names required by the kernel for privileged actions.
const (
	PaymentInitiate = "payment.initiate"
	PaymentReceive  = "payment.receive"
	InvoiceIssue    = "invoice.issue"
	EscrowRelease   = "escrow.release"
	EscrowResolve   = "escrow.resolve"
	ServiceDeliver  = "service.deliver"
)

// Known lists the capability names the kernel checks, in a stable order.
func Known() []string {
	return []string{PaymentInitiate, PaymentReceive, InvoiceIssue, EscrowRelease, EscrowResolve, ServiceDeliver}
}

// Status is the attestation state of a capability.
type Status int

const (
	Unattested Status = iota
	Attested
)

func (s Status) String() string {
	if s == Attested {
		return "attested"
	}
	return "unattested"
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "attested" or "unattested".
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "attested":
		*s = Attested
	case "unattested":
		*s = Unattested
	default:
		return fmt.Errorf("capabilities: unknown status %q", b)
	}
	return nil
}

// NotAttestedError is returned by Require for a capability that is not attested.
type NotAttestedError struct {
	Name string
}

func (e *NotAttestedError) Error() string {
	return fmt.Sprintf("capability %q not attested", e.Name)
}

// Set maps capability names to their status. Lookups are exact and case-sensitive.
type Set struct {
	mu     sync.RWMutex
	status map[string]Status
}

// NewSet returns a set with the given names attested.
func NewSet(attested ...string) *Set {
	s := &Set{status: make(map[string]Status, len(attested))}
	for _, name := range attested {
		s.status[name] = Attested
	}
	return s
}

// Attest marks name attested. It reports whether the status changed.
func (s *Set) Attest(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[name] == Attested {
		return false
	}
	s.status[name] = Attested
	return true
}

// Revoke marks name unattested. It reports whether the status changed.
func (s *Set) Revoke(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.status[name]
	s.status[name] = Unattested
	return ok && prev == Attested
}

// Require returns *NotAttestedError unless name is attested.
func (s *Set) Require(name string) error {
	if s.Status(name) != Attested {
		return &NotAttestedError{Name: name}
	}
	return nil
}

// Status returns the status of name.
func (s *Set) Status(name string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[name]
}

// Snapshot returns a copy of every recorded status, including revoked names.
func (s *Set) Snapshot() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Attested returns the attested names, sorted.
func (s *Set) Attested() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, v := range s.status {
		if v == Attested {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	return &Set{status: s.Snapshot()}
}
