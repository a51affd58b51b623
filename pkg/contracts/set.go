// Package contracts evaluates declarative spend and outcome clauses. A contract
// set is ordered; a payment or outcome must satisfy every contract, and the first
// contract that rejects determines the error.
package contracts

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmptyName     = errors.New("contracts: contract name is required")
	ErrDuplicateName = errors.New("contracts: duplicate contract name")
	ErrNegativeSpend = errors.New("contracts: max_spend must not be negative")
)

// Contract is a set of clauses. Empty AllowedAssets or AllowedOutcomes means no
// restriction; a nil MaxSpend means no ceiling.
type Contract struct {
	Name              string   `json:"name" yaml:"name"`
	MaxSpend          *int64   `json:"max_spend,omitempty" yaml:"max_spend,omitempty"`
	AllowedAssets     []string `json:"allowed_assets,omitempty" yaml:"allowed_assets,omitempty"`
	RequireReversible bool     `json:"require_reversible,omitempty" yaml:"require_reversible,omitempty"`
	AllowedOutcomes   []string `json:"allowed_outcomes,omitempty" yaml:"allowed_outcomes,omitempty"`
}

// SpendCeiling returns a pointer to v for use as MaxSpend.
func SpendCeiling(v int64) *int64 { return &v }

// Validate checks the contract is well formed.
func (c Contract) Validate() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if c.MaxSpend != nil && *c.MaxSpend < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeSpend, c.Name)
	}
	return nil
}

func (c Contract) clone() Contract {
	out := c
	if c.MaxSpend != nil {
		out.MaxSpend = SpendCeiling(*c.MaxSpend)
	}
	out.AllowedAssets = append([]string(nil), c.AllowedAssets...)
	out.AllowedOutcomes = append([]string(nil), c.AllowedOutcomes...)
	return out
}

// checkPayment returns the violated clause, or "".
func (c Contract) checkPayment(amount int64, asset string, reversible bool) string {
	if c.MaxSpend != nil && amount > *c.MaxSpend {
		return fmt.Sprintf("amount %d exceeds max_spend %d", amount, *c.MaxSpend)
	}
	if len(c.AllowedAssets) > 0 && !contains(c.AllowedAssets, asset) {
		return fmt.Sprintf("asset %q not in allowed_assets", asset)
	}
	if c.RequireReversible && !reversible {
		return "irreversible payment violates require_reversible"
	}
	return ""
}

func (c Contract) checkOutcome(tag string) string {
	if len(c.AllowedOutcomes) > 0 && !contains(c.AllowedOutcomes, tag) {
		return fmt.Sprintf("outcome %q not in allowed_outcomes", tag)
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ViolationError names the first contract that rejected and the clause it failed.
type ViolationError struct {
	Contract string
	Reason   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("contract %q violated: %s", e.Contract, e.Reason)
}

// Set is an ordered list of contracts.
type Set struct {
	mu    sync.RWMutex
	items []Contract
}

// NewSet builds a set from cs in order.
func NewSet(cs ...Contract) (*Set, error) {
	s := &Set{}
	if err := s.Replace(cs); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends c. Names are unique within a set.
func (s *Set) Add(c Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, c.Name)
		}
	}
	s.items = append(s.items, c.clone())
	return nil
}

// Remove deletes the contract called name. It reports whether one was removed.
func (s *Set) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.items {
		if c.Name == name {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps the whole list. On error the set is unchanged.
func (s *Set) Replace(cs []Contract) error {
	seen := make(map[string]bool, len(cs))
	items := make([]Contract, 0, len(cs))
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, c.Name)
		}
		seen[c.Name] = true
		items = append(items, c.clone())
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// List returns copies of the contracts in order.
func (s *Set) List() []Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contract, len(s.items))
	for i, c := range s.items {
		out[i] = c.clone()
	}
	return out
}

// Len returns the number of contracts.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// EnforcePayment checks a payment against every contract in order.
func (s *Set) EnforcePayment(amount int64, asset string, reversible bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		if reason := c.checkPayment(amount, asset, reversible); reason != "" {
			return &ViolationError{Contract: c.Name, Reason: reason}
		}
	}
	return nil
}

// EnforceOutcome checks an outcome tag against every contract in order.
func (s *Set) EnforceOutcome(tag string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		if reason := c.checkOutcome(tag); reason != "" {
			return &ViolationError{Contract: c.Name, Reason: reason}
		}
	}
	return nil
}
