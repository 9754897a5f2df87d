package refcache

import (
	"fmt"
	"strings"
)

// Permission gates what an actor may do with a cache entry.
type Permission string

const (
	// PermNone grants no access.
	PermNone Permission = "NONE"

	// PermExecute lets a value feed internal computation without the raw
	// value ever flowing back to the caller.
	PermExecute Permission = "EXECUTE"

	// PermRead returns the value in full.
	PermRead Permission = "READ"

	// PermWrite creates or overwrites entries.
	PermWrite Permission = "WRITE"

	// PermFull combines read and write.
	PermFull Permission = "FULL"
)

// CanRead reports whether the raw value may be returned.
func (p Permission) CanRead() bool { return p == PermRead || p == PermFull }

// CanWrite reports whether entries may be created or overwritten.
func (p Permission) CanWrite() bool { return p == PermWrite || p == PermFull }

// CanExecute reports whether the value may feed internal computation.
func (p Permission) CanExecute() bool { return p != PermNone && p != "" }

// Valid reports whether p is a known permission level.
func (p Permission) Valid() bool {
	switch p {
	case PermNone, PermExecute, PermRead, PermWrite, PermFull:
		return true
	}
	return false
}

// Actor distinguishes the human caller from the model agent.
type Actor int

const (
	ActorUser Actor = iota
	ActorAgent
)

func (a Actor) String() string {
	if a == ActorUser {
		return "user"
	}
	return "agent"
}

// Policy holds per-actor permissions for a namespace or entry.
type Policy struct {
	UserPerms  Permission
	AgentPerms Permission
}

// For returns the permission applying to an actor.
func (p Policy) For(actor Actor) Permission {
	if actor == ActorUser {
		return p.UserPerms
	}
	return p.AgentPerms
}

// Validate checks both permission levels.
func (p Policy) Validate() error {
	if !p.UserPerms.Valid() || !p.AgentPerms.Valid() {
		return fmt.Errorf("%w: unknown permission level", ErrInvalidPolicy)
	}
	return nil
}

// policyFor resolves the effective policy for a namespace by walking from
// the namespace itself up through its "/"-separated ancestors, most
// specific match wins. Caller holds c.mu.
func (c *Cache) policyFor(namespace string) Policy {
	ns := namespace
	for {
		if policy, ok := c.policies[ns]; ok {
			return policy
		}
		idx := strings.LastIndex(ns, "/")
		if idx < 0 {
			break
		}
		ns = ns[:idx]
	}
	return c.config.DefaultPolicy
}
