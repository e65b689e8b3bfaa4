// Package auth implements token and account management for the registry:
// scope evaluation, token minting and validation, user and admin accounts,
// and browser sessions. Persistence is delegated to the metadata store;
// everything here is deterministic given its injected clock and randomness.
package auth

import (
	"fmt"
	"strings"

	"github.com/pubkeep/pubkeep/engine/model"
)

// Scope literals understood by the evaluator. Everything else is either an
// exact capability string or invalid.
const (
	ScopeAdmin      = "admin"       // grants every capability
	ScopePublishAll = "publish:all" // grants publish for every package
	ScopeReadAll    = "read:all"    // grants every read capability
)

const (
	publishPrefix = "publish:pkg:"
	readPrefix    = "read:"
)

// PublishScope returns the capability string guarding publishes of the
// named package.
func PublishScope(pkg string) string { return publishPrefix + pkg }

// ReadScope returns the capability string guarding reads of the named
// package.
func ReadScope(pkg string) string { return readPrefix + pkg }

// Allows reports whether the scope set grants the requested capability.
//
// The grammar is deliberately small: "admin" grants everything, an exact
// match grants itself, "publish:all" grants any "publish:pkg:<name>", and
// "read:all" grants any "read:<name>". No other wildcard form exists; a
// scope like "publish:pkg:*" only ever matches the literal capability
// "publish:pkg:*".
func Allows(scopes model.StringSet, capability string) bool {
	for _, scope := range scopes {
		if scopeGrants(scope, capability) {
			return true
		}
	}
	return false
}

func scopeGrants(scope, capability string) bool {
	switch {
	case scope == ScopeAdmin:
		return true
	case scope == capability:
		return true
	case scope == ScopePublishAll:
		return strings.HasPrefix(capability, publishPrefix)
	case scope == ScopeReadAll:
		return strings.HasPrefix(capability, readPrefix)
	default:
		return false
	}
}

// AllowsAnyPublish reports whether the scope set can publish at least one
// package. Used when a publish is authorized before the package name is
// known, at session initiation.
func AllowsAnyPublish(scopes model.StringSet) bool {
	for _, scope := range scopes {
		if scope == ScopeAdmin || scope == ScopePublishAll || strings.HasPrefix(scope, publishPrefix) {
			return true
		}
	}
	return false
}

// ValidateScopes rejects scope strings outside the grammar so malformed
// entries never reach a stored token. Package-qualified scopes must carry a
// well-formed package name.
func ValidateScopes(scopes model.StringSet) error {
	if len(scopes) == 0 {
		return fmt.Errorf("token requires at least one scope")
	}
	for _, scope := range scopes {
		if err := validateScope(scope); err != nil {
			return err
		}
	}
	return nil
}

func validateScope(scope string) error {
	switch scope {
	case ScopeAdmin, ScopePublishAll, ScopeReadAll:
		return nil
	}
	if name, ok := strings.CutPrefix(scope, publishPrefix); ok {
		if !model.ValidPackageName(name) {
			return fmt.Errorf("invalid package name in scope %q", scope)
		}
		return nil
	}
	if name, ok := strings.CutPrefix(scope, readPrefix); ok {
		if !model.ValidPackageName(name) {
			return fmt.Errorf("invalid package name in scope %q", scope)
		}
		return nil
	}
	return fmt.Errorf("unrecognized scope %q", scope)
}
