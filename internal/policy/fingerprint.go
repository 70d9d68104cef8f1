package policy

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/gateinfra/toolgate/internal/types"
)

// Fingerprint derives the canonical scope fingerprint for a request.
// Distinct scopes under the same tool are remembered independently, so
// the fingerprint must be collision-resistant and stable across
// equivalent spellings of the same resource.
//
// The scope string is preferred; when absent, the input descriptor is
// used. A request with neither cannot be keyed and is rejected with
// ErrInvalidRequest before any session is created.
func Fingerprint(req types.PermissionRequest) (string, error) {
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = strings.TrimSpace(req.Input)
	}
	if scope == "" {
		return "", fmt.Errorf("%w: request %s has no scope or input", ErrInvalidRequest, req.ID)
	}

	canonical := canonicalizeScope(scope)
	sum := blake2b.Sum256([]byte(req.Action + "\x00" + canonical))
	return hex.EncodeToString(sum[:16]), nil
}

// canonicalizeScope normalizes path-like scopes so "/a/b/../c" and
// "/a/c/" key identically. Non-path scopes (URLs, resource names) are
// left intact.
func canonicalizeScope(scope string) string {
	if strings.Contains(scope, "://") {
		return scope
	}
	if strings.ContainsRune(scope, '/') {
		cleaned := path.Clean(scope)
		if cleaned != "/" {
			cleaned = strings.TrimSuffix(cleaned, "/")
		}
		return cleaned
	}
	return scope
}
