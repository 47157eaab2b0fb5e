// Package trust decides which peers may connect and remembers the ones that have.
package trust

import (
	"fmt"
	"strings"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// Policy selects how unknown peers are treated
type Policy int

const (
	// PolicyTOFU trusts any unknown peer on its first successful handshake.
	PolicyTOFU Policy = iota
	// PolicyAllowList trusts only peers named in the allow-list.
	PolicyAllowList
	// PolicyPairingOnly trusts unknown peers only while a pairing window is open.
	PolicyPairingOnly
)

func (p Policy) String() string {
	switch p {
	case PolicyTOFU:
		return "tofu"
	case PolicyAllowList:
		return "allow-list"
	case PolicyPairingOnly:
		return "pairing-only"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name as written in the config file
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tofu", "trust-on-first-use":
		return PolicyTOFU, nil
	case "allow-list", "allowlist":
		return PolicyAllowList, nil
	case "pairing-only", "pairing":
		return PolicyPairingOnly, nil
	default:
		return 0, fmt.Errorf("unknown trust policy %q", s)
	}
}

// Verdict is the outcome of a trust evaluation
type Verdict int

const (
	Deny Verdict = iota
	Trust
)

func (v Verdict) String() string {
	if v == Trust {
		return "trust"
	}
	return "deny"
}

// Decision is a verdict plus the rule that produced it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Trusted reports whether the decision grants trust.
func (d Decision) Trusted() bool {
	return d.Verdict == Trust
}

// Input is everything EvaluateTrust looks at.
type Input struct {
	Identity      protocol.PeerIdentity
	Policy        Policy
	Known         *Record
	PairingActive bool
	AllowList     []string
	BlockList     []string
}

// EvaluateTrust is the single place a trust decision is made. Rules are
// applied in order: block-list, existing trust, pairing window, then policy.
func EvaluateTrust(in Input) Decision {
	if Matches(in.BlockList, in.Identity) {
		return Decision{Deny, "blocked"}
	}
	if in.Known != nil && in.Known.Trusted {
		return Decision{Trust, "known"}
	}
	if in.PairingActive {
		return Decision{Trust, "pairing"}
	}

	switch in.Policy {
	case PolicyTOFU:
		// Untrusted records only come from an operator editing the trust
		// file; they stay refused until re-paired.
		if in.Known == nil {
			return Decision{Trust, "first use"}
		}
	case PolicyAllowList:
		if Matches(in.AllowList, in.Identity) {
			return Decision{Trust, "allow-list"}
		}
	}
	return Decision{Deny, "not trusted"}
}

// Matches reports whether any list entry names the identity. Entries are
// either a bare name or "group/name".
func Matches(list []string, id protocol.PeerIdentity) bool {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, id.Name) || strings.EqualFold(entry, id.Key()) {
			return true
		}
	}
	return false
}
