// Package hierarchy defines agent identity for the four-tier chain
// (king, shogun, karou, ashigaru1..K) and the pure authorization rules
// that govern who may message or interrupt whom.
package hierarchy

import (
	"fmt"
	"strconv"
	"strings"
)

// Role classifies an agent id into one of the four tiers.
type Role string

const (
	RoleKing     Role = "king"
	RoleShogun   Role = "shogun"
	RoleKarou    Role = "karou"
	RoleAshigaru Role = "ashigaru"
)

// Fixed agent ids. Ashigaru ids are derived (ashigaru1..ashigaruK).
const (
	King   = "king"
	Shogun = "shogun"
	Karou  = "karou"
)

const ashigaruPrefix = "ashigaru"

// DefaultAshigaruCount is the fleet width K when the config is silent.
const DefaultAshigaruCount = 5

// AshigaruID returns the canonical id for the n-th ashigaru (1-based).
func AshigaruID(n int) string {
	return fmt.Sprintf("%s%d", ashigaruPrefix, n)
}

// AshigaruIDs returns the ids of a fleet of k ashigaru.
func AshigaruIDs(k int) []string {
	ids := make([]string, 0, k)
	for i := 1; i <= k; i++ {
		ids = append(ids, AshigaruID(i))
	}
	return ids
}

// ParseAshigaru extracts the 1-based index from an ashigaru id. Only
// canonical forms are accepted: "ashigaru01" is not an agent id.
func ParseAshigaru(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, ashigaruPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || AshigaruID(n) != id {
		return 0, false
	}
	return n, true
}

// RoleOf classifies an agent id. The second return is false for ids
// outside the hierarchy grammar.
func RoleOf(id string) (Role, bool) {
	switch id {
	case King:
		return RoleKing, true
	case Shogun:
		return RoleShogun, true
	case Karou:
		return RoleKarou, true
	}
	if _, ok := ParseAshigaru(id); ok {
		return RoleAshigaru, true
	}
	return "", false
}

// IsAgentID reports whether id names any agent in a fleet of k
// ashigaru. Ashigaru indices above k are not part of the fleet.
func IsAgentID(id string, k int) bool {
	role, ok := RoleOf(id)
	if !ok {
		return false
	}
	if role == RoleAshigaru {
		n, _ := ParseAshigaru(id)
		return n <= k
	}
	return true
}

// AllowedRecipients returns the set of agent ids the given agent may
// address with sendMessage:
//
//	shogun   -> {king, karou}
//	karou    -> {shogun} ∪ ashigaru
//	ashigaru -> {karou} ∪ (ashigaru \ self)
//
// King is a human endpoint and sends through the boundary, so it has
// no recipient set here.
func AllowedRecipients(agentID string, ashigaru []string) []string {
	role, ok := RoleOf(agentID)
	if !ok {
		return nil
	}
	switch role {
	case RoleShogun:
		return []string{King, Karou}
	case RoleKarou:
		out := make([]string, 0, len(ashigaru)+1)
		out = append(out, Shogun)
		out = append(out, ashigaru...)
		return out
	case RoleAshigaru:
		out := make([]string, 0, len(ashigaru))
		out = append(out, Karou)
		for _, id := range ashigaru {
			if id != agentID {
				out = append(out, id)
			}
		}
		return out
	default:
		return nil
	}
}

// CanMessage reports whether from may send a mailbox message to to.
func CanMessage(from, to string, ashigaru []string) bool {
	for _, id := range AllowedRecipients(from, ashigaru) {
		if id == to {
			return true
		}
	}
	return false
}

// CanInterrupt reports whether from may interrupt to. Interrupts are
// restricted to direct subordinates: shogun over karou, karou over its
// ashigaru.
func CanInterrupt(from, to string, ashigaru []string) bool {
	fromRole, ok := RoleOf(from)
	if !ok {
		return false
	}
	switch fromRole {
	case RoleShogun:
		return to == Karou
	case RoleKarou:
		for _, id := range ashigaru {
			if id == to {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// DefaultSuperior returns the agent a tool-less reply is routed to:
// shogun reports to king, karou to shogun, ashigaru to karou.
func DefaultSuperior(agentID string) (string, bool) {
	role, ok := RoleOf(agentID)
	if !ok {
		return "", false
	}
	switch role {
	case RoleShogun:
		return King, true
	case RoleKarou:
		return Shogun, true
	case RoleAshigaru:
		return Karou, true
	default:
		return "", false
	}
}
