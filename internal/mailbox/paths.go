// Package mailbox implements the file-based inter-agent queue: the
// canonical directory grammar, the atomic message writer, and the
// two-phase watcher that claims, processes, and archives mailbox files
// with ledger-backed idempotence.
package mailbox

import (
	"path/filepath"
	"strings"

	"github.com/sengokulabs/shogun/internal/message"
)

// Directory tier names under the base dir.
const (
	PendingTier    = "message_to"
	ProcessingTier = "message_processing"
)

// Address locates one mailbox file within a tier:
// {tier}/{to}/from/{from}/{filename}.
type Address struct {
	To       string
	From     string
	Filename string
}

// Stem returns the filename stem, which is the message id.
func (a Address) Stem() string {
	return message.Stem(a.Filename)
}

// Key is the ledger idempotency key: the relative path with the leading
// segment forced to the pending tier, so the key is identical whether
// the file currently sits in message_to/ or message_processing/.
// Always slash-separated.
func (a Address) Key() string {
	return strings.Join([]string{PendingTier, a.To, "from", a.From, a.Filename}, "/")
}

// PendingPath returns {base}/message_to/{to}/from/{from}/{filename}.
func (a Address) PendingPath(base string) string {
	return filepath.Join(base, PendingTier, a.To, "from", a.From, a.Filename)
}

// ProcessingPath returns the mirror path in the processing tier.
func (a Address) ProcessingPath(base string) string {
	return filepath.Join(base, ProcessingTier, a.To, "from", a.From, a.Filename)
}

// ArchivePath returns the archive destination under the history root:
// {historyRoot}/{threadID}/message_to/{to}/from/{from}/{filename}.
func (a Address) ArchivePath(historyRoot, threadID string) string {
	return filepath.Join(historyRoot, threadID, PendingTier, a.To, "from", a.From, a.Filename)
}

// ParsePath decomposes an absolute path under base into its tier and
// address. It reports ok=false for anything outside the mailbox
// grammar: wrong depth, wrong segment labels, or a non-mailbox
// filename. Such paths are ignored by the watcher.
func ParsePath(base, path string) (tier string, addr Address, ok bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", Address{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 {
		return "", Address{}, false
	}
	tier = parts[0]
	if tier != PendingTier && tier != ProcessingTier {
		return "", Address{}, false
	}
	if parts[2] != "from" {
		return "", Address{}, false
	}
	addr = Address{To: parts[1], From: parts[3], Filename: parts[4]}
	if addr.To == "" || addr.From == "" || !message.IsMailboxFilename(addr.Filename) {
		return "", Address{}, false
	}
	return tier, addr, true
}
