package message

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sengokulabs/shogun/internal/isotime"
)

// Ext is the extension of every mailbox file.
const Ext = ".md"

// SlugFallback is used when a title yields no slug characters at all
// (for example a title written entirely in Japanese).
const SlugFallback = "message"

const maxSlugLen = 60

// Slugify folds a title into the filename slug alphabet [a-z0-9-],
// at most 60 characters, falling back to "message".
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return SlugFallback
	}
	return slug
}

// NewRand returns the 6-character opaque token embedded in stems.
func NewRand() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// NewStem builds the canonical filename stem
// {threadId}__{isoTimestampWithDashes}-{rand6}__{slug}.
func NewStem(threadID, title string, at time.Time) string {
	return threadID + "__" + isotime.ForFilename(at) + "-" + NewRand() + "__" + Slugify(title)
}

// NewFilename is NewStem plus the mailbox extension.
func NewFilename(threadID, title string, at time.Time) string {
	return NewStem(threadID, title, at) + Ext
}

// ParseStem extracts (threadID, title) from a filename stem:
//
//	>= 3 tokens: threadID = first, title = join of third onward
//	   2 tokens: threadID = first, title = second
//	   1 token:  no threadID, title = whole stem
//
// An empty threadID means the consumer substitutes the last-active
// thread.
func ParseStem(stem string) (threadID, title string) {
	tokens := strings.Split(stem, "__")
	switch {
	case len(tokens) >= 3:
		return tokens[0], strings.Join(tokens[2:], "__")
	case len(tokens) == 2:
		return tokens[0], tokens[1]
	default:
		return "", stem
	}
}

// Stem strips the mailbox extension from a filename.
func Stem(filename string) string {
	return strings.TrimSuffix(filename, Ext)
}

// IsMailboxFilename reports whether a directory entry looks like a
// mailbox file at all: .md extension, not hidden, not an in-progress
// temp file. Everything else in a watched directory is ignored.
func IsMailboxFilename(name string) bool {
	if !strings.HasSuffix(name, Ext) {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, ".tmp") {
		return false
	}
	return len(Stem(name)) > 0
}
