package mailbox

import (
	"fmt"
	"time"

	"github.com/sengokulabs/shogun/internal/fsutil"
	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/message"
)

// Writer produces pending mailbox files. The write lands via a sibling
// temp file and a rename, so watchers never observe a partial body.
type Writer struct {
	base string
}

// NewWriter returns a writer rooted at the mailbox base directory.
func NewWriter(baseDir string) *Writer {
	return &Writer{base: baseDir}
}

// Write drops a message into {to}'s mailbox and returns the resulting
// message (its id is the generated filename stem) plus the written
// path. Each call generates a fresh rand token, so repeated sends of
// identical content never collide.
func (w *Writer) Write(to, from, threadID, title, body string) (message.Message, string, error) {
	if to == "" || from == "" {
		return message.Message{}, "", fmt.Errorf("mailbox write needs both to and from")
	}
	if threadID == "" {
		return message.Message{}, "", fmt.Errorf("mailbox write needs a thread id")
	}

	now := time.Now()
	addr := Address{
		To:       to,
		From:     from,
		Filename: message.NewFilename(threadID, title, now),
	}

	path := addr.PendingPath(w.base)
	if err := fsutil.WriteFileAtomic(path, []byte(body), 0o644); err != nil {
		return message.Message{}, "", fmt.Errorf("write mailbox file: %w", err)
	}

	msg := message.Message{
		ID:        addr.Stem(),
		ThreadID:  threadID,
		From:      from,
		To:        to,
		Title:     title,
		Body:      body,
		CreatedAt: isotime.Format(now),
	}
	return msg, path, nil
}

// WriteUnthreaded drops a message whose stem carries no thread token.
// The watcher routes such files to the last-active thread when it
// claims them, so the final id and thread are only known consumer-side.
func (w *Writer) WriteUnthreaded(to, from, title, body string) (string, error) {
	if to == "" || from == "" {
		return "", fmt.Errorf("mailbox write needs both to and from")
	}

	addr := Address{
		To:       to,
		From:     from,
		Filename: message.Slugify(title) + "-" + message.NewRand() + message.Ext,
	}
	path := addr.PendingPath(w.base)
	if err := fsutil.WriteFileAtomic(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write mailbox file: %w", err)
	}
	return path, nil
}
