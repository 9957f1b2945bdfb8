package compose

import (
	"time"

	"github.com/nextlevelbuilder/courier/internal/channels"
)

// Chunk is a run of contiguous same-author messages folded into one model
// message.
type Chunk struct {
	AuthorID   string
	AuthorName string
	Bot        bool

	Texts      []string
	MessageIDs []string
	FirstTS    time.Time
	LastTS     time.Time

	Attachments []channels.Attachment
}

// Contains reports whether the chunk folds the given message id.
func (c *Chunk) Contains(messageID string) bool {
	for _, id := range c.MessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// MergeWindow folds contiguous same-author messages whose successive gap is
// within window into chunks, oldest to newest. Folding a folded list again
// yields the same chunks.
func MergeWindow(msgs []channels.Message, window time.Duration) []Chunk {
	var out []Chunk
	for _, m := range msgs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.AuthorID == m.AuthorID && m.TS.Sub(last.LastTS) <= window {
				last.Texts = append(last.Texts, m.Text)
				last.MessageIDs = append(last.MessageIDs, m.MessageID)
				last.LastTS = m.TS
				last.Attachments = append(last.Attachments, m.Attachments...)
				continue
			}
		}
		out = append(out, Chunk{
			AuthorID:    m.AuthorID,
			AuthorName:  m.AuthorName,
			Bot:         m.Bot,
			Texts:       []string{m.Text},
			MessageIDs:  []string{m.MessageID},
			FirstTS:     m.TS,
			LastTS:      m.TS,
			Attachments: append([]channels.Attachment(nil), m.Attachments...),
		})
	}
	return out
}
