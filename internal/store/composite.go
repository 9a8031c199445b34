// ABOUTME: Composite store joining a session backend with a transcript backend
// ABOUTME: Lets sessions live in Redis while transcripts stay in SQLite or MongoDB

package store

import "errors"

// Composite routes session operations to one backend and transcript
// operations to another.
type Composite struct {
	SessionStore
	TranscriptStore

	closers []interface{ Close() error }
}

// NewComposite joins sessions and transcripts. Both are closed by Close when
// they implement Close.
func NewComposite(sessions SessionStore, transcripts TranscriptStore) *Composite {
	c := &Composite{SessionStore: sessions, TranscriptStore: transcripts}
	for _, v := range []any{sessions, transcripts} {
		if cl, ok := v.(interface{ Close() error }); ok {
			c.closers = append(c.closers, cl)
		}
	}
	return c
}

// Close closes both backends.
func (c *Composite) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
