package document

import (
	"context"
	"log/slog"
)

// Change is the result of one accepted edit, delivered to every room member
// including the submitter.
type Change struct {
	DocumentID         string
	Content            string
	Version            int64
	SourceConnectionID string
}

// Publisher fans a committed change out to a document's room.
type Publisher interface {
	PublishChange(change Change)
}

// Synchronizer applies edit submissions last-writer-wins and broadcasts the
// resulting full state. Submissions for one document are serialized by the
// cache, so "last writer" means the last submission accepted, not the
// latest wall-clock timestamp. There is no merge.
type Synchronizer struct {
	cache     *Cache
	publisher Publisher
}

func NewSynchronizer(cache *Cache, publisher Publisher) *Synchronizer {
	return &Synchronizer{cache: cache, publisher: publisher}
}

// Submit overwrites the document with content on behalf of sourceID.
// The broadcast happens before the next submission for the same document
// is applied, so members observe versions in commit order.
func (s *Synchronizer) Submit(ctx context.Context, documentID, content, sourceID string) (State, error) {
	state, err := s.cache.Commit(ctx, documentID, content, func(st State) {
		s.publisher.PublishChange(Change{
			DocumentID:         st.DocumentID,
			Content:            st.Content,
			Version:            st.Version,
			SourceConnectionID: sourceID,
		})
	})
	if err != nil {
		return State{}, err
	}

	slog.Debug("change applied",
		"document", documentID,
		"version", state.Version,
		"connection", sourceID,
	)
	return state, nil
}

// Resync delivers the current state to a single caller without changing it.
func (s *Synchronizer) Resync(ctx context.Context, documentID string, deliver func(State)) error {
	return s.cache.Read(ctx, documentID, deliver)
}

func (s *Synchronizer) Cache() *Cache {
	return s.cache
}
