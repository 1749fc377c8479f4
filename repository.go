package sparse

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// StreamRepository is the canonical set of streams on this node. All other
// components refer to streams through lookups by selector.
type StreamRepository struct {
	runtime *Runtime
	log     *logrus.Entry

	mu      sync.Mutex
	streams []*Stream
}

func newStreamRepository(runtime *Runtime, log *logrus.Entry) *StreamRepository {
	return &StreamRepository{runtime: runtime, log: log}
}

// GetStream returns the stream matching the given stream id or alias. If
// neither selector matches an existing stream a new one is created, with a
// generated id when none is provided.
func (r *StreamRepository) GetStream(streamID, streamAlias string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		if s.Matches(streamID) || s.Matches(streamAlias) {
			return s
		}
	}

	s := newStream(streamID, streamAlias, r.runtime, r.log)
	r.streams = append(r.streams, s)
	r.log.Debugf("created stream %s", s)
	return s
}

// FindStream returns the stream matching the selector, or nil.
func (r *StreamRepository) FindStream(selector string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		if s.Matches(selector) {
			return s
		}
	}
	return nil
}

// Streams returns a snapshot of the streams on this node.
func (r *StreamRepository) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stream(nil), r.streams...)
}

// RemoveSubscriber drops the subscriber from every stream, typically on
// connection loss.
func (r *StreamRepository) RemoveSubscriber(sub subscriber) {
	for _, s := range r.Streams() {
		s.Unsubscribe(sub)
	}
}
