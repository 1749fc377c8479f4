package sparse

import (
	"github.com/sirupsen/logrus"
)

// StreamRouter dispatches received tuples into the matching streams and
// manages connector streams and subscriptions on behalf of the peer protocol.
type StreamRouter struct {
	runtime    *Runtime
	repository *StreamRepository
	log        *logrus.Entry
}

func newStreamRouter(runtime *Runtime, repository *StreamRepository, log *logrus.Entry) *StreamRouter {
	return &StreamRouter{runtime: runtime, repository: repository, log: log}
}

// CreateConnectorStream interns a stream migrated from a peer. The source is
// removed from the subscriber set so that tuples received from it are never
// forwarded back.
func (r *StreamRouter) CreateConnectorStream(source subscriber, streamID, streamAlias string) *Stream {
	stream := r.repository.GetStream(streamID, streamAlias)
	if source != nil {
		stream.Unsubscribe(source)
	}
	r.log.Infof("stream %s listening to remote source", stream)
	return stream
}

// TupleReceived routes a received tuple into the stream matching the
// selector. A miss is a warning, not an error: the tuple is dropped.
func (r *StreamRouter) TupleReceived(selector string, tuple interface{}) {
	stream := r.repository.FindStream(selector)
	if stream == nil {
		r.log.Warnf("received data for stream %s without a connector", selector)
		return
	}
	stream.Emit(tuple)
	r.log.Debugf("received data for stream %s", stream)
}

// Subscribe adds the subscriber to the stream with the given alias, creating
// the stream if it does not exist yet.
func (r *StreamRouter) Subscribe(streamAlias string, sub subscriber) {
	stream := r.repository.GetStream("", streamAlias)
	stream.Subscribe(sub)
}
