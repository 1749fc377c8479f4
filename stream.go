package sparse

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// subscriber receives the tuples emitted on a stream. Peer connections expose
// their data-sender facet through this interface, and in-process sinks (such
// as WebSocket clients) implement it directly.
type subscriber interface {
	SendDataTuple(streamSelector string, tuple interface{})
}

type operatorFork struct {
	operator *Operator
	output   *Stream
}

// Stream is an abstraction for an unbounded sequence of data tuples. A stream
// exists on the node that originates its tuples and on every node that
// subscribes to it; each node keeps an independent sequence counter.
type Stream struct {
	ID    string
	Alias string

	runtime *Runtime
	log     *logrus.Entry

	mu          sync.Mutex
	sequenceNo  uint64
	subscribers map[subscriber]struct{}
	operators   []operatorFork
	downstreams []*Stream
}

func newStream(id, alias string, runtime *Runtime, log *logrus.Entry) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{
		ID:          id,
		Alias:       alias,
		runtime:     runtime,
		log:         log,
		subscribers: map[subscriber]struct{}{},
	}
}

// Selector returns the identifier the stream is referred to by on the wire:
// the alias when one is set, the id otherwise.
func (s *Stream) Selector() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.ID
}

// Matches reports whether the selector names this stream by either identifier.
func (s *Stream) Matches(selector string) bool {
	return selector != "" && (selector == s.ID || selector == s.Alias)
}

// SequenceNo returns the number of tuples emitted on this stream so far.
func (s *Stream) SequenceNo() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceNo
}

// Subscribe adds a subscriber that receives every subsequently emitted tuple.
func (s *Stream) Subscribe(sub subscriber) {
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	s.log.Infof("stream %s connected to subscriber", s)
}

// Unsubscribe removes a subscriber. Removing one that is not subscribed is a
// no-op.
func (s *Stream) Unsubscribe(sub subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

// SubscriberCount returns the number of current subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// ConnectToOperator forks the stream into an operator, with the operator's
// results emitted on the given output stream.
func (s *Stream) ConnectToOperator(o *Operator, output *Stream) {
	s.mu.Lock()
	s.operators = append(s.operators, operatorFork{operator: o, output: output})
	s.mu.Unlock()
	s.log.Infof("stream %s connected to operator %s with output stream %s", s, o.Name, output)
}

// ConnectToStream chains this stream into another: every tuple emitted here
// is re-emitted on the target.
func (s *Stream) ConnectToStream(target *Stream) {
	s.mu.Lock()
	s.downstreams = append(s.downstreams, target)
	s.mu.Unlock()
	s.log.Infof("connected stream %s to stream %s", s, target)
}

// Emit sends a tuple to the connected operators, the subscribed peers, and
// the chained streams, in that order. The sequence number is advanced under
// the stream mutex once operators and subscribers are served, and the mutex
// is released before the chained streams are emitted.
// Emit may be called concurrently; invocations on the same stream serialise
// around sequence assignment and subscriber iteration.
func (s *Stream) Emit(tuple interface{}) {
	s.mu.Lock()
	seq := s.sequenceNo
	forks := append([]operatorFork(nil), s.operators...)
	subs := make([]subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	chained := append([]*Stream(nil), s.downstreams...)

	for _, fork := range forks {
		s.runtime.CallOperator(fork.operator, s, seq, tuple, fork.output)
	}
	for _, sub := range subs {
		sub.SendDataTuple(s.Selector(), tuple)
	}
	s.sequenceNo++
	s.mu.Unlock()

	for _, target := range chained {
		target.Emit(tuple)
	}

	tuplesEmitted.Add(context.Background(), 1, attribute.String("stream", s.Selector()))
	if len(subs) > 0 {
		tuplesForwarded.Add(context.Background(), int64(len(subs)), attribute.String("stream", s.Selector()))
	}
}

func (s *Stream) String() string {
	return s.Selector()
}
