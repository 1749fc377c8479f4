package sparse

import (
	"reflect"
	"testing"
)

func TestEmitAdvancesSequenceByOne(t *testing.T) {
	n := newTestNode(t)
	s := n.Streams.GetStream("", "raw")

	for i := 0; i < 5; i++ {
		before := s.SequenceNo()
		s.Emit(i)
		if after := s.SequenceNo(); after != before+1 {
			t.Fatalf("sequence advanced from %d to %d", before, after)
		}
	}
}

func TestEmitForwardsToSubscribers(t *testing.T) {
	n := newTestNode(t)
	s := n.Streams.GetStream("", "raw")

	sub := &fakePeer{}
	s.Subscribe(sub)

	s.Emit(map[string]interface{}{"x": 1})

	got := sub.receivedTuples()
	want := []dataTupleMsg{{StreamSelector: "raw", Tuple: map[string]interface{}{"x": 1}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestEmitUsesIDSelectorWithoutAlias(t *testing.T) {
	n := newTestNode(t)
	s := n.Streams.GetStream("", "")

	sub := &fakePeer{}
	s.Subscribe(sub)
	s.Emit("t")

	got := sub.receivedTuples()
	if len(got) != 1 || got[0].StreamSelector != s.ID {
		t.Fatalf("expected the stream id as selector, got %v", got)
	}
}

func TestEmitReachesChainedStreams(t *testing.T) {
	n := newTestNode(t)
	src := n.Streams.GetStream("", "src")
	dst := n.Streams.GetStream("", "dst")

	sub := &fakePeer{}
	dst.Subscribe(sub)
	src.ConnectToStream(dst)

	src.Emit("tuple")

	got := sub.receivedTuples()
	if len(got) != 1 || got[0].StreamSelector != "dst" {
		t.Fatalf("expected the tuple to re-emit on dst, got %v", got)
	}
	if dst.SequenceNo() != 1 {
		t.Fatalf("chained stream sequence = %d, want 1", dst.SequenceNo())
	}
}

func TestEmitBuffersIntoConnectedOperators(t *testing.T) {
	n := newTestNode(t)

	archive := writeModuleArchive(t, t.TempDir(), "summing", map[string]string{"main.go": summingModuleSource})
	n.Modules.Add("summing", archive)

	op, err := n.Runtime.PlaceOperator("Sum")
	if err != nil {
		t.Fatal(err)
	}

	src := n.Streams.GetStream("", "src")
	out := n.Streams.GetStream("", "out")
	src.ConnectToOperator(op, out)

	// The dispatcher is not running, so the inputs stay buffered.
	src.Emit(1)
	src.Emit(2)

	op.mu.Lock()
	defer op.mu.Unlock()
	if len(op.buffer) != 2 {
		t.Fatalf("expected 2 buffered inputs, got %d", len(op.buffer))
	}
	if op.buffer[0].seqNo != 0 || op.buffer[1].seqNo != 1 {
		t.Fatalf("unexpected sequence numbers %d, %d", op.buffer[0].seqNo, op.buffer[1].seqNo)
	}
}

func TestUnsubscribeStopsForwarding(t *testing.T) {
	n := newTestNode(t)
	s := n.Streams.GetStream("", "raw")

	sub := &fakePeer{}
	s.Subscribe(sub)
	s.Emit(1)
	s.Unsubscribe(sub)
	s.Emit(2)

	if got := sub.receivedTuples(); len(got) != 1 {
		t.Fatalf("expected exactly 1 forwarded tuple, got %d", len(got))
	}
}

func TestCreateConnectorStreamExcludesSource(t *testing.T) {
	n := newTestNode(t)

	source := &fakePeer{}
	other := &fakePeer{}

	s := n.Streams.GetStream("", "raw")
	s.Subscribe(source)
	s.Subscribe(other)

	migrated := n.Router.CreateConnectorStream(source, "", "raw")
	if migrated != s {
		t.Fatal("connector stream must intern onto the existing stream")
	}

	s.Emit("t")

	if len(source.receivedTuples()) != 0 {
		t.Fatal("source must not receive its own tuples back")
	}
	if len(other.receivedTuples()) != 1 {
		t.Fatal("other subscribers must keep receiving")
	}
}

func TestTupleReceivedRoutesBySelector(t *testing.T) {
	n := newTestNode(t)
	s := n.Streams.GetStream("id-1", "raw")

	sub := &fakePeer{}
	s.Subscribe(sub)

	n.Router.TupleReceived("raw", 1)
	n.Router.TupleReceived("id-1", 2)
	n.Router.TupleReceived("unknown", 3)

	if got := len(sub.receivedTuples()); got != 2 {
		t.Fatalf("expected 2 routed tuples, got %d", got)
	}
	if s.SequenceNo() != 2 {
		t.Fatalf("sequence = %d, want 2", s.SequenceNo())
	}
}

func TestSubscribeCreatesMissingStream(t *testing.T) {
	n := newTestNode(t)

	sub := &fakePeer{}
	n.Router.Subscribe("fresh", sub)

	s := n.Streams.FindStream("fresh")
	if s == nil {
		t.Fatal("subscription should create the stream")
	}
	if s.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", s.SubscriberCount())
	}
}
