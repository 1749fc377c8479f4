package sparse

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// OperatorCall processes a batch of input tuples and returns one output tuple
// per input, in input order.
type OperatorCall func(batch []interface{}) []interface{}

type bufferedInput struct {
	tuple    interface{}
	source   *Stream
	seqNo    uint64
	callback func(interface{})
}

// Operator is a placed instance of an operator factory. It owns a dedicated
// input buffer; the connection goroutines append to it and the task
// dispatcher drains it, serialised by the buffer mutex.
type Operator struct {
	ID       string
	Name     string
	Batching bool

	call    OperatorCall
	runtime *Runtime

	mu      sync.Mutex
	buffer  []bufferedInput
	batchNo uint64
}

func newOperator(name string, call OperatorCall, batching bool) *Operator {
	return &Operator{
		ID:       uuid.NewString(),
		Name:     name,
		Batching: batching,
		call:     call,
	}
}

func (o *Operator) String() string {
	return o.Name
}

// bufferInput appends an input to the operator's buffer and returns the index
// it was stored at.
func (o *Operator) bufferInput(in bufferedInput) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	index := len(o.buffer)
	o.buffer = append(o.buffer, in)
	return index
}

// dispatchBatch removes every buffered input as one batch and assigns it the
// next batch number.
func (o *Operator) dispatchBatch() ([]bufferedInput, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.buffer
	if len(batch) == 0 {
		return nil, 0
	}
	o.buffer = nil
	batchNo := o.batchNo
	o.batchNo++
	return batch, batchNo
}

// popInput removes the oldest buffered input.
func (o *Operator) popInput() (bufferedInput, uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buffer) == 0 {
		return bufferedInput{}, 0, false
	}
	in := o.buffer[0]
	o.buffer = o.buffer[1:]
	batchNo := o.batchNo
	o.batchNo++
	return in, batchNo, true
}

// executeTask processes a batch (or a single input, for unbatched operators)
// on the dispatcher goroutine, off the connection I/O paths.
func (o *Operator) executeTask() {
	qos := o.runtime.qos

	if !o.Batching {
		in, batchNo, ok := o.popInput()
		if !ok {
			return
		}
		qos.OperatorInputDispatched(o, in.source, in.seqNo, batchNo)
		results := o.call([]interface{}{in.tuple})
		if len(results) > 0 {
			in.callback(results[0])
		}
		return
	}

	batch, batchNo := o.dispatchBatch()
	if len(batch) == 0 {
		return
	}
	batchSize.Record(context.Background(), int64(len(batch)), attribute.String("operator", o.Name))

	inputs := make([]interface{}, len(batch))
	for i, in := range batch {
		inputs[i] = in.tuple
		qos.OperatorInputDispatched(o, in.source, in.seqNo, batchNo)
	}

	results := o.call(inputs)

	for i, in := range batch {
		if i < len(results) {
			in.callback(results[i])
		}
	}
}
