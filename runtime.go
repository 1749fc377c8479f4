package sparse

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Runtime owns the placed operators and the node-wide task queue. A single
// dispatcher goroutine drains the queue, so exactly one operator executes at
// a time and each operator's inputs are processed in arrival order.
type Runtime struct {
	modules *ModuleRepository
	qos     *QoSMonitor
	log     *logrus.Entry

	tasks chan *Operator

	mu        sync.Mutex
	operators map[string]*Operator
}

const taskQueueSize = 1024

func newRuntime(modules *ModuleRepository, qos *QoSMonitor, log *logrus.Entry) *Runtime {
	return &Runtime{
		modules:   modules,
		qos:       qos,
		log:       log,
		tasks:     make(chan *Operator, taskQueueSize),
		operators: map[string]*Operator{},
	}
}

// Run drains the task queue until the context is cancelled. Operator calls
// run on this goroutine, off the connection I/O paths.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case operator := <-r.tasks:
			queueDepth.Record(ctx, int64(len(r.tasks)))
			start := time.Now()
			operator.executeTask()
			callDuration.Record(ctx, int64(time.Since(start)), attribute.String("operator", operator.Name))
		}
	}
}

// PlaceOperator returns the operator instance for the given factory name,
// resolving the name through the module repository and instantiating it on
// first placement. Repeat placements return the same instance.
func (r *Runtime) PlaceOperator(name string) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.operators[name]; ok {
		return o, nil
	}

	call, batching, err := r.modules.OperatorFactory(name)
	if err != nil {
		return nil, err
	}

	o := newOperator(name, call, batching)
	o.runtime = r
	r.operators[name] = o
	r.log.Infof("placed operator %s", o)
	return o, nil
}

// FindOperator returns the placed operator with the given name, or nil.
func (r *Runtime) FindOperator(name string) *Operator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operators[name]
}

// CallOperator buffers a tuple from a source stream into the operator and
// schedules the operator on the task queue. For batching operators the
// operator is only scheduled when the buffer transitions from empty to
// non-empty, coalescing later arrivals into the same batch.
func (r *Runtime) CallOperator(o *Operator, source *Stream, seqNo uint64, tuple interface{}, output *Stream) {
	// The buffered event must precede the append: once the input is in the
	// buffer the dispatcher may pick it up immediately.
	r.qos.OperatorInputBuffered(o, source, seqNo)

	index := o.bufferInput(bufferedInput{
		tuple:  tuple,
		source: source,
		seqNo:  seqNo,
		callback: func(result interface{}) {
			r.qos.OperatorResultReceived(o, source, seqNo)
			output.Emit(result)
		},
	})

	if !o.Batching || index == 0 {
		r.log.Debugf("created task for operator %s", o)
		r.tasks <- o
	}
}
