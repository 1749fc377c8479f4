package sparse

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StatisticsRecord tracks the processing latency of one tuple through one
// operator. A record is active from the first timing event until the result
// is received, after which it is written out and discarded.
type StatisticsRecord struct {
	OperatorID     string
	OperatorName   string
	SourceStreamID string
	SequenceNo     uint64
	BatchNo        uint64

	InputBufferedAt   time.Time
	InputDispatchedAt time.Time
	ResultReceivedAt  time.Time
}

// QueueingTime is the time the tuple waited in the operator buffer.
func (r *StatisticsRecord) QueueingTime() time.Duration {
	if r.InputBufferedAt.IsZero() || r.InputDispatchedAt.IsZero() {
		return 0
	}
	return r.InputDispatchedAt.Sub(r.InputBufferedAt)
}

// ProcessingLatency is the time between dispatch and result.
func (r *StatisticsRecord) ProcessingLatency() time.Duration {
	if r.InputDispatchedAt.IsZero() || r.ResultReceivedAt.IsZero() {
		return 0
	}
	return r.ResultReceivedAt.Sub(r.InputDispatchedAt)
}

type recordKey struct {
	operatorID     string
	sourceStreamID string
	sequenceNo     uint64
}

// QoSMonitor records per-tuple timing through the operator runtime and
// appends completed records to per-operator CSV files. It is called from the
// connection goroutines and from the task dispatcher, so access to the active
// record set is mutex-guarded.
type QoSMonitor struct {
	dataPath  string
	log       *logrus.Entry
	startedAt time.Time

	mu      sync.Mutex
	active  map[recordKey]*StatisticsRecord
	writers map[string]*csv.Writer
	files   []*os.File
}

var statsColumns = []string{
	"operator_id", "operator_name", "source_stream_id", "batch_no",
	"input_buffered_at", "input_dispatched_at", "result_received_at",
}

func newQoSMonitor(dataPath string, log *logrus.Entry) *QoSMonitor {
	return &QoSMonitor{
		dataPath:  dataPath,
		log:       log,
		startedAt: time.Now(),
		active:    map[recordKey]*StatisticsRecord{},
		writers:   map[string]*csv.Writer{},
	}
}

// record returns the active record for the key, creating it if absent.
// Creation is idempotent on the key.
func (m *QoSMonitor) record(o *Operator, source *Stream, seqNo uint64) *StatisticsRecord {
	key := recordKey{operatorID: o.ID, sourceStreamID: source.ID, sequenceNo: seqNo}
	if r, ok := m.active[key]; ok {
		return r
	}
	r := &StatisticsRecord{
		OperatorID:     o.ID,
		OperatorName:   o.Name,
		SourceStreamID: source.ID,
		SequenceNo:     seqNo,
	}
	m.active[key] = r
	return r
}

// OperatorInputBuffered marks the tuple as buffered for the operator.
func (m *QoSMonitor) OperatorInputBuffered(o *Operator, source *Stream, seqNo uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(o, source, seqNo).InputBufferedAt = time.Now()
}

// OperatorInputDispatched marks the tuple as dispatched from the buffer and
// assigns the batch number.
func (m *QoSMonitor) OperatorInputDispatched(o *Operator, source *Stream, seqNo uint64, batchNo uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(o, source, seqNo)
	r.BatchNo = batchNo
	r.InputDispatchedAt = time.Now()
}

// OperatorResultReceived completes the record: it is removed from the active
// set and appended to the operator's statistics file.
func (m *QoSMonitor) OperatorResultReceived(o *Operator, source *Stream, seqNo uint64) {
	m.mu.Lock()
	r := m.record(o, source, seqNo)
	r.ResultReceivedAt = time.Now()
	delete(m.active, recordKey{operatorID: o.ID, sourceStreamID: source.ID, sequenceNo: seqNo})
	err := m.write(r)
	m.mu.Unlock()

	if err != nil {
		m.log.Warnf("writing statistics record: %v", err)
		return
	}
	m.log.Debugf("operator %s queueing time: %.2f ms, processing latency: %.2f ms",
		o, float64(r.QueueingTime().Microseconds())/1000.0, float64(r.ProcessingLatency().Microseconds())/1000.0)
}

// ActiveRecords returns the number of records still in flight.
func (m *QoSMonitor) ActiveRecords() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close flushes and closes the statistics files.
func (m *QoSMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writers {
		w.Flush()
	}
	for _, f := range m.files {
		f.Close()
	}
	m.writers = map[string]*csv.Writer{}
	m.files = nil
}

func (m *QoSMonitor) write(r *StatisticsRecord) error {
	w, err := m.writer(r.OperatorName)
	if err != nil {
		return err
	}

	row := []string{
		r.OperatorID,
		r.OperatorName,
		r.SourceStreamID,
		fmt.Sprintf("%d", r.BatchNo),
		m.sinceStart(r.InputBufferedAt),
		m.sinceStart(r.InputDispatchedAt),
		m.sinceStart(r.ResultReceivedAt),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (m *QoSMonitor) writer(operatorName string) (*csv.Writer, error) {
	if w, ok := m.writers[operatorName]; ok {
		return w, nil
	}

	if err := os.MkdirAll(m.dataPath, 0o755); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("rtstats_%s_%s.csv", operatorName, time.Now().Format("20060102150405"))
	f, err := os.Create(filepath.Join(m.dataPath, name))
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(statsColumns); err != nil {
		f.Close()
		return nil, err
	}

	m.writers[operatorName] = w
	m.files = append(m.files, f)
	m.log.Infof("writing runtime statistics to %s", f.Name())
	return w, nil
}

func (m *QoSMonitor) sinceStart(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%.6f", t.Sub(m.startedAt).Seconds())
}
