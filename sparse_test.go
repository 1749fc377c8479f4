package sparse

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// Shared test fixtures: a quiet node wired onto temp directories, a fake
// peer link, and a helper for packing operator source into module archives.

func newTestNode(t *testing.T) *Node {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := Config{
		AppRepoPath: t.TempDir(),
		DataPath:    t.TempDir(),
	}

	return NewNode(cfg, log)
}

func startDispatcher(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Runtime.Run(ctx)
}

type fakePeer struct {
	mu      sync.Mutex
	tuples  []dataTupleMsg
	streams []connectorStreamMsg
	modules []string
}

func (f *fakePeer) SendDataTuple(streamSelector string, tuple interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tuples = append(f.tuples, dataTupleMsg{StreamSelector: streamSelector, Tuple: tuple})
}

func (f *fakePeer) SendCreateConnectorStream(streamID, streamAlias string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, connectorStreamMsg{StreamID: streamID, StreamAlias: streamAlias})
}

func (f *fakePeer) TransferModule(m *Module) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = append(f.modules, m.Name)
}

func (f *fakePeer) receivedTuples() []dataTupleMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dataTupleMsg(nil), f.tuples...)
}

func (f *fakePeer) migratedStreams() []connectorStreamMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectorStreamMsg(nil), f.streams...)
}

func (f *fakePeer) transferredModules() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modules...)
}

// writeModuleArchive packs the given sources into <dir>/<name>.zip and
// returns the archive path.
func writeModuleArchive(t *testing.T, dir, name string, sources map[string]string) string {
	t.Helper()

	archivePath := filepath.Join(dir, name+".zip")
	out, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	w := zip.NewWriter(out)
	for file, src := range sources {
		entry, err := w.Create(file)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write([]byte(src)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	return archivePath
}

// waitFor polls the condition until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const summingModuleSource = `package summing

var total int

func Sum(batch []interface{}) []interface{} {
	out := make([]interface{}, 0, len(batch))
	for _, v := range batch {
		total += v.(int)
		out = append(out, total)
	}
	return out
}
`

const detectorModuleSource = `package detector

func Detector(batch []interface{}) []interface{} {
	out := make([]interface{}, 0, len(batch))
	for _, v := range batch {
		out = append(out, map[string]interface{}{"detected": v})
	}
	return out
}
`
