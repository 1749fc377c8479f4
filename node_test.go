package sparse

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startClusterNode(t *testing.T, cfg Config) (*Node, context.CancelFunc) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg.AppRepoPath = t.TempDir()
	cfg.DataPath = t.TempDir()
	cfg.HTTPServerPort = freePort(t)

	n := NewNode(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := n.Start(ctx); err != nil {
			t.Errorf("node start: %v", err)
		}
	}()

	waitFor(t, 5*time.Second, "cluster listener", func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.RootServerPort))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})

	return n, cancel
}

// Two nodes complete the downstream handshake over real TCP: the acceptor
// records the peer as ingress, the initiator as egress.
func TestTwoNodeHandshake(t *testing.T) {
	portA := freePort(t)
	nodeA, _ := startClusterNode(t, Config{RootServerPort: portA})

	portB := freePort(t)
	nodeB, _ := startClusterNode(t, Config{
		RootServerPort:    portB,
		RootServerAddress: fmt.Sprintf("127.0.0.1:%d", portA),
	})

	waitFor(t, 10*time.Second, "peer records on both nodes", func() bool {
		return nodeA.Orchestrator.ConnectionCount() == 1 && nodeB.Orchestrator.ConnectionCount() == 1
	})

	if d := nodeA.Orchestrator.Connections()[0].Direction(); d != directionIngress {
		t.Fatalf("acceptor direction = %q, want ingress", d)
	}
	if d := nodeB.Orchestrator.Connections()[0].Direction(); d != directionEgress {
		t.Fatalf("initiator direction = %q, want egress", d)
	}
}

// A stream created on the parent migrates to a connecting node; a client
// subscribed on the child receives tuples pushed on the parent.
func TestStreamMigrationAndSubscription(t *testing.T) {
	portA := freePort(t)
	nodeA, _ := startClusterNode(t, Config{RootServerPort: portA})

	raw := nodeA.Streams.GetStream("", "raw")

	portB := freePort(t)
	nodeB, _ := startClusterNode(t, Config{
		RootServerPort:    portB,
		RootServerAddress: fmt.Sprintf("127.0.0.1:%d", portA),
	})

	waitFor(t, 10*time.Second, "stream migration to the child", func() bool {
		return nodeB.Streams.FindStream("raw") != nil
	})
	waitFor(t, 5*time.Second, "child subscribed on the parent", func() bool {
		return raw.SubscriberCount() == 1
	})

	// An external client subscribes on the child node.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portB))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	client := newWireClient(t, conn)

	client.sendObject(map[string]interface{}{"op": "subscribe", "stream_alias": "raw"})
	if reply := client.nextObject(); reply["status"] != "success" {
		t.Fatalf("subscription failed: %v", reply)
	}

	raw.Emit(map[string]interface{}{"x": 1})

	msg := client.nextObject()
	if msg["op"] != "data_tuple" || msg["stream_selector"] != "raw" {
		t.Fatalf("unexpected message %v", msg)
	}
	if !reflect.DeepEqual(msg["tuple"], map[string]interface{}{"x": 1}) {
		t.Fatalf("unexpected tuple %v", msg["tuple"])
	}
}

// Closing a peer removes it from the peer set and from every stream's
// subscriber set; subsequent emits do not attempt delivery to it.
func TestPeerLossCleansSubscribers(t *testing.T) {
	portA := freePort(t)
	nodeA, _ := startClusterNode(t, Config{RootServerPort: portA})

	raw := nodeA.Streams.GetStream("", "raw")

	portB := freePort(t)
	nodeB, cancelB := startClusterNode(t, Config{
		RootServerPort:    portB,
		RootServerAddress: fmt.Sprintf("127.0.0.1:%d", portA),
	})

	waitFor(t, 10*time.Second, "peering", func() bool {
		return nodeA.Orchestrator.ConnectionCount() == 1 && nodeB.Orchestrator.ConnectionCount() == 1
	})
	waitFor(t, 5*time.Second, "migration subscription", func() bool {
		return raw.SubscriberCount() == 1
	})

	cancelB()

	waitFor(t, 10*time.Second, "peer removal", func() bool {
		return nodeA.Orchestrator.ConnectionCount() == 0
	})
	waitFor(t, 5*time.Second, "subscriber cleanup", func() bool {
		return raw.SubscriberCount() == 0
	})

	raw.Emit(1)
	if raw.SequenceNo() != 1 {
		t.Fatal("emit after peer loss must still advance the stream")
	}
}

// A module uploaded to one node propagates across the cluster.
func TestModuleBroadcastAcrossCluster(t *testing.T) {
	portA := freePort(t)
	nodeA, _ := startClusterNode(t, Config{RootServerPort: portA})

	portB := freePort(t)
	nodeB, _ := startClusterNode(t, Config{
		RootServerPort:    portB,
		RootServerAddress: fmt.Sprintf("127.0.0.1:%d", portA),
	})

	waitFor(t, 10*time.Second, "peering", func() bool {
		return nodeA.Orchestrator.ConnectionCount() == 1 && nodeB.Orchestrator.ConnectionCount() == 1
	})

	archive := writeModuleArchive(t, t.TempDir(), "vision", map[string]string{"main.go": echoModuleSource})
	m := nodeA.Modules.Add("vision", archive)
	nodeA.Orchestrator.DistributeModule(nil, m)

	waitFor(t, 10*time.Second, "module on the peer", func() bool {
		for _, mod := range nodeB.Modules.Modules() {
			if mod.Name == "vision" {
				return true
			}
		}
		return false
	})

	// The receiving node can place operators from the transferred archive.
	if _, err := nodeB.Runtime.PlaceOperator("Echo"); err != nil {
		t.Fatalf("placing an operator from the transferred module: %v", err)
	}
}
