package sparse

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const dialRetryInterval = 5 * time.Second

// Node is a cluster peer: it hosts the stream repository and router, the
// operator runtime, the module repository, the cluster orchestrator, and the
// QoS monitor, and serves the cluster listener and the HTTP API.
type Node struct {
	ID     string
	Config Config

	QoS          *QoSMonitor
	Modules      *ModuleRepository
	Runtime      *Runtime
	Streams      *StreamRepository
	Router       *StreamRouter
	Orchestrator *ClusterOrchestrator

	log *logrus.Logger
	api *apiServer
}

// NewNode builds a node from an immutable configuration and a logger. The
// logger is passed down to every subsystem; there is no process-wide logging
// state.
func NewNode(cfg Config, log *logrus.Logger) *Node {
	if log == nil {
		log = logrus.New()
	}

	n := &Node{
		ID:     uuid.NewString(),
		Config: cfg,
		log:    log,
	}

	n.QoS = newQoSMonitor(cfg.DataPath, n.entry("qos"))
	n.Modules = newModuleRepository(cfg.AppRepoPath, n.entry("modules"))
	n.Runtime = newRuntime(n.Modules, n.QoS, n.entry("runtime"))
	n.Streams = newStreamRepository(n.Runtime, n.entry("streams"))
	n.Router = newStreamRouter(n.Runtime, n.Streams, n.entry("router"))
	n.Orchestrator = newClusterOrchestrator(n.Runtime, n.Streams, n.Modules, n.entry("orchestrator"))
	n.api = newAPIServer(n)

	return n
}

func (n *Node) entry(component string) *logrus.Entry {
	return n.log.WithField("component", component)
}

// Start runs the node until the context is cancelled: the cluster listener,
// the task dispatcher, the HTTP API, the module drop-in watcher, and, when a
// root server is configured, the outbound peering dial.
func (n *Node) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.Config.ListenAddr())
	if err != nil {
		return fmt.Errorf("starting cluster listener: %w", err)
	}
	n.log.Infof("server listening to %s", listener.Addr())

	go n.Runtime.Run(ctx)

	if err := n.Modules.Watch(ctx, func(m *Module) {
		n.Orchestrator.DistributeModule(nil, m)
	}); err != nil {
		n.log.Warnf("module drop-in watching disabled: %v", err)
	}

	go n.acceptLoop(ctx, listener)
	go func() {
		if err := n.api.listen(ctx, n.Config.HTTPServerPort); err != nil {
			n.log.Warnf("api server: %v", err)
		}
	}()

	if addr := n.Config.RootServerAddr(); addr != "" {
		go n.dialDownstream(ctx, addr)
	}

	<-ctx.Done()
	listener.Close()
	n.QoS.Close()
	return nil
}

func (n *Node) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				n.log.Warnf("accept failed: %v", err)
			}
			return
		}
		newPeerProtocol(n, conn, false).start(ctx)
	}
}

// dialDownstream connects to the configured parent node, retrying every five
// seconds until a connection is established. A connection lost after the
// handshake is not redialed; the peer may dial back.
func (n *Node) dialDownstream(ctx context.Context, addr string) {
	for {
		conn, err := net.DialTimeout("tcp", addr, dialRetryInterval)
		if err == nil {
			newPeerProtocol(n, conn, true).start(ctx)
			return
		}

		n.log.Warnf("connection to %s refused, re-trying in 5 seconds", addr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(dialRetryInterval):
		}
	}
}
