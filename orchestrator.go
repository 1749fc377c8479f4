package sparse

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// peerLink is the orchestrator's view of a peer connection: the narrow set of
// sends it performs during cluster state propagation. The peer protocol
// implements it; tests substitute fakes.
type peerLink interface {
	subscriber
	SendCreateConnectorStream(streamID, streamAlias string)
	TransferModule(m *Module)
}

// ClusterConnection pairs a peer link with the direction the underlying
// connection was established in.
type ClusterConnection struct {
	link      peerLink
	direction string
	log       *logrus.Entry
}

// Direction reports whether the connection is ingress or egress.
func (c *ClusterConnection) Direction() string {
	return c.direction
}

// migrateStream replicates a local stream on the peer and subscribes the peer
// to it, so future local tuples are forwarded.
func (c *ClusterConnection) migrateStream(stream *Stream) {
	c.log.Debugf("broadcasting stream %s to peer", stream)
	c.link.SendCreateConnectorStream(stream.ID, stream.Alias)
	stream.Subscribe(c.link)
}

// ClusterOrchestrator tracks the peer connections and propagates modules and
// streams across them. It also lays out pipelines from deployment
// descriptors.
type ClusterOrchestrator struct {
	runtime    *Runtime
	repository *StreamRepository
	modules    *ModuleRepository
	log        *logrus.Entry

	mu          sync.Mutex
	connections []*ClusterConnection
}

func newClusterOrchestrator(runtime *Runtime, repository *StreamRepository, modules *ModuleRepository, log *logrus.Entry) *ClusterOrchestrator {
	return &ClusterOrchestrator{
		runtime:    runtime,
		repository: repository,
		modules:    modules,
		log:        log,
	}
}

// AddConnection records a peer connection and migrates every currently-known
// local stream to the new peer.
func (o *ClusterOrchestrator) AddConnection(link peerLink, direction string) {
	conn := &ClusterConnection{link: link, direction: direction, log: o.log}

	o.mu.Lock()
	o.connections = append(o.connections, conn)
	o.mu.Unlock()

	o.log.Infof("added %s connection with peer", direction)

	for _, stream := range o.repository.Streams() {
		conn.migrateStream(stream)
	}
}

// RemoveConnection drops a peer connection from the set and removes it from
// every stream's subscriber set.
func (o *ClusterOrchestrator) RemoveConnection(link peerLink) {
	o.mu.Lock()
	for i, conn := range o.connections {
		if conn.link == link {
			o.connections = append(o.connections[:i], o.connections[i+1:]...)
			o.log.Infof("removed %s connection with peer", conn.direction)
			break
		}
	}
	o.mu.Unlock()

	o.repository.RemoveSubscriber(link)
}

// Connections returns a snapshot of the current peer connections.
func (o *ClusterOrchestrator) Connections() []*ClusterConnection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*ClusterConnection(nil), o.connections...)
}

// ConnectionCount returns the number of live peer connections.
func (o *ClusterOrchestrator) ConnectionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.connections)
}

// DistributeModule transfers a module to every peer except the source it was
// received from. A nil source distributes to every peer.
func (o *ClusterOrchestrator) DistributeModule(source peerLink, m *Module) {
	for _, conn := range o.Connections() {
		if source != nil && conn.link == source {
			continue
		}
		o.log.Infof("distributing module %s to peer", m.Name)
		conn.link.TransferModule(m)
	}
}

// DistributeStream migrates a newly learned stream to every peer except its
// origin. The origin is also removed from the stream's subscriber set, so
// its own tuples are never forwarded back.
func (o *ClusterOrchestrator) DistributeStream(source peerLink, stream *Stream) {
	if source != nil {
		stream.Unsubscribe(source)
	}

	for _, conn := range o.Connections() {
		if source != nil && conn.link == source {
			continue
		}
		conn.migrateStream(stream)
	}
}

// CreateDeployment lays out the pipelines described by a deployment
// descriptor on this node.
func (o *ClusterOrchestrator) CreateDeployment(d Deployment) {
	o.log.Debugf("creating deployment %s", d)
	inputs := map[string]bool{}
	for _, selector := range d.Streams {
		inputs[selector] = true
	}
	o.DeployPipelines(inputs, d.Pipelines, nil)
}

// internStream resolves a selector to a local stream. A stream this node did
// not previously know is announced to every peer, so placement-created
// streams propagate across the cluster like migrated ones.
func (o *ClusterOrchestrator) internStream(streamAlias string) *Stream {
	if streamAlias != "" {
		if existing := o.repository.FindStream(streamAlias); existing != nil {
			return existing
		}
	}

	stream := o.repository.GetStream("", streamAlias)
	o.DistributeStream(nil, stream)
	return stream
}

// DeployPipelines recursively walks a pipeline map. Keys naming known input
// streams resolve to the existing stream; other keys are placed as operators
// fed by the current source. Map values recurse with the resolved stream as
// the new source; list values chain the resolved stream into those named leaf
// streams that are known input streams, and other leaves are skipped with a
// warning.
func (o *ClusterOrchestrator) DeployPipelines(inputStreams map[string]bool, pipelines map[string]interface{}, source *Stream) {
	for key, destinations := range pipelines {
		var output *Stream

		if inputStreams[key] {
			output = o.internStream(key)
		} else {
			operator, err := o.runtime.PlaceOperator(key)
			if err != nil {
				o.log.Warnf("deployment skipped a branch: %v", err)
				continue
			}
			if source == nil {
				o.log.Warnf("placed operator %s with no input stream", operator)
			} else {
				output = o.internStream("")
				source.ConnectToOperator(operator, output)
			}
		}

		switch dest := destinations.(type) {
		case map[string]interface{}:
			o.DeployPipelines(inputStreams, dest, output)
		case []interface{}:
			if output == nil {
				continue
			}
			for _, leaf := range dest {
				selector, ok := leaf.(string)
				if !ok {
					o.log.Warnf("ignoring non-string pipeline leaf %v", leaf)
					continue
				}
				if inputStreams[selector] {
					final := o.internStream(selector)
					output.ConnectToStream(final)
				} else {
					o.log.Warnf("leaf stream %s not created", selector)
				}
			}
		case nil:
		default:
			o.log.Warnf("ignoring pipeline destination of unexpected shape for %s", key)
		}
	}
}
