package sparse

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Directions a peer connection can be established in. The initiator of the
// connection is the downstream, so its side is tagged egress; the acceptor
// records the peer as ingress.
const (
	directionIngress = "ingress"
	directionEgress  = "egress"
)

// peerProtocol multiplexes the cluster sub-protocols over a single peer
// connection: downstream handshake, deployment, module transfer, stream
// migration, stream pub/sub, and data tuples. Received objects are routed by
// their op value and the presence of a status field.
type peerProtocol struct {
	id        string
	node      *Node
	conn      net.Conn
	log       *logrus.Entry
	initiator bool

	writeMu sync.Mutex
	lost    sync.Once

	mu              sync.Mutex
	receivingModule string
	outgoing        []*Module
}

func newPeerProtocol(node *Node, conn net.Conn, initiator bool) *peerProtocol {
	id := uuid.NewString()
	return &peerProtocol{
		id:   id,
		node: node,
		conn: conn,
		log: node.log.WithFields(logrus.Fields{
			"component":  "protocol",
			"connection": id,
			"peer":       conn.RemoteAddr().String(),
		}),
		initiator: initiator,
	}
}

// start begins the read loop, and on the initiating side opens the
// downstream handshake. The peer is recorded by the orchestrator only once
// the handshake message (or its ack) arrives.
func (p *peerProtocol) start(ctx context.Context) {
	if p.initiator {
		p.sendConnectDownstream()
	}
	go p.readLoop(ctx)
}

func (p *peerProtocol) readLoop(ctx context.Context) {
	defer p.connectionLost()

	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()

	dec := &frameDecoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				p.handleFrame(f)
			}
		}
		if err != nil {
			p.log.Debugf("peer disconnected: %v", err)
			return
		}
	}
}

func (p *peerProtocol) connectionLost() {
	p.lost.Do(func() {
		p.conn.Close()
		p.node.Orchestrator.RemoveConnection(p)
	})
}

func (p *peerProtocol) handleFrame(f frame) {
	switch f.typ {
	case frameFile:
		p.fileReceived(f.payload)
	case frameObject:
		obj, err := decodeObject(f.payload)
		if err != nil {
			p.log.Errorf("deserialization error, dropping message: %d payload bytes: %v", len(f.payload), err)
			return
		}
		p.objectReceived(obj)
	default:
		p.log.Warnf("ignoring frame with unknown type %q", f.typ)
	}
}

func (p *peerProtocol) objectReceived(obj map[string]interface{}) {
	op, _ := obj["op"].(string)
	status, hasStatus := obj["status"].(string)

	switch op {
	case "connect_downstream":
		if hasStatus {
			if status == "success" {
				p.node.Orchestrator.AddConnection(p, directionEgress)
			}
		} else {
			p.sendObject(map[string]interface{}{"op": "connect_downstream", "status": "success"})
			p.node.Orchestrator.AddConnection(p, directionIngress)
		}

	case "create_connector_stream":
		var msg connectorStreamMsg
		if err := decodeMessage(obj, &msg); err != nil {
			p.log.Warnf("malformed create_connector_stream: %v", err)
			return
		}
		if hasStatus {
			p.log.Debugf("stream %s migration acknowledged", msg.StreamID)
			return
		}
		stream := p.node.Router.CreateConnectorStream(p, msg.StreamID, msg.StreamAlias)
		p.node.Orchestrator.DistributeStream(p, stream)
		p.sendObject(map[string]interface{}{
			"op":           "create_connector_stream",
			"status":       "success",
			"stream_id":    stream.ID,
			"stream_alias": stream.Alias,
		})

	case "subscribe":
		var msg subscribeMsg
		if err := decodeMessage(obj, &msg); err != nil || msg.StreamAlias == "" {
			if !hasStatus {
				p.sendObject(map[string]interface{}{"op": "subscribe", "status": "error"})
			}
			return
		}
		if hasStatus {
			p.log.Debugf("subscription to %s acknowledged with %s", msg.StreamAlias, status)
			return
		}
		p.node.Router.Subscribe(msg.StreamAlias, p)
		p.sendObject(map[string]interface{}{"op": "subscribe", "stream_alias": msg.StreamAlias, "status": "success"})

	case "data_tuple":
		var msg dataTupleMsg
		if err := decodeMessage(obj, &msg); err != nil {
			p.log.Warnf("malformed data_tuple: %v", err)
			return
		}
		p.node.Router.TupleReceived(msg.StreamSelector, msg.Tuple)

	case "create_deployment":
		if hasStatus {
			if status != "success" {
				p.log.Infof("unable to create a deployment on peer")
			}
			return
		}
		var msg deploymentMsg
		if err := decodeMessage(obj, &msg); err != nil {
			p.log.Warnf("malformed create_deployment: %v", err)
			p.sendObject(map[string]interface{}{"op": "create_deployment", "status": "error"})
			return
		}
		p.node.Orchestrator.CreateDeployment(msg.Deployment)
		p.sendObject(map[string]interface{}{"op": "create_deployment", "status": "success"})

	case "init_module_transfer":
		if hasStatus {
			switch status {
			case "accepted":
				p.moduleTransferAccepted()
			default:
				p.log.Errorf("module transfer initialization failed")
				p.advanceTransferQueue()
			}
			return
		}
		var msg moduleTransferMsg
		if err := decodeMessage(obj, &msg); err != nil || msg.ModuleName == "" {
			p.sendObject(map[string]interface{}{"op": "init_module_transfer", "status": "rejected"})
			return
		}
		p.initModuleTransferReceived(msg.ModuleName)

	case "transfer_file":
		if hasStatus && status == "success" {
			p.advanceTransferQueue()
		}

	default:
		p.log.Warnf("ignoring unknown op %q", op)
	}
}

// Module transfer, receiver side. Only one transfer may be in flight per
// connection; a second init before the file arrives is rejected.
func (p *peerProtocol) initModuleTransferReceived(moduleName string) {
	p.mu.Lock()
	if p.receivingModule != "" {
		p.mu.Unlock()
		p.sendObject(map[string]interface{}{"op": "init_module_transfer", "status": "rejected"})
		return
	}
	p.receivingModule = moduleName
	p.mu.Unlock()
	p.sendObject(map[string]interface{}{"op": "init_module_transfer", "status": "accepted"})
}

func (p *peerProtocol) fileReceived(data []byte) {
	p.mu.Lock()
	name := p.receivingModule
	p.receivingModule = ""
	p.mu.Unlock()

	if name == "" {
		p.log.Warnf("dropping unexpected file frame of %d bytes", len(data))
		return
	}

	archivePath := filepath.Join(os.TempDir(), name+".zip")
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		p.log.Errorf("writing module archive: %v", err)
		return
	}

	p.log.Infof("received module %s", name)
	module := p.node.Modules.Add(name, archivePath)
	p.node.Orchestrator.DistributeModule(p, module)
	p.sendObject(map[string]interface{}{"op": "transfer_file", "status": "success"})
}

// Module transfer, sender side. Transfers on one connection run one at a
// time; later requests queue behind the in-flight one.
func (p *peerProtocol) TransferModule(m *Module) {
	p.mu.Lock()
	p.outgoing = append(p.outgoing, m)
	first := len(p.outgoing) == 1
	p.mu.Unlock()

	if first {
		p.sendObject(map[string]interface{}{"op": "init_module_transfer", "module_name": m.Name})
	}
}

func (p *peerProtocol) moduleTransferAccepted() {
	p.mu.Lock()
	var current *Module
	if len(p.outgoing) > 0 {
		current = p.outgoing[0]
	}
	p.mu.Unlock()

	if current == nil {
		p.log.Warnf("transfer accepted with no module queued")
		return
	}
	p.sendFile(current.ArchivePath)
}

func (p *peerProtocol) advanceTransferQueue() {
	p.mu.Lock()
	if len(p.outgoing) > 0 {
		p.outgoing = p.outgoing[1:]
	}
	var next *Module
	if len(p.outgoing) > 0 {
		next = p.outgoing[0]
	}
	p.mu.Unlock()

	if next != nil {
		p.sendObject(map[string]interface{}{"op": "init_module_transfer", "module_name": next.Name})
	}
}

// SendDataTuple forwards a tuple for a stream to the peer. It implements the
// subscriber interface, so a peer protocol can sit directly in a stream's
// subscriber set.
func (p *peerProtocol) SendDataTuple(streamSelector string, tuple interface{}) {
	p.log.Debugf("sending tuple for stream %s", streamSelector)
	p.sendObject(map[string]interface{}{"op": "data_tuple", "stream_selector": streamSelector, "tuple": tuple})
}

// SendCreateConnectorStream migrates a stream to the peer. Absent identifiers
// are omitted from the message.
func (p *peerProtocol) SendCreateConnectorStream(streamID, streamAlias string) {
	obj := map[string]interface{}{"op": "create_connector_stream"}
	if streamID != "" {
		obj["stream_id"] = streamID
	}
	if streamAlias != "" {
		obj["stream_alias"] = streamAlias
	}
	p.sendObject(obj)
}

// SendSubscribe subscribes this node to a stream published by the peer.
func (p *peerProtocol) SendSubscribe(streamAlias string) {
	p.sendObject(map[string]interface{}{"op": "subscribe", "stream_alias": streamAlias})
}

func (p *peerProtocol) sendConnectDownstream() {
	p.log.Infof("connecting to cluster parent")
	p.sendObject(map[string]interface{}{"op": "connect_downstream"})
}

func (p *peerProtocol) sendObject(obj map[string]interface{}) {
	payload, err := encodeObject(obj)
	if err != nil {
		p.log.Errorf("encoding %v object: %v", obj["op"], err)
		return
	}
	p.write(encodeFrame(frameObject, payload))
}

func (p *peerProtocol) sendFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Errorf("reading file %s: %v", path, err)
		return
	}
	p.write(encodeFrame(frameFile, data))
}

func (p *peerProtocol) write(b []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.conn.Write(b); err != nil {
		p.log.Debugf("write failed: %v", err)
	}
}
