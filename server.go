package sparse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/whitaker-io/data"
)

// HealthInfo reports the last time a stream received a payload through the
// HTTP ingress.
type HealthInfo struct {
	StreamID    string    `json:"stream_id"`
	LastPayload time.Time `json:"last_payload"`
}

// apiServer is the node's HTTP and WebSocket surface: tuple ingress into
// streams, stream tailing, deployment creation, and module upload.
type apiServer struct {
	node *Node
	app  *fiber.App
	log  *logrus.Entry

	mtx        sync.Mutex
	healthInfo map[string]*HealthInfo
}

func newAPIServer(node *Node) *apiServer {
	s := &apiServer{
		node:       node,
		log:        node.entry("api"),
		healthInfo: map[string]*HealthInfo{},
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())

	app.Post("/stream/:selector", s.pushTuples)
	app.Use("/stream/:selector/ws", func(ctx *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(ctx) {
			return ctx.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/stream/:selector/ws", websocket.New(s.tailStream))
	app.Post("/deployments", s.createDeployment)
	app.Post("/modules/:name", s.uploadModule)
	app.Get("/health", s.health)

	s.app = app
	return s
}

func (s *apiServer) listen(ctx context.Context, port int) error {
	go func() {
		<-ctx.Done()
		if err := s.app.Shutdown(); err != nil {
			s.log.Warnf("api shutdown: %v", err)
		}
	}()

	return s.app.Listen(fmt.Sprintf(":%d", port))
}

// pushTuples accepts a single tuple or a list of tuples and routes them into
// the stream named by the selector.
func (s *apiServer) pushTuples(ctx *fiber.Ctx) error {
	selector := ctx.Params("selector")

	payload := []data.Data{}
	single := data.Data{}
	if err := ctx.BodyParser(&single); err == nil {
		payload = []data.Data{single}
	} else if err := ctx.BodyParser(&payload); err != nil {
		return ctx.SendStatus(http.StatusBadRequest)
	}

	now := time.Now()
	s.mtx.Lock()
	info, ok := s.healthInfo[selector]
	if !ok {
		info = &HealthInfo{StreamID: selector}
		s.healthInfo[selector] = info
	}
	if now.After(info.LastPayload) {
		info.LastPayload = now
	}
	s.mtx.Unlock()

	for _, tuple := range payload {
		s.node.Router.TupleReceived(selector, tuple)
	}

	return ctx.SendStatus(http.StatusAccepted)
}

// wsSink adapts a WebSocket connection into a stream subscriber. Emits may
// happen concurrently, so writes are serialised.
type wsSink struct {
	conn *websocket.Conn
	log  *logrus.Entry
	mu   sync.Mutex
}

func (w *wsSink) SendDataTuple(streamSelector string, tuple interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"stream_selector": streamSelector,
		"tuple":           tuple,
	})
	if err != nil {
		w.log.Warnf("marshaling tuple for websocket: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		w.log.Debugf("websocket write failed: %v", err)
	}
}

// tailStream subscribes the WebSocket client to the stream named by the
// selector and forwards every emitted tuple until the client disconnects.
func (s *apiServer) tailStream(conn *websocket.Conn) {
	selector := conn.Params("selector")
	sink := &wsSink{conn: conn, log: s.log}

	s.node.Router.Subscribe(selector, sink)
	defer s.node.Streams.RemoveSubscriber(sink)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *apiServer) createDeployment(ctx *fiber.Ctx) error {
	body := map[string]interface{}{}
	if err := ctx.BodyParser(&body); err != nil {
		return ctx.SendStatus(http.StatusBadRequest)
	}

	var d Deployment
	if err := mapstructure.Decode(body, &d); err != nil || d.Name == "" {
		return ctx.SendStatus(http.StatusBadRequest)
	}

	s.node.Orchestrator.CreateDeployment(d)
	return ctx.SendStatus(http.StatusCreated)
}

func (s *apiServer) uploadModule(ctx *fiber.Ctx) error {
	name := ctx.Params("name")
	body := ctx.Body()
	if len(body) == 0 {
		return ctx.SendStatus(http.StatusBadRequest)
	}

	archivePath := filepath.Join(os.TempDir(), name+".zip")
	if err := os.WriteFile(archivePath, body, 0o644); err != nil {
		s.log.Errorf("writing uploaded module: %v", err)
		return ctx.SendStatus(http.StatusInternalServerError)
	}

	module := s.node.Modules.Add(name, archivePath)
	s.node.Orchestrator.DistributeModule(nil, module)
	return ctx.SendStatus(http.StatusCreated)
}

func (s *apiServer) health(ctx *fiber.Ctx) error {
	s.mtx.Lock()
	info := make([]*HealthInfo, 0, len(s.healthInfo))
	for _, h := range s.healthInfo {
		info = append(info, h)
	}
	s.mtx.Unlock()

	streams := []string{}
	for _, stream := range s.node.Streams.Streams() {
		streams = append(streams, stream.Selector())
	}

	return ctx.JSON(map[string]interface{}{
		"node_id": s.node.ID,
		"streams": streams,
		"ingress": info,
	})
}
