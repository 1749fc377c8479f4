package sparse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fasthttp/websocket"
)

// Client talks to a node's HTTP API: it uploads module archives, posts
// deployments, and tails streams over WebSocket.
type Client struct {
	// Addr is the host:port of the node's HTTP API.
	Addr string
	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ArchiveModule packs a module source directory into a zip archive in the
// temp directory and returns the module name and the archive path. The
// module name is the base name of the directory.
func (c *Client) ArchiveModule(moduleDir string) (string, string, error) {
	abs, err := filepath.Abs(moduleDir)
	if err != nil {
		return "", "", err
	}
	name := filepath.Base(abs)
	archivePath := filepath.Join(os.TempDir(), name+".zip")

	out, err := os.Create(archivePath)
	if err != nil {
		return "", "", err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	err = filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		w.Close()
		return "", "", err
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}

	return name, archivePath, nil
}

// UploadModule uploads a module archive to the cluster.
func (c *Client) UploadModule(name, archivePath string) error {
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}

	resp, err := c.httpClient().Post(
		fmt.Sprintf("http://%s/modules/%s", c.Addr, name),
		"application/zip",
		bytes.NewReader(raw),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("uploading module %s: unexpected status %s", name, resp.Status)
	}
	return nil
}

// CreateDeployment posts a deployment descriptor to the cluster.
func (c *Client) CreateDeployment(d Deployment) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}

	resp, err := c.httpClient().Post(
		fmt.Sprintf("http://%s/deployments", c.Addr),
		"application/json",
		bytes.NewReader(raw),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("creating deployment %s: unexpected status %s", d.Name, resp.Status)
	}
	return nil
}

// TailedTuple is one message received while tailing a stream.
type TailedTuple struct {
	StreamSelector string      `json:"stream_selector"`
	Tuple          interface{} `json:"tuple"`
}

// Tail subscribes to a stream over WebSocket and invokes fn for every tuple
// until the context is cancelled or the connection closes.
func (c *Client) Tail(ctx context.Context, selector string, fn func(TailedTuple)) error {
	url := fmt.Sprintf("ws://%s/stream/%s/ws", c.Addr, strings.TrimPrefix(selector, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var tuple TailedTuple
		if err := json.Unmarshal(msg, &tuple); err != nil {
			continue
		}
		fn(tuple)
	}
}
