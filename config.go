package sparse

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the settings for a cluster node. It is loaded once from the
// environment at process start and passed by value into NewNode.
type Config struct {
	// RootServerAddress is the address of a cluster peer to dial on startup.
	// When empty the node only accepts inbound peers.
	RootServerAddress string
	// RootServerPort is the TCP port the cluster listener binds, and the
	// default port used when dialing RootServerAddress.
	RootServerPort int
	// ListenAddress and ListenPort are kept for compatibility with older
	// worker configurations. The listener binds RootServerPort on 0.0.0.0.
	ListenAddress string
	ListenPort    int
	// HTTPServerPort is the port for the HTTP and WebSocket API.
	HTTPServerPort int
	// AppRepoPath is the directory module archives are unpacked under.
	AppRepoPath string
	// DataPath is the directory runtime statistics files are written under.
	DataPath string
}

// LoadConfig reads the node configuration from the environment, applying
// defaults for unset variables.
func LoadConfig() Config {
	return Config{
		RootServerAddress: os.Getenv("SPARSE_ROOT_SERVER_ADDRESS"),
		RootServerPort:    envInt("SPARSE_ROOT_SERVER_PORT", 50006),
		ListenAddress:     envString("WORKER_LISTEN_ADDRESS", "127.0.0.1"),
		ListenPort:        envInt("WORKER_LISTEN_PORT", 50007),
		HTTPServerPort:    envInt("SPARSE_HTTP_SERVER_PORT", 50008),
		AppRepoPath:       envString("SPARSE_APP_REPO_PATH", "/usr/lib/sparse/apps"),
		DataPath:          envString("SPARSE_DATA_PATH", "/var/lib/sparse/stats"),
	}
}

// ListenAddr returns the address the cluster listener binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.RootServerPort)
}

// RootServerAddr returns the dial address of the configured parent node. The
// configured address may carry an explicit port, otherwise RootServerPort is
// appended.
func (c Config) RootServerAddr() string {
	if c.RootServerAddress == "" {
		return ""
	}
	for i := len(c.RootServerAddress) - 1; i >= 0; i-- {
		if c.RootServerAddress[i] == ':' {
			return c.RootServerAddress
		}
	}
	return fmt.Sprintf("%s:%d", c.RootServerAddress, c.RootServerPort)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
