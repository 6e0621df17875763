package server

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

const (
	defaultNATSServer   = "nats://localhost:4222"
	defaultHTTPHost     = "0.0.0.0"
	defaultHTTPPort     = 8480
	defaultFetchTimeout = 30 * time.Second
)

// Config contains the settings for a JournalNode server.
type Config struct {
	ServerID     string
	DataDir      string
	Namespace    string
	NATSServers  []string
	EmbeddedNATS bool
	HTTPHost     string
	HTTPPort     int
	LogLevel     uint32
	LogSilent    bool
	FetchTimeout time.Duration
}

// NewDefaultConfig returns a Config populated with defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Namespace:    protocol.DefaultNamespace,
		NATSServers:  []string{defaultNATSServer},
		HTTPHost:     defaultHTTPHost,
		HTTPPort:     defaultHTTPPort,
		LogLevel:     uint32(log.InfoLevel),
		FetchTimeout: defaultFetchTimeout,
	}
}

// NewConfig creates a Config from the given file, with defaults applied for
// anything the file does not set. An empty path yields the defaults.
func NewConfig(configFile string) (*Config, error) {
	config := NewDefaultConfig()

	v := viper.New()
	v.SetDefault("rpc.namespace", config.Namespace)
	v.SetDefault("nats.servers", config.NATSServers)
	v.SetDefault("nats.embedded", false)
	v.SetDefault("http.host", config.HTTPHost)
	v.SetDefault("http.port", config.HTTPPort)
	v.SetDefault("logging.level", "info")
	v.SetDefault("journal.fetch.timeout", config.FetchTimeout)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	level, err := log.ParseLevel(strings.ToLower(v.GetString("logging.level")))
	if err != nil {
		return nil, err
	}

	config.ServerID = v.GetString("server.id")
	config.DataDir = v.GetString("data.dir")
	config.Namespace = v.GetString("rpc.namespace")
	config.NATSServers = v.GetStringSlice("nats.servers")
	config.EmbeddedNATS = v.GetBool("nats.embedded")
	config.HTTPHost = v.GetString("http.host")
	config.HTTPPort = v.GetInt("http.port")
	config.LogLevel = uint32(level)
	config.FetchTimeout = v.GetDuration("journal.fetch.timeout")
	return config, nil
}
