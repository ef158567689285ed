package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/collie-robotics/collie"
)

// Config is the TOML file colliectl runs from.
type Config struct {
	// Method is LocalAP, LocalSTA, or Remote.
	Method string `toml:"method"`

	IP       string `toml:"ip"`
	Serial   string `toml:"serial"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// Topics to subscribe to and log.
	Topics []string `toml:"topics"`

	LidarTopic    string `toml:"lidar_topic"`
	AutoReconnect bool   `toml:"auto_reconnect"`

	// Serve is the websocket relay's listen address, used by the
	// serve subcommand. Defaults to :8800.
	Serve string `toml:"serve"`
}

// LoadConfig parses the TOML file at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Serve == "" {
		cfg.Serve = ":8800"
	}
	return cfg, nil
}

// SessionMethod converts the config's method block to a connection
// method.
func (c Config) SessionMethod() (collie.Method, error) {
	switch c.Method {
	case "LocalAP", "":
		return collie.Method{Kind: collie.MethodLocalAP}, nil
	case "LocalSTA":
		return collie.Method{
			Kind:   collie.MethodLocalSTA,
			IP:     c.IP,
			Serial: c.Serial,
		}, nil
	case "Remote":
		return collie.Method{
			Kind:     collie.MethodRemote,
			Serial:   c.Serial,
			Username: c.Username,
			Password: c.Password,
		}, nil
	default:
		return collie.Method{}, fmt.Errorf("unknown method %q", c.Method)
	}
}
