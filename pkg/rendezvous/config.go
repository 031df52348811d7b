package rendezvous

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigPath is where wpcod reads its configuration from by
// default (original_source/server/src/config.rs's CONFIG_PATH).
const DefaultConfigPath = "/etc/wpcod.conf"

// Config is the on-disk server configuration: the rendezvous TLS bind
// address, one or more STUN UDP bind addresses, and the TLS certificate
// pair. Parsing the TOML itself is an external collaborator boundary;
// this struct and its shape are the ambient concern wireplug owns.
type Config struct {
	WPListenOn    string   `toml:"WpListenOn"`
	StunListenOn  []string `toml:"StunListenOn"`
	CertPath      string   `toml:"CertPath"`
	KeyPath       string   `toml:"KeyPath"`
	StatusSocket  string   `toml:"StatusSocket"`
}

// ReadConfigFile loads and parses path as TOML.
func ReadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rendezvous: read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("rendezvous: parse config %s: %w", path, err)
	}
	return cfg, nil
}
