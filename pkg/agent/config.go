package agent

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Config is the on-disk interface configuration read from <ifname>.conf
// (§4.G, carried over from the client daemon's original config.rs
// shape). Parsing the TOML itself is an external collaborator boundary;
// this struct and its defaulting are ambient concerns wireplug owns.
type Config struct {
	Interface Interface `toml:"Interface"`
	Peers     []Peer    `toml:"Peer"`
}

// Interface holds the local WireGuard identity and address.
type Interface struct {
	Address    string `toml:"Address"`
	PrivateKey string `toml:"PrivateKey"`
	PublicKey  string `toml:"PublicKey,omitempty"`
}

// Peer holds one statically configured counterparty.
type Peer struct {
	PublicKey  string `toml:"PublicKey"`
	AllowedIPs string `toml:"AllowedIPs"`
}

// ReadConfigFile loads and parses path as TOML.
func ReadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("agent: read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("agent: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ExampleConfig returns a freshly keyed example configuration, used by
// --generate-config.
func ExampleConfig() (Config, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Config{}, fmt.Errorf("agent: generate example config: %w", err)
	}
	return Config{
		Interface: Interface{
			Address:    "10.0.0.1/24",
			PrivateKey: priv.String(),
			PublicKey:  priv.PublicKey().String(),
		},
		Peers: []Peer{{
			PublicKey:  randomExampleKey(),
			AllowedIPs: "10.0.0.2/32",
		}},
	}, nil
}

// WriteExampleConfig writes a fresh example configuration to
// <ifname>.conf, refusing to overwrite an existing file.
func WriteExampleConfig(ifname string) error {
	path := ifname + ".conf"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("agent: %s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("agent: stat %s: %w", path, err)
	}

	cfg, err := ExampleConfig()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("agent: marshal example config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("agent: write %s: %w", path, err)
	}
	return nil
}

func randomExampleKey() string {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		// Fall back to the hex form of 32 bytes read from crypto/rand
		// (all zero if that read fails too) for this purely illustrative
		// example-peer slot; the result is not a base64 WireGuard key.
		var b [32]byte
		_, _ = rand.Read(b[:])
		return fmt.Sprintf("%x", b)
	}
	return key.PublicKey().String()
}
