package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the configuration settings for the application.
type Config struct {
	Server   *ServerConfig `yaml:"server"`
	LogLevel string        `yaml:"log_level"`
	DB       *DBConfig     `yaml:"db"`
	Node     *NodeConfig   `yaml:"node"`
	Ledger   *LedgerConfig `yaml:"ledger"`
	Wallet   *WalletConfig `yaml:"wallet"`
	Peer     *PeerConfig   `yaml:"peer"`
}

// ServerConfig holds the configuration settings for the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	DBType string `yaml:"db_type"`
	Reset  bool   `yaml:"reset"` // drop queued messages left by a previous run
}

// NodeConfig describes how this node is reached and how it joins the ring.
type NodeConfig struct {
	Bootstrap     bool   `yaml:"bootstrap"`
	PublicHost    string `yaml:"public_host"`
	PublicPort    int    `yaml:"public_port"`
	BootstrapHost string `yaml:"bootstrap_host"`
	BootstrapPort int    `yaml:"bootstrap_port"`
}

// LedgerConfig must be identical on every node of the ring.
type LedgerConfig struct {
	RingSize     int    `yaml:"ring_size"`     // N
	Capacity     int    `yaml:"capacity"`      // C, transactions per block
	Difficulty   int    `yaml:"difficulty"`    // leading zero hex digits
	InitialCoins string `yaml:"initial_coins"` // handed to every joining node
}

type WalletConfig struct {
	KeyFile string `yaml:"key_file"`
}

// PeerConfig tunes outbound delivery to ring members.
type PeerConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts uint          `yaml:"attempts"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}
	config.setDefaults()

	return config, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server == nil {
		c.Server = &ServerConfig{Host: "127.0.0.1", Port: 5000}
	}
	if c.DB == nil {
		c.DB = &DBConfig{Name: "node", Dir: "./data", DBType: "goleveldb"}
	}
	if c.Node == nil {
		c.Node = &NodeConfig{Bootstrap: true}
	}
	if c.Node.PublicHost == "" {
		c.Node.PublicHost = c.Server.Host
	}
	if c.Node.PublicPort == 0 {
		c.Node.PublicPort = c.Server.Port
	}
	if c.Ledger == nil {
		c.Ledger = &LedgerConfig{}
	}
	if c.Ledger.RingSize == 0 {
		c.Ledger.RingSize = 4
	}
	if c.Ledger.Capacity == 0 {
		c.Ledger.Capacity = 1
	}
	if c.Ledger.Difficulty == 0 {
		c.Ledger.Difficulty = 5
	}
	if c.Ledger.InitialCoins == "" {
		c.Ledger.InitialCoins = "100"
	}
	if c.Wallet == nil {
		c.Wallet = &WalletConfig{KeyFile: "./node.pem"}
	}
	if c.Peer == nil {
		c.Peer = &PeerConfig{}
	}
	if c.Peer.Timeout == 0 {
		c.Peer.Timeout = 5 * time.Second
	}
	if c.Peer.Attempts == 0 {
		c.Peer.Attempts = 3
	}
}
