package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Contracts holds the fixed, network-specific contract addresses.
type Contracts struct {
	Savings string `json:"savings" yaml:"savings"`
	USDC    string `json:"usdc"    yaml:"usdc"`
	WBTC    string `json:"wbtc"    yaml:"wbtc"`
}

// Network identifies the single chain a deployment talks to.
type Network struct {
	ChainID       int64     `json:"chainId"       yaml:"chainId"`
	Name          string    `json:"name"          yaml:"name"`
	RPCURL        string    `json:"rpcUrl"        yaml:"rpcUrl"`
	BlockExplorer string    `json:"blockExplorer" yaml:"blockExplorer"`
	Contracts     Contracts `json:"contracts"     yaml:"contracts"`
}

// TxURL links a transaction hash on the block explorer.
func (n Network) TxURL(hash string) string {
	if n.BlockExplorer == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(n.BlockExplorer, "/") + "/tx/" + hash
}

// AddressURL links an account or contract on the block explorer.
func (n Network) AddressURL(addr string) string {
	if n.BlockExplorer == "" || addr == "" {
		return ""
	}
	return strings.TrimRight(n.BlockExplorer, "/") + "/address/" + addr
}

func (n Network) Validate() error {
	if n.ChainID <= 0 {
		return fmt.Errorf("network %q: chain id is required", n.Name)
	}
	for label, addr := range map[string]string{
		"savings": n.Contracts.Savings,
		"usdc":    n.Contracts.USDC,
		"wbtc":    n.Contracts.WBTC,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("network %q: invalid %s contract address %q", n.Name, label, addr)
		}
	}
	return nil
}

// ServiceConfig is read from PIGGYBANK_* environment variables.
type ServiceConfig struct {
	HTTPPort        int           `envconfig:"HTTP_PORT"        default:"3000"`
	Network         string        `envconfig:"NETWORK"          default:"base"`
	DeploymentPath  string        `envconfig:"DEPLOYMENT_PATH"`
	RPCURL          string        `envconfig:"RPC_URL"`
	PrivateKey      string        `envconfig:"PRIVATE_KEY"`
	ExternalSigner  string        `envconfig:"EXTERNAL_SIGNER"`
	ExternalAccount string        `envconfig:"EXTERNAL_ACCOUNT"`
	Dev             bool          `envconfig:"DEV"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	HMACSecret    string        `envconfig:"HMAC_SECRET"`
	HMACClockSkew time.Duration `envconfig:"HMAC_CLOCK_SKEW" default:"60s"`

	IdempotencyBackend   string        `envconfig:"IDEMPOTENCY_BACKEND" default:"file"`
	IdempotencyWindow    time.Duration `envconfig:"IDEMPOTENCY_WINDOW"  default:"24h"`
	IdempotencyStorePath string        `envconfig:"IDEMPOTENCY_STORE_PATH"`
	PostgresDSN          string        `envconfig:"POSTGRES_DSN"`
	RedisAddr            string        `envconfig:"REDIS_ADDR"`

	PollInterval        time.Duration `envconfig:"POLL_INTERVAL"         default:"10s"`
	ReceiptPollInterval time.Duration `envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`
	SuccessTTL          time.Duration `envconfig:"SUCCESS_TTL"           default:"5s"`

	LogLevel  string `envconfig:"LOG_LEVEL"  default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// AppConfig ties together the network profile and service settings.
type AppConfig struct {
	Network Network
	Service ServiceConfig
}

const envPrefix = "piggybank"

// Load reads service settings from the environment and resolves the network
// profile, either from a deployment file or a built-in profile.
func Load() (*AppConfig, error) {
	var svc ServiceConfig
	if err := Process(&svc); err != nil {
		return nil, err
	}
	return Resolve(svc)
}

// Process fills svc from the environment without resolving the network, so
// callers can apply overrides first.
func Process(svc *ServiceConfig) error {
	if err := envconfig.Process(envPrefix, svc); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// Resolve builds an AppConfig from already-populated service settings.
func Resolve(svc ServiceConfig) (*AppConfig, error) {
	if svc.Dev {
		svc.Network = DevNetworkName
	}
	if svc.IdempotencyStorePath == "" {
		svc.IdempotencyStorePath = filepath.Join(os.TempDir(), "piggybank-idem.json")
	}

	var network Network
	if svc.DeploymentPath != "" {
		loaded, err := loadDeployment(svc.DeploymentPath)
		if err != nil {
			return nil, fmt.Errorf("load deployment: %w", err)
		}
		network = *loaded
	} else {
		profile, ok := Profile(svc.Network)
		if !ok {
			return nil, fmt.Errorf("unknown network %q", svc.Network)
		}
		network = profile
	}
	if svc.RPCURL != "" {
		network.RPCURL = svc.RPCURL
	}
	if err := network.Validate(); err != nil {
		return nil, err
	}

	return &AppConfig{Network: network, Service: svc}, nil
}

func loadDeployment(path string) (*Network, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var n Network
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &n)
	default:
		err = json.Unmarshal(raw, &n)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}
