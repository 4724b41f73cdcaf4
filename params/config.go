package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/crypto"
)

type Node struct {
	DataDir string // pebble store and journal live here
	LogFile string // empty logs to stdout only
	Verbose bool   // debug level and the event log sink
	// EnableFeeder drives synthetic traders against the devnet chain.
	// Ignored when CHAIN_RPC_URL is set.
	EnableFeeder bool
	FeederMode   string // "default" or "high"
}

type Engine struct {
	FeeDivisor      uint64 // 0 disables fees
	FillHistory     int
	TransferTimeout time.Duration
}

// Chain selects custody. An empty RPCURL runs the in-memory devnet chain
// with Address as the custody account.
type Chain struct {
	RPCURL     string
	ChainID    *big.Int
	Address    common.Address
	PrivateKey string // hex, required with RPCURL
}

type Events struct {
	KafkaBrokers []string // empty disables the kafka sink
	KafkaTopic   string
}

type API struct {
	Addr        string
	CORSOrigins []string
	AdminToken  string // empty disables admin routes
}

// AssetSpec is one ASSETS entry: SYM=0xaddr:decimals
type AssetSpec struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

type Config struct {
	Node   Node
	Engine Engine
	Chain  Chain
	Events Events
	API    API
	Domain crypto.EIP712Domain

	NativeSymbol   string
	NativeDecimals int32
	Assets         []AssetSpec
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:    "data",
			LogFile:    "data/node.log",
			FeederMode: "default",
		},
		Engine: Engine{
			FeeDivisor:      1000,
			FillHistory:     1024,
			TransferTimeout: 2 * time.Minute,
		},
		Chain: Chain{
			ChainID: big.NewInt(1337),
			Address: common.HexToAddress("0x00000000000000000000000000000000000E0E0E"),
		},
		Events: Events{
			KafkaTopic: "youstock-events",
		},
		API: API{
			Addr: ":8080",
		},
		Domain:         crypto.DefaultDomain(),
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.DataDir+"/node.log")
	if cfg.Node.LogFile == "none" {
		cfg.Node.LogFile = ""
	}
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"
	cfg.Node.EnableFeeder = os.Getenv("ENABLE_FEEDER") == "true"
	cfg.Node.FeederMode = getEnv("FEEDER_MODE", cfg.Node.FeederMode)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.API.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))
	cfg.Events.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	if v := os.Getenv("FEE_DIVISOR"); v != "" {
		d, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FEE_DIVISOR: %w", err)
		}
		cfg.Engine.FeeDivisor = d
	}
	if v := os.Getenv("TRANSFER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TransferTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FILL_HISTORY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("FILL_HISTORY: invalid value %q", v)
		}
		cfg.Engine.FillHistory = n
	}

	cfg.Chain.RPCURL = os.Getenv("CHAIN_RPC_URL")
	cfg.Chain.PrivateKey = os.Getenv("ENGINE_PRIVATE_KEY")
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok || id.Sign() <= 0 {
			return cfg, fmt.Errorf("CHAIN_ID: invalid value %q", v)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("ENGINE_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("ENGINE_ADDRESS: invalid address %q", v)
		}
		cfg.Chain.Address = common.HexToAddress(v)
	}
	if cfg.Chain.RPCURL != "" && cfg.Chain.PrivateKey == "" {
		return cfg, fmt.Errorf("CHAIN_RPC_URL requires ENGINE_PRIVATE_KEY")
	}

	// Signatures are bound to the chain custody runs on
	cfg.Domain.ChainID = new(big.Int).Set(cfg.Chain.ChainID)
	cfg.Domain.Name = getEnv("EIP712_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("EIP712_VERSION", cfg.Domain.Version)
	if v := os.Getenv("EIP712_VERIFYING_CONTRACT"); v != "" {
		cfg.Domain.VerifyingContract = common.HexToAddress(v)
	}

	cfg.NativeSymbol = getEnv("NATIVE_SYMBOL", cfg.NativeSymbol)
	if v := os.Getenv("ASSETS"); v != "" {
		specs, err := ParseAssets(v)
		if err != nil {
			return cfg, fmt.Errorf("ASSETS: %w", err)
		}
		cfg.Assets = specs
	}

	return cfg, nil
}

// ParseAssets reads "STN=0xabc...:4,USD=0xdef...:6"
func ParseAssets(s string) ([]AssetSpec, error) {
	var out []AssetSpec
	for _, item := range splitList(s) {
		symbol, rest, ok := strings.Cut(item, "=")
		if !ok || symbol == "" {
			return nil, fmt.Errorf("entry %q: want SYM=0xaddr:decimals", item)
		}
		addr, dec, ok := strings.Cut(rest, ":")
		if !ok || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("entry %q: invalid address", item)
		}
		d, err := strconv.ParseInt(dec, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("entry %q: invalid decimals: %w", item, err)
		}
		out = append(out, AssetSpec{
			Symbol:   strings.ToUpper(symbol),
			Address:  common.HexToAddress(addr),
			Decimals: int32(d),
		})
	}
	return out, nil
}

// Registry builds the asset registry for the native currency and every configured token
func (c Config) Registry() (*asset.Registry, error) {
	reg := asset.NewRegistry(c.NativeSymbol, c.NativeDecimals)
	for _, spec := range c.Assets {
		if spec.Address == (common.Address{}) {
			return nil, fmt.Errorf("asset %s: zero address is reserved for %s", spec.Symbol, c.NativeSymbol)
		}
		if err := reg.Register(asset.Info{Symbol: spec.Symbol, Ref: asset.Token(spec.Address), Decimals: spec.Decimals}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
