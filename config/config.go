package config

import (
	"time"
)

type Configuration struct {
	// Server config
	Server struct {
		Listen    string `yaml:"listen" envconfig:"LISTEN"`
		UseSSL    bool   `yaml:"ssl" envconfig:"SSL"`
		RedisPort int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
		RedisHost string `yaml:"redis_host" envconfig:"REDIS_HOST"`
	} `yaml:"server"`
	// where swap records live
	Store struct {
		Backend string `yaml:"backend" envconfig:"STORE_BACKEND"` // file, redis or sqlite
		Path    string `yaml:"path" envconfig:"STORE_PATH"`
	} `yaml:"store"`
	// destination ledger
	EVM struct {
		RPCList []string `yaml:"rpc_list" envconfig:"RPC_URL"`
		ChainID int64    `yaml:"chain_id" envconfig:"CHAIN_ID"`
		// important private stuff
		PrivateKey string `yaml:"private_key" envconfig:"ORACLE_PRIVATE_KEY"`
		// smart account owned by the key, batches approve+buy_voucher
		AccountAddress   string        `yaml:"account_address" envconfig:"ORACLE_ACCOUNT_ADDRESS"`
		PaymentContract  string        `yaml:"payment_contract" envconfig:"CONTRACT_ADDRESS"`
		TokenContract    string        `yaml:"token_contract" envconfig:"TOKEN_ADDRESS"`
		CreatorAddress   string        `yaml:"creator_address" envconfig:"CREATOR_ADDRESS"`
		MinConfirmations int           `yaml:"confirmations" envconfig:"CONFIRMATIONS"`
		FinalityTimeout  time.Duration `yaml:"finality_timeout" envconfig:"FINALITY_TIMEOUT"`
		GasLimit         uint64        `yaml:"gas_limit" envconfig:"GAS_LIMIT"`
	} `yaml:"EVM"`
	// cross-chain swap service
	SwapProvider struct {
		Endpoint  string  `yaml:"endpoint" envconfig:"SWAP_PROVIDER_URL"`
		APIKey    string  `yaml:"api_key" envconfig:"SWAP_PROVIDER_API_KEY"`
		FromToken string  `yaml:"from_token"`
		ToToken   string  `yaml:"to_token"`
		RPS       float64 `yaml:"rps" envconfig:"SWAP_PROVIDER_RPS"`
	} `yaml:"swap_provider"`
	Cashu struct {
		MintURL string  `yaml:"mint_url" envconfig:"CASHU_MINT_URL"`
		RPS     float64 `yaml:"rps"`
	} `yaml:"cashu"`
	Oracle struct {
		PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
		Protocol     string        `yaml:"protocol" envconfig:"SETTLEMENT_PROTOCOL"`
		MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	} `yaml:"oracle"`
	Log struct {
		File  string `yaml:"file" envconfig:"LOG_FILE"`
		Level string `yaml:"level" envconfig:"LOG_LEVEL"`
	} `yaml:"log"`
	Catalog Catalog `yaml:"catalog" ignored:"true"`
}

// ContentItem is a purchasable content entry.
type ContentItem struct {
	ID    string `yaml:"id" json:"id"`
	Price string `yaml:"price" json:"price"` // settlement token, human-readable units
	Sats  int64  `yaml:"sats" json:"sats"`   // Lightning price
}

// Catalog is the list of purchasable content.
type Catalog []ContentItem

// Item looks up a catalog entry by content id.
func (c Catalog) Item(contentID string) (ContentItem, bool) {
	for _, item := range c {
		if item.ID == contentID {
			return item, true
		}
	}
	return ContentItem{}, false
}

// reference poll cadence of the oracle
const DEFAULT_POLL_INTERVAL = 10 * time.Second

func defaults() Configuration {
	var cfg Configuration
	cfg.Server.Listen = ":8080"
	cfg.Server.RedisHost = "127.0.0.1"
	cfg.Server.RedisPort = 6379
	cfg.Store.Backend = "file"
	cfg.Store.Path = "swaps.json"
	cfg.EVM.MinConfirmations = 1
	cfg.EVM.FinalityTimeout = 2 * time.Minute
	cfg.EVM.GasLimit = 300000
	cfg.SwapProvider.FromToken = "BTC.BTC"
	cfg.SwapProvider.ToToken = "STRK.ETH"
	cfg.SwapProvider.RPS = 5
	cfg.Cashu.RPS = 5
	cfg.Oracle.PollInterval = DEFAULT_POLL_INTERVAL
	cfg.Oracle.Protocol = "swap"
	cfg.Oracle.MaxAttempts = 3
	cfg.Log.File = "logs/oracle.log"
	cfg.Log.Level = "info"
	cfg.Catalog = Catalog{
		{ID: "1", Price: "0.001", Sats: 100},
		{ID: "2", Price: "0.005", Sats: 500},
		{ID: "3", Price: "0.002", Sats: 200},
	}
	return cfg
}
