package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// ErrMissing wraps every missing required setting reported by Validate.
var ErrMissing = errors.New("missing required configuration")

// reading config error is fatal, and exists main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

// a missing file is fine, settings may come from the environment only
func readFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readEnv(cfg *Configuration) error {
	return envconfig.Process("", cfg)
}

// Load reads defaults, then the yaml file, then the environment, and validates
// the result.
func Load(path string) (*Configuration, error) {
	cfg := defaults()
	if err := readFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := readEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init is Load with the fatal exit used at startup.
func Init(path string) *Configuration {
	cfg, err := Load(path)
	if err != nil {
		processError(err)
	}
	return cfg
}

// Validate reports every missing or malformed setting at once.
func (c *Configuration) Validate() error {
	var problems []string
	missing := func(name string) {
		problems = append(problems, name)
	}

	if len(c.EVM.RPCList) == 0 {
		missing("EVM.rpc_list (RPC_URL)")
	}
	if strings.TrimSpace(c.EVM.PrivateKey) == "" {
		missing("EVM.private_key (ORACLE_PRIVATE_KEY)")
	}
	if c.EVM.ChainID <= 0 {
		missing("EVM.chain_id (CHAIN_ID)")
	}
	if !validAddress(c.EVM.PaymentContract) {
		missing("EVM.payment_contract (CONTRACT_ADDRESS)")
	}
	if !validAddress(c.EVM.CreatorAddress) {
		missing("EVM.creator_address (CREATOR_ADDRESS)")
	}
	if c.EVM.FinalityTimeout <= 0 {
		missing("EVM.finality_timeout")
	}

	switch c.Store.Backend {
	case "file", "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			missing("store.path (STORE_PATH)")
		}
	case "redis":
		if c.Server.RedisHost == "" || c.Server.RedisPort == 0 {
			missing("server.redis_host/redis_port")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q (file, redis or sqlite)", c.Store.Backend))
	}

	if strings.TrimSpace(c.SwapProvider.Endpoint) == "" {
		missing("swap_provider.endpoint (SWAP_PROVIDER_URL)")
	}
	if c.Oracle.PollInterval <= 0 {
		missing("oracle.poll_interval (POLL_INTERVAL)")
	}
	if c.Oracle.MaxAttempts <= 0 {
		missing("oracle.max_attempts")
	}

	switch c.Oracle.Protocol {
	case "swap":
	case "voucher":
		if !validAddress(c.EVM.TokenContract) {
			missing("EVM.token_contract (TOKEN_ADDRESS), needed by the voucher protocol")
		}
		if !validAddress(c.EVM.AccountAddress) {
			missing("EVM.account_address (ORACLE_ACCOUNT_ADDRESS), needed by the voucher protocol")
		}
		if len(c.Catalog) == 0 {
			missing("catalog, needed by the voucher protocol")
		}
	default:
		problems = append(problems, fmt.Sprintf("oracle.protocol %q (swap or voucher)", c.Oracle.Protocol))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(problems, ", "))
	}
	return nil
}

func validAddress(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	return ethav.Validate(common.HexToAddress(addr).Hex()) == nil && common.IsHexAddress(addr)
}
