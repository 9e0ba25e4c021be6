package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service  ServiceConfig  `yaml:"service" json:"service"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
	Faucet   FaucetConfig   `yaml:"faucet" json:"faucet"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// CoinType 派发币种类型
type CoinType string

const (
	CoinTypeNative CoinType = "native"
	CoinTypeERC20  CoinType = "erc20"
)

// FaucetConfig 水龙头钱包与派发管线配置
type FaucetConfig struct {
	EthRpcHost      string  `yaml:"eth_rpc_host" json:"eth_rpc_host"`
	EthChainID      int64   `yaml:"eth_chain_id" json:"eth_chain_id"`
	EthWalletKey    string  `yaml:"eth_wallet_key" json:"eth_wallet_key"`
	EthLegacyTx     bool    `yaml:"eth_legacy_tx" json:"eth_legacy_tx"`
	EthTxGasLimit   uint64  `yaml:"eth_tx_gas_limit" json:"eth_tx_gas_limit"`
	EthTxMaxFee     int64   `yaml:"eth_tx_max_fee" json:"eth_tx_max_fee"`
	EthTxPrioFee    int64   `yaml:"eth_tx_prio_fee" json:"eth_tx_prio_fee"`
	EthMaxPending   int     `yaml:"eth_max_pending" json:"eth_max_pending"`
	EthQueueNoFunds bool    `yaml:"eth_queue_no_funds" json:"eth_queue_no_funds"`

	SpareFundsAmount BigInt `yaml:"spare_funds_amount" json:"spare_funds_amount"`
	NoFundsBalance   BigInt `yaml:"no_funds_balance" json:"no_funds_balance"`
	LowFundsBalance  BigInt `yaml:"low_funds_balance" json:"low_funds_balance"`

	// 状态提示文案: 未配置或 true 使用默认文案, 空串或 false 则屏蔽, 其余文本为自定义文案
	LowFundsWarning    *string `yaml:"low_funds_warning" json:"low_funds_warning"`
	NoFundsError       *string `yaml:"no_funds_error" json:"no_funds_error"`
	RPCConnectionError *string `yaml:"rpc_connection_error" json:"rpc_connection_error"`

	FaucetCoinType     CoinType `yaml:"faucet_coin_type" json:"faucet_coin_type"`
	FaucetCoinContract string   `yaml:"faucet_coin_contract" json:"faucet_coin_contract"`
	FaucetCoinSymbol   string   `yaml:"faucet_coin_symbol" json:"faucet_coin_symbol"`

	EthRefillContract *RefillContractConfig `yaml:"eth_refill_contract" json:"eth_refill_contract"`
}

// RefillContractConfig 金库合约补仓/溢出策略配置
type RefillContractConfig struct {
	Contract         string   `yaml:"contract" json:"contract"`
	ABI              string   `yaml:"abi" json:"abi"`
	TriggerBalance   BigInt   `yaml:"trigger_balance" json:"trigger_balance"`
	OverflowBalance  BigInt   `yaml:"overflow_balance" json:"overflow_balance"`
	RequestAmount    BigInt   `yaml:"request_amount" json:"request_amount"`
	CooldownTime     int64    `yaml:"cooldown_time" json:"cooldown_time"` // 秒
	AllowanceFn      string   `yaml:"allowance_fn" json:"allowance_fn"`
	AllowanceFnArgs  []string `yaml:"allowance_fn_args" json:"allowance_fn_args"`
	WithdrawFn       string   `yaml:"withdraw_fn" json:"withdraw_fn"`
	WithdrawFnArgs   []string `yaml:"withdraw_fn_args" json:"withdraw_fn_args"`
	WithdrawGasLimit uint64   `yaml:"withdraw_gas_limit" json:"withdraw_gas_limit"`
	DepositFn        string   `yaml:"deposit_fn" json:"deposit_fn"`
	DepositFnArgs    []string `yaml:"deposit_fn_args" json:"deposit_fn_args"`

	// 空串不检查, "true" 检查金库自身, 其他值视为地址
	CheckContractBalance string `yaml:"check_contract_balance" json:"check_contract_balance"`
	ContractDustBalance  BigInt `yaml:"contract_dust_balance" json:"contract_dust_balance"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// BigInt YAML 大整数, 接受十进制字符串或整数字面量
type BigInt struct {
	Int *big.Int
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (b *BigInt) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" || s == "~" || s == "null" {
		b.Int = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid big integer: %q", s)
	}
	b.Int = v
	return nil
}

// MarshalYAML 实现 yaml.Marshaler
func (b BigInt) MarshalYAML() (interface{}, error) {
	if b.Int == nil {
		return nil, nil
	}
	return b.Int.String(), nil
}

// IsSet 判断是否配置了取值
func (b BigInt) IsSet() bool {
	return b.Int != nil
}

// Value 返回取值, 未配置返回 0
func (b BigInt) Value() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return b.Int
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "faucet-payout"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50064
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8064
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Faucet.EthTxGasLimit == 0 {
		cfg.Faucet.EthTxGasLimit = 21000
	}
	if cfg.Faucet.EthMaxPending == 0 {
		cfg.Faucet.EthMaxPending = 12
	}
	if cfg.Faucet.FaucetCoinType == "" {
		cfg.Faucet.FaucetCoinType = CoinTypeNative
	}
	if cfg.Faucet.FaucetCoinSymbol == "" && cfg.Faucet.FaucetCoinType == CoinTypeNative {
		cfg.Faucet.FaucetCoinSymbol = "ETH"
	}

	if rc := cfg.Faucet.EthRefillContract; rc != nil {
		if rc.CooldownTime == 0 {
			rc.CooldownTime = 3600
		}
		if rc.WithdrawGasLimit == 0 {
			rc.WithdrawGasLimit = 300000
		}
		if !rc.ContractDustBalance.IsSet() {
			rc.ContractDustBalance = BigInt{Int: big.NewInt(1000000000)}
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// validate 校验必填项
func validate(cfg *Config) error {
	if cfg.Faucet.EthRpcHost == "" {
		return fmt.Errorf("faucet.eth_rpc_host is required")
	}
	if cfg.Faucet.EthWalletKey == "" {
		return fmt.Errorf("faucet.eth_wallet_key is required")
	}
	if cfg.Faucet.FaucetCoinType == CoinTypeERC20 && cfg.Faucet.FaucetCoinContract == "" {
		return fmt.Errorf("faucet.faucet_coin_contract is required for erc20 coin type")
	}
	if rc := cfg.Faucet.EthRefillContract; rc != nil {
		if rc.Contract == "" {
			return fmt.Errorf("faucet.eth_refill_contract.contract is required")
		}
		if rc.WithdrawFn == "" {
			return fmt.Errorf("faucet.eth_refill_contract.withdraw_fn is required")
		}
		// 缺省会退化为 0, 补仓永不触发, 必须显式配置
		if !rc.TriggerBalance.IsSet() {
			return fmt.Errorf("faucet.eth_refill_contract.trigger_balance is required")
		}
	}
	return nil
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
