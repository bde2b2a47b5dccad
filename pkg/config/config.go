package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Provider struct {
		Name          string        `mapstructure:"NAME"`
		WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"PAYMENT_PROVIDER"`
	Policy Policy `mapstructure:"POLICY"`
}

// Policy carries the settlement constants. Transition logic never hard-codes
// these values; they always flow in from here.
type Policy struct {
	MinStakeAmount    int64         `mapstructure:"MIN_STAKE_AMOUNT"`
	MaxStakeAmount    int64         `mapstructure:"MAX_STAKE_AMOUNT"`
	RewardBps         int64         `mapstructure:"REWARD_BPS"`
	PartialMinPercent int           `mapstructure:"PARTIAL_MIN_PERCENT"`
	PartialMaxPercent int           `mapstructure:"PARTIAL_MAX_PERCENT"`
	MaxExtensions     int           `mapstructure:"MAX_EXTENSIONS"`
	ExtensionFeeBps   int64         `mapstructure:"EXTENSION_FEE_BPS"`
	AppealReasonMin   int           `mapstructure:"APPEAL_REASON_MIN"`
	AppealReasonMax   int           `mapstructure:"APPEAL_REASON_MAX"`
	AppealRefundBps   int64         `mapstructure:"APPEAL_REFUND_BPS"`
	RecoveryBonusBps  int64         `mapstructure:"RECOVERY_BONUS_BPS"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize    int           `mapstructure:"SWEEP_BATCH_SIZE"`
}

// DefaultPolicy returns the settlement constants used when the config file
// leaves the POLICY section empty. Amounts are minor units.
func DefaultPolicy() Policy {
	return Policy{
		MinStakeAmount:    500,
		MaxStakeAmount:    1000000,
		RewardBps:         500,
		PartialMinPercent: 25,
		PartialMaxPercent: 99,
		MaxExtensions:     2,
		ExtensionFeeBps:   100,
		AppealReasonMin:   10,
		AppealReasonMax:   500,
		AppealRefundBps:   10000,
		RecoveryBonusBps:  5000,
		SweepInterval:     15 * time.Minute,
		SweepBatchSize:    100,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinStakeAmount == 0 {
		p.MinStakeAmount = def.MinStakeAmount
	}
	if p.MaxStakeAmount == 0 {
		p.MaxStakeAmount = def.MaxStakeAmount
	}
	if p.RewardBps == 0 {
		p.RewardBps = def.RewardBps
	}
	if p.PartialMinPercent == 0 {
		p.PartialMinPercent = def.PartialMinPercent
	}
	if p.PartialMaxPercent == 0 {
		p.PartialMaxPercent = def.PartialMaxPercent
	}
	if p.MaxExtensions == 0 {
		p.MaxExtensions = def.MaxExtensions
	}
	if p.ExtensionFeeBps == 0 {
		p.ExtensionFeeBps = def.ExtensionFeeBps
	}
	if p.AppealReasonMin == 0 {
		p.AppealReasonMin = def.AppealReasonMin
	}
	if p.AppealReasonMax == 0 {
		p.AppealReasonMax = def.AppealReasonMax
	}
	if p.AppealRefundBps == 0 {
		p.AppealRefundBps = def.AppealRefundBps
	}
	if p.RecoveryBonusBps == 0 {
		p.RecoveryBonusBps = def.RecoveryBonusBps
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = def.SweepInterval
	}
	if p.SweepBatchSize == 0 {
		p.SweepBatchSize = def.SweepBatchSize
	}
	return p
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	cfg.Policy = cfg.Policy.withDefaults()

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		cfg.Provider.WebhookSecret = get("provider_webhook_secret")
	}

	return &cfg
}
