package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/triarb/pkg/models"
	"github.com/gregtusar/triarb/pkg/secrets"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	Server   ServerConfig   `mapstructure:"server"`
	Bitget   BitgetConfig   `mapstructure:"bitget"`
	Demo     DemoConfig     `mapstructure:"demo"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Routes   []RouteConfig  `mapstructure:"routes"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`

	// v is the viper instance the config was read with; Watch reuses it.
	v *viper.Viper
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables auth
}

type BitgetConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	WebSocketURL      string        `mapstructure:"websocket_url"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst"`
	OrderPollInterval time.Duration `mapstructure:"order_poll_interval"`
	APIKey            string        `mapstructure:"api_key"`
	SecretKey         string        `mapstructure:"secret_key"`
	Passphrase        string        `mapstructure:"passphrase"`
}

type DemoConfig struct {
	SlippagePct float64       `mapstructure:"slippage_pct"`
	FeeRate     float64       `mapstructure:"fee_rate"`
	MinLatency  time.Duration `mapstructure:"min_latency"`
	MaxLatency  time.Duration `mapstructure:"max_latency"`
}

type StrategyConfig struct {
	UserID                  string           `mapstructure:"user_id"`
	EvaluationInterval      time.Duration    `mapstructure:"evaluation_interval"`
	TradeAmount             float64          `mapstructure:"trade_amount"`
	MinTradeAmount          float64          `mapstructure:"min_trade_amount"`
	ProfitTargetPct         float64          `mapstructure:"profit_target_pct"`
	DemoLossTolerance       float64          `mapstructure:"demo_loss_tolerance"`
	LiveLossTolerance       float64          `mapstructure:"live_loss_tolerance"`
	LegSlippageTolerancePct float64          `mapstructure:"leg_slippage_tolerance_pct"`
	DemoDelayMin            time.Duration    `mapstructure:"demo_delay_min"`
	DemoDelayMax            time.Duration    `mapstructure:"demo_delay_max"`
	LiveDelayMin            time.Duration    `mapstructure:"live_delay_min"`
	LiveDelayMax            time.Duration    `mapstructure:"live_delay_max"`
	ExecutionTimeout        time.Duration    `mapstructure:"execution_timeout"`
	Thresholds              ThresholdsConfig `mapstructure:"thresholds"`
}

type ThresholdsConfig struct {
	VolatilityLeg1Pct    float64 `mapstructure:"volatility_leg1_pct"`
	VolatilityLeg2Pct    float64 `mapstructure:"volatility_leg2_pct"`
	VolatilityLeg3Pct    float64 `mapstructure:"volatility_leg3_pct"`
	DiscrepancyPct       float64 `mapstructure:"discrepancy_pct"`
	InterestingProfitPct float64 `mapstructure:"interesting_profit_pct"`
}

type RouteConfig struct {
	Quote        string       `mapstructure:"quote"`
	Intermediate string       `mapstructure:"intermediate"`
	Settlement   string       `mapstructure:"settlement"`
	Bands        []BandConfig `mapstructure:"bands"` // one per leg, zero values disable
}

type BandConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type FeedConfig struct {
	TickerInterval  time.Duration `mapstructure:"ticker_interval"`
	AverageInterval time.Duration `mapstructure:"average_interval"`
	MaxPriceAge     time.Duration `mapstructure:"max_price_age"`
	MAPeriod        int           `mapstructure:"ma_period"`
	MAGranularity   string        `mapstructure:"ma_granularity"`
	WebSocket       bool          `mapstructure:"websocket"`
}

type LedgerConfig struct {
	Backend              string `mapstructure:"backend"` // memory or postgres
	DSN                  string `mapstructure:"dsn"`
	MaxConns             int32  `mapstructure:"max_conns"`
	AttemptRetention     int    `mapstructure:"attempt_retention"`
	OpportunityRetention int    `mapstructure:"opportunity_retention"`
}

type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	TLSEnabled bool          `mapstructure:"tls_enabled"`
	LockKey    string        `mapstructure:"lock_key"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	CacheTTL        time.Duration       `mapstructure:"cache_ttl"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/triarb")
	}

	v.SetEnvPrefix("TRIARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := loadSecretsFromGCP(ctx, config, logrus.StandardLogger()); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&config)
	config.v = v
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(models.ModeDemo))

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("bitget.base_url", "https://api.bitget.com")
	v.SetDefault("bitget.websocket_url", "wss://ws.bitget.com/v2/ws/public")
	v.SetDefault("bitget.rate_limit", 10.0)
	v.SetDefault("bitget.rate_burst", 10)
	v.SetDefault("bitget.order_poll_interval", 500*time.Millisecond)
	v.SetDefault("bitget.api_key", "")
	v.SetDefault("bitget.secret_key", "")
	v.SetDefault("bitget.passphrase", "")

	v.SetDefault("demo.slippage_pct", 0.05)
	v.SetDefault("demo.fee_rate", 0.001)
	v.SetDefault("demo.min_latency", 50*time.Millisecond)
	v.SetDefault("demo.max_latency", 200*time.Millisecond)

	v.SetDefault("strategy.user_id", "default")
	v.SetDefault("strategy.evaluation_interval", 5*time.Second)
	v.SetDefault("strategy.trade_amount", 1000.0)
	v.SetDefault("strategy.min_trade_amount", 10.0)
	v.SetDefault("strategy.profit_target_pct", 0.005)
	v.SetDefault("strategy.demo_loss_tolerance", 5.0)
	v.SetDefault("strategy.live_loss_tolerance", 2.0)
	v.SetDefault("strategy.leg_slippage_tolerance_pct", 1.0)
	v.SetDefault("strategy.demo_delay_min", 500*time.Millisecond)
	v.SetDefault("strategy.demo_delay_max", 1500*time.Millisecond)
	v.SetDefault("strategy.live_delay_min", 8*time.Second)
	v.SetDefault("strategy.live_delay_max", 12*time.Second)
	v.SetDefault("strategy.execution_timeout", 120*time.Second)
	v.SetDefault("strategy.thresholds.volatility_leg1_pct", 0.005)
	v.SetDefault("strategy.thresholds.volatility_leg2_pct", 0.05)
	v.SetDefault("strategy.thresholds.volatility_leg3_pct", 0.005)
	v.SetDefault("strategy.thresholds.discrepancy_pct", 0.01)
	v.SetDefault("strategy.thresholds.interesting_profit_pct", 0.005)

	defaultBands := []map[string]any{
		{"min": 0.01, "max": 10.0},
		{},
		{"min": 10000.0, "max": 200000.0},
	}
	v.SetDefault("routes", []map[string]any{
		{"quote": "USDT", "intermediate": "XRP", "settlement": "BTC", "bands": defaultBands},
		{"quote": "USDT", "intermediate": "AEVO", "settlement": "BTC", "bands": defaultBands},
	})

	v.SetDefault("feed.ticker_interval", 5*time.Second)
	v.SetDefault("feed.average_interval", 30*time.Minute)
	v.SetDefault("feed.max_price_age", time.Minute)
	v.SetDefault("feed.ma_period", 20)
	v.SetDefault("feed.ma_granularity", "12h")
	v.SetDefault("feed.websocket", true)

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.max_conns", 5)
	v.SetDefault("ledger.attempt_retention", 10)
	v.SetDefault("ledger.opportunity_retention", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.lock_key", "triarb:inflight")
	v.SetDefault("redis.lock_ttl", 3*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.cache_ttl", 10*time.Minute)

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.secret_key", secretNames.SecretKey)
	v.SetDefault("gcp.secret_names.passphrase", secretNames.Passphrase)
}

func overrideFromEnv(config *Config) {
	// Bitget credentials from environment
	if apiKey := os.Getenv("BITGET_API_KEY"); apiKey != "" {
		config.Bitget.APIKey = apiKey
	}
	if secretKey := os.Getenv("BITGET_SECRET_KEY"); secretKey != "" {
		config.Bitget.SecretKey = secretKey
	}
	if passphrase := os.Getenv("BITGET_PASSPHRASE"); passphrase != "" {
		config.Bitget.Passphrase = passphrase
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && config.Ledger.DSN == "" {
		config.Ledger.DSN = dsn
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames.ForUser(config.Strategy.UserID)

	// Only load secrets if they're not already set
	if config.Bitget.APIKey == "" {
		config.Bitget.APIKey = secretManager.GetSecretWithDefault(ctx, names.APIKey, "")
	}
	if config.Bitget.SecretKey == "" {
		config.Bitget.SecretKey = secretManager.GetSecretWithDefault(ctx, names.SecretKey, "")
	}
	if config.Bitget.Passphrase == "" {
		config.Bitget.Passphrase = secretManager.GetSecretWithDefault(ctx, names.Passphrase, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects configurations the trader cannot run with. Missing live
// credentials are not an error here; the execution gate refuses live
// attempts without them.
func (c *Config) Validate() error {
	var errs []error

	if !models.Mode(c.Mode).Valid() {
		errs = append(errs, fmt.Errorf("mode must be demo or live, got %q", c.Mode))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("at least one route is required"))
	}
	for i, r := range c.Routes {
		if r.Quote == "" || r.Intermediate == "" || r.Settlement == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: quote, intermediate and settlement are required", i))
			continue
		}
		if r.Quote == r.Intermediate || r.Quote == r.Settlement || r.Intermediate == r.Settlement {
			errs = append(errs, fmt.Errorf("routes[%d]: assets must be distinct", i))
		}
		if len(r.Bands) > 3 {
			errs = append(errs, fmt.Errorf("routes[%d]: at most 3 bands", i))
		}
		for j, b := range r.Bands {
			if b.Min < 0 || b.Max < 0 || (b.Max > 0 && b.Min > b.Max) {
				errs = append(errs, fmt.Errorf("routes[%d].bands[%d]: invalid range [%g, %g]", i, j, b.Min, b.Max))
			}
		}
	}

	s := c.Strategy
	if s.TradeAmount <= 0 {
		errs = append(errs, errors.New("strategy.trade_amount must be positive"))
	}
	if s.MinTradeAmount < 0 {
		errs = append(errs, errors.New("strategy.min_trade_amount must not be negative"))
	}
	if s.DemoLossTolerance < 0 || s.LiveLossTolerance < 0 {
		errs = append(errs, errors.New("strategy loss tolerances must not be negative"))
	}
	if s.DemoDelayMin > s.DemoDelayMax || s.LiveDelayMin > s.LiveDelayMax {
		errs = append(errs, errors.New("strategy delay ranges must have min <= max"))
	}
	if s.LegSlippageTolerancePct <= 0 {
		errs = append(errs, errors.New("strategy.leg_slippage_tolerance_pct must be positive"))
	}
	if s.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("strategy.execution_timeout must be positive"))
	}
	if s.EvaluationInterval <= 0 {
		errs = append(errs, errors.New("strategy.evaluation_interval must be positive"))
	}

	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be memory or postgres, got %q", c.Ledger.Backend))
	}
	if c.Ledger.AttemptRetention <= 0 || c.Ledger.OpportunityRetention <= 0 {
		errs = append(errs, errors.New("ledger retention must be positive"))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
		}
		// the lock must outlive the attempt it guards
		if c.Redis.LockTTL <= s.ExecutionTimeout {
			errs = append(errs, fmt.Errorf("redis.lock_ttl (%s) must exceed strategy.execution_timeout (%s)", c.Redis.LockTTL, s.ExecutionTimeout))
		}
	}
	if c.Feed.MAPeriod <= 0 {
		errs = append(errs, errors.New("feed.ma_period must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Credentials() models.Credentials {
	return models.Credentials{
		APIKey:     c.Bitget.APIKey,
		SecretKey:  c.Bitget.SecretKey,
		Passphrase: c.Bitget.Passphrase,
	}
}

func (c *Config) RoutesList() []models.Route {
	routes := make([]models.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		r := models.NewRoute(rc.Quote, rc.Intermediate, rc.Settlement)
		for i, b := range rc.Bands {
			if i >= len(r.Bands) {
				break
			}
			r.Bands[i] = models.PriceBand{Min: decimal.NewFromFloat(b.Min), Max: decimal.NewFromFloat(b.Max)}
		}
		routes = append(routes, r)
	}
	return routes
}

// StrategyConfig converts the strategy section into the per-cycle snapshot
// the trader works from.
func (c *Config) StrategyConfig() models.StrategyConfig {
	s := c.Strategy
	return models.StrategyConfig{
		Mode:                    models.Mode(c.Mode),
		UserID:                  s.UserID,
		TradeAmount:             decimal.NewFromFloat(s.TradeAmount),
		MinTradeAmount:          decimal.NewFromFloat(s.MinTradeAmount),
		ProfitTargetPct:         decimal.NewFromFloat(s.ProfitTargetPct),
		DemoLossToleranceAbs:    decimal.NewFromFloat(s.DemoLossTolerance),
		LiveLossToleranceAbs:    decimal.NewFromFloat(s.LiveLossTolerance),
		LegSlippageTolerancePct: decimal.NewFromFloat(s.LegSlippageTolerancePct),
		DemoDelay:               models.DelayRange{Min: s.DemoDelayMin, Max: s.DemoDelayMax},
		LiveDelay:               models.DelayRange{Min: s.LiveDelayMin, Max: s.LiveDelayMax},
		ExecutionTimeout:        s.ExecutionTimeout,
		Thresholds: models.Thresholds{
			VolatilityLeg1Pct:    decimal.NewFromFloat(s.Thresholds.VolatilityLeg1Pct),
			VolatilityLeg2Pct:    decimal.NewFromFloat(s.Thresholds.VolatilityLeg2Pct),
			VolatilityLeg3Pct:    decimal.NewFromFloat(s.Thresholds.VolatilityLeg3Pct),
			DiscrepancyPct:       decimal.NewFromFloat(s.Thresholds.DiscrepancyPct),
			InterestingProfitPct: decimal.NewFromFloat(s.Thresholds.InterestingProfitPct),
		},
	}
}

// Watch reloads the file c was loaded from whenever it changes and hands
// every valid result to fn. Invalid edits are logged and ignored.
func (c *Config) Watch(logger *logrus.Logger, fn func(*Config)) error {
	v := c.v
	if v == nil || v.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		config, err := decode(v)
		if err == nil {
			err = config.Validate()
		}
		if err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("Ignoring invalid config change")
			return
		}
		logger.WithField("file", e.Name).Info("Config reloaded")
		fn(config)
	})
	v.WatchConfig()
	return nil
}
