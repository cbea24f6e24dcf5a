package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	Database Database `envPrefix:"DB_"`
	Pricing  Pricing  `envPrefix:"PRICING_"`
	JWT      JWT      `envPrefix:"JWT_"`
	Rail     Rail     `envPrefix:"RAIL_"`
	Sweep    Sweep    `envPrefix:"SWEEP_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Kafka    Kafka    `envPrefix:"KAFKA_"`

	Mpesa     Mpesa     `envPrefix:"MPESA_"`
	Checkout  Checkout  `envPrefix:"CHECKOUT_"`
	Paypal    Paypal    `envPrefix:"PAYPAL_"`
	BrainTree Braintree `envPrefix:"BRAINTREE_"`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"` // sqlite, mysql
	URL    string `env:"URL" envDefault:"storefront.db"`
}

type Pricing struct {
	Currency         string          `env:"CURRENCY" envDefault:"KES"`
	TaxRate          decimal.Decimal `env:"TAX_RATE" envDefault:"0.05"`
	ShippingFee      decimal.Decimal `env:"SHIPPING_FEE" envDefault:"2"`
	FreeShippingOver decimal.Decimal `env:"FREE_SHIPPING_OVER" envDefault:"0"` // 0 disables
}

type JWT struct {
	Secret string `env:"SECRET"`
	Issuer string `env:"ISSUER"`
}

type Rail struct {
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"15s"`
	BreakerFailures     uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenDuration time.Duration `env:"BREAKER_OPEN_DURATION" envDefault:"30s"`
}

type Sweep struct {
	After        time.Duration `env:"AFTER" envDefault:"24h"`
	Interval     time.Duration `env:"INTERVAL" envDefault:"0s"` // 0 disables the in-process ticker
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"200"`
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
}

type Redis struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	KeyTTL   time.Duration `env:"KEY_TTL" envDefault:"24h"`
}

type Kafka struct {
	Brokers     []string `env:"BROKERS" envSeparator:","`
	NotifyTopic string   `env:"NOTIFY_TOPIC" envDefault:"storefront-notifications"`
	QueueSize   int      `env:"QUEUE_SIZE" envDefault:"256"`
}

type Mpesa struct {
	BaseApiURL          string   `env:"BASE_API_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	ConsumerKey         string   `env:"CONSUMER_KEY"`
	ConsumerSecret      string   `env:"CONSUMER_SECRET"`
	ShortCode           string   `env:"SHORT_CODE"`
	PassKey             string   `env:"PASS_KEY"`
	CallbackURL         string   `env:"CALLBACK_URL"`
	TerminalResultCodes []string `env:"TERMINAL_RESULT_CODES" envSeparator:","`
}

type Checkout struct {
	Provider            string   `env:"PROVIDER" envDefault:"paypal"` // paypal, braintree
	WebhookSecret       string   `env:"WEBHOOK_SECRET"`
	TerminalResultCodes []string `env:"TERMINAL_RESULT_CODES" envSeparator:","`
}

type Paypal struct {
	BaseApiURL   string `env:"BASE_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

type Braintree struct {
	Environment string `env:"ENVIRONMENT"`
	MerchantID  string `env:"MERCHANT_ID"`
	PublicKey   string `env:"PUBLIC_KEY"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
