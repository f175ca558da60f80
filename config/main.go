package config

import (
	"strings"
	"time"

	"bitbucket.org/skillbridge/backend/checkout"
	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/events"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/helpers"
	"bitbucket.org/skillbridge/backend/processor"
	"bitbucket.org/skillbridge/backend/proposals"
	"bitbucket.org/skillbridge/backend/session"
	"bitbucket.org/skillbridge/backend/supabase"
	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/gomail.v2"
)

// List is a comma separated environment value.
type List []string

func (l *List) Decode(env string) error {
	*l = nil
	for _, part := range strings.Split(env, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

type Configuration struct {
	Port        int    `env:"PORT,default=3001"`
	Timeout     int    `env:"TIMEOUT,default=30"`
	Environment string `env:"ENVIRONMENT,default=development"`
	AppName     string `env:"APP_NAME,default=skillbridge"`
	CORS        corsConf
	SQL         database
	Stripe      stripeConf
	Supabase    supabaseConf
	Mock        mockConf
	Fees        feesConf
	Redis       redisConf
	Kafka       kafkaConf
	AwsSMTP     awsSMTP
	AwsS3       awsS3
	Mail        mail
}

type corsConf struct {
	AllowedOrigins List `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
}

type database struct {
	Driver         string `env:"DATA_BASE_DRIVER,default=postgres"`
	URL            string `env:"DATA_BASE_URL"`
	OpenConnection int    `env:"DATA_BASE_MAX_OPEN_CONNECTION,default=5"`
}

type stripeConf struct {
	SecretKey      string `env:"STRIPE_SECRET_KEY"`
	PublishableKey string `env:"STRIPE_PUBLISHABLE_KEY"`
}

type supabaseConf struct {
	URL       string `env:"SUPABASE_URL"`
	AnonKey   string `env:"SUPABASE_ANON_KEY"`
	JWTSecret string `env:"SUPABASE_JWT_SECRET"`
	// AdminRoles are the token roles allowed to move platform funds.
	AdminRoles List `env:"SUPABASE_ADMIN_ROLES,default=service_role"`
}

type mockConf struct {
	Delay       time.Duration `env:"MOCK_PAYMENT_DELAY,default=2s"`
	SuccessRate float64       `env:"MOCK_PAYMENT_SUCCESS_RATE,default=0.95"`
}

type feesConf struct {
	ProcessingBasisPoints int64 `env:"FEE_PROCESSING_BASIS_POINTS,default=290"`
	ProcessingFixed       int64 `env:"FEE_PROCESSING_FIXED,default=30"`
	PlatformBasisPoints   int64 `env:"FEE_PLATFORM_BASIS_POINTS,default=1000"`
}

type redisConf struct {
	URL string `env:"REDIS_URL"`
}

type kafkaConf struct {
	Brokers List `env:"KAFKA_BROKERS"`
}

type awsSMTP struct {
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
}

type awsS3 struct {
	S3Region      string `env:"S3_REGION"`
	S3Bucket      string `env:"S3_BUCKET"`
	S3Url         string `env:"S3_URL"`
	S3PathReceipt string `env:"S3_PATH_RECEIPT,default=receipts"`
}

type mail struct {
	NameFrom  string `env:"MAIL_NAME_FROM,default=SkillBridge"`
	EmailFrom string `env:"MAIL_EMAIL_FROM"`
}

// MockMode is on when no processor key is configured.
func (c *Configuration) MockMode() bool {
	return c.Stripe.SecretKey == ""
}

func (c *Configuration) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Configuration) Rates() fees.Rates {
	return fees.Rates{
		ProcessingBasisPoints: c.Fees.ProcessingBasisPoints,
		ProcessingFixed:       c.Fees.ProcessingFixed,
		PlatformBasisPoints:   c.Fees.PlatformBasisPoints,
	}
}

func (c *Configuration) SMTPEnabled() bool {
	return c.AwsSMTP.SMTPHost != "" && c.Mail.EmailFrom != ""
}

func (c *Configuration) S3Enabled() bool {
	return c.AwsS3.S3Bucket != ""
}

// Validate reports the first missing or inconsistent setting, naming the
// variable and where its value comes from.
func (c *Configuration) Validate() error {
	switch {
	case c.SQL.URL == "":
		return errors.New("DATA_BASE_URL is not set: use the connection string of your database, for Supabase it is under Project Settings > Database")
	case c.SQL.Driver != "postgres" && c.SQL.Driver != "mysql":
		return errors.Errorf("DATA_BASE_DRIVER %q is not supported: use postgres or mysql", c.SQL.Driver)
	case c.Supabase.JWTSecret == "":
		return errors.New("SUPABASE_JWT_SECRET is not set: copy the JWT secret from Supabase Project Settings > API")
	case c.Supabase.URL != "" && c.Supabase.AnonKey == "":
		return errors.New("SUPABASE_ANON_KEY is not set: copy the anon public key from Supabase Project Settings > API")
	case c.Stripe.SecretKey != "" && !strings.HasPrefix(c.Stripe.SecretKey, "sk_") && !strings.HasPrefix(c.Stripe.SecretKey, "rk_"):
		return errors.New("STRIPE_SECRET_KEY does not look like a secret key: copy it from the Stripe dashboard under Developers > API keys")
	case c.Stripe.SecretKey != "" && c.Stripe.PublishableKey == "":
		return errors.New("STRIPE_PUBLISHABLE_KEY is not set: copy it from the Stripe dashboard under Developers > API keys")
	case c.Mock.SuccessRate < 0 || c.Mock.SuccessRate > 1:
		return errors.Errorf("MOCK_PAYMENT_SUCCESS_RATE must be between 0 and 1, got %v", c.Mock.SuccessRate)
	case c.S3Enabled() && (c.AwsS3.S3Region == "" || c.AwsS3.S3Url == ""):
		return errors.New("S3_REGION and S3_URL are required when S3_BUCKET is set")
	case len(c.CORS.AllowedOrigins) == 0:
		return errors.New("CORS_ALLOWED_ORIGINS is empty: list the web app origins separated by commas")
	}
	return nil
}

type AppContext struct {
	Config    Configuration
	SQLConn   *sqlx.DB
	DB        db.Storage
	Redis     *redis.Client
	AwsSMTP   *gomail.Dialer
	AwsS3     *awssession.Session
	Supabase  *supabase.Supabase
	Processor processor.Processor
	Events    events.Publisher
	Escrow    *escrow.Service
	Proposals *proposals.Orchestrator
	Checkout  *checkout.Controller
	Sessions  *session.Manager
	Receipts  *helpers.Receipts
}

func CreateConnectionSQL(conf database) (*sqlx.DB, error) {
	connection, err := sqlx.Connect(conf.Driver, conf.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", conf.Driver)
	}
	connection.SetMaxOpenConns(conf.OpenConnection)
	connection.SetConnMaxLifetime(5 * time.Minute)
	return connection, nil
}

func CreateNewConnectionSMTP(conf awsSMTP) *gomail.Dialer {
	conn := gomail.NewDialer(conf.SMTPHost, conf.SMTPPort, conf.SMTPUser, conf.SMTPPassword)
	return conn
}

func CreateNewSessionS3(conf awsS3) (*awssession.Session, error) {
	s, err := awssession.NewSession(&aws.Config{Region: aws.String(conf.S3Region)})
	return s, err
}

func CreateRedisClient(conf redisConf) (*redis.Client, error) {
	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "REDIS_URL is not a valid redis url")
	}
	return redis.NewClient(opts), nil
}

// CreateProcessor returns the Stripe adapter, or the mock when no secret key
// is configured.
func CreateProcessor(conf Configuration) processor.Processor {
	if conf.MockMode() {
		return processor.NewMock(conf.Mock.Delay, conf.Mock.SuccessRate)
	}
	return processor.NewStripe(conf.Stripe.SecretKey)
}

func CreateEventPublisher(conf kafkaConf) (events.Publisher, error) {
	if len(conf.Brokers) == 0 {
		return events.NewLog(), nil
	}
	return events.NewKafka(conf.Brokers)
}
