/*
Package service assembles a backend from the environment

The command line tool and the lambda share the configuration, so that a service deployed
either way talks to the same database, ISPyB instance and brokers.
*/
package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/backend"
	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/kss"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/registry"
	"github.com/relabs-tech/scaup/core/shipping"
)

// Config holds the configuration of the service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Config struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema           string `env:"SCAUP_SCHEMA,default=scaup" description:"the database schema of the service"`
	Port             int    `env:"PORT,default=8000" description:"the port the API listens on"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level (debug, info, warn, error)"`
	LogJSON          bool   `env:"LOG_JSON,default=false" description:"log one JSON object per line"`
	Timezone         string `env:"FACILITY_TIMEZONE,default=Europe/London" description:"the time zone session dates are given in"`
	CORSOrigins      string `env:"CORS_ORIGINS,optional" description:"comma separated origins allowed to send credentials"`

	ExpeyeURL   string `env:"EXPEYE_URL,required" description:"the base URL of Expeye"`
	ExpeyeToken string `env:"EXPEYE_TOKEN,optional" description:"the service token used for writes to Expeye"`
	AuthURL     string `env:"AUTH_URL,optional" description:"the auth service, every token is accepted as staff if empty"`

	ShippingURL         string `env:"SHIPPING_URL,optional" description:"the base URL of the shipping service API"`
	ShippingFrontendURL string `env:"SHIPPING_FRONTEND_URL,optional" description:"the base URL of the shipping service frontend"`
	FrontendURL         string `env:"FRONTEND_URL,optional" description:"the base URL of the web frontend"`
	CallbackURL         string `env:"CALLBACK_URL,optional" description:"the public base URL of this API"`
	CallbackPrivateKey  string `env:"CALLBACK_PRIVATE_KEY,optional" description:"PEM encoded EC key signing status callback tokens"`
	CallbackPublicKey   string `env:"CALLBACK_PUBLIC_KEY,optional" description:"PEM encoded EC key verifying status callback tokens"`

	KSSDriver    string `env:"KSS_DRIVER,optional" description:"the object store of push snapshots: Local, AWSS3 or empty"`
	KSSPath      string `env:"KSS_PATH,default=/tmp/scaup-kss" description:"the folder of the Local object store"`
	KSSSecret    string `env:"KSS_SECRET,optional" description:"the secret signing Local object URLs"`
	KSSBucket    string `env:"KSS_BUCKET,optional" description:"the S3 bucket"`
	KSSRegion    string `env:"KSS_REGION,optional" description:"the S3 region"`
	KSSAccessID  string `env:"KSS_ACCESS_ID,optional" description:"the S3 access id, the default credentials are used if empty"`
	KSSAccessKey string `env:"KSS_ACCESS_KEY,optional" description:"the S3 access key"`
	KSSEndpoint  string `env:"KSS_ENDPOINT,optional" description:"the endpoint of an S3 compatible store"`
	KSSPrefix    string `env:"KSS_PREFIX,optional" description:"prefix of all object keys"`

	Publisher    string `env:"PUBLISHER,optional" description:"the broker of shipment events: kafka, sqs or empty to log them"`
	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers"`
	KafkaTopic   string `env:"KAFKA_TOPIC,optional" description:"the topic of shipment events"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL,optional" description:"the queue of shipment events"`
	SQSRegion    string `env:"SQS_REGION,optional" description:"the region of the queue"`

	JobHeartbeat    time.Duration `env:"JOB_HEARTBEAT,default=1m" description:"how often scheduled jobs are looked for"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL,default=0s" description:"how often all statuses are refreshed, never if 0"`
}

// Load reads the configuration from the environment and sets up logging
func Load() (*Config, error) {
	config := &Config{}
	if err := envdecode.Decode(config); err != nil {
		return nil, err
	}
	logger.InitLogger(logger.ParseLevel(config.LogLevel), config.LogJSON)
	return config, nil
}

// Service is an assembled backend with the resources it holds
type Service struct {
	Backend   *backend.Backend
	DB        *csql.DB
	Publisher notifier.Publisher
}

// Close releases the publisher and the database
func (s *Service) Close() {
	if err := s.Publisher.Close(); err != nil {
		logger.Default().WithError(err).Warnln("cannot close publisher")
	}
	s.DB.Close()
}

func splitList(list string) []string {
	var items []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Open connects to the database and the upstream services and adds the routes to router.
// With updateSchema the tables are created or updated.
func (c *Config) Open(ctx context.Context, router *mux.Router, updateSchema bool) (*Service, error) {
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("facility time zone: %w", err)
	}
	publisherType, err := notifier.ParseType(c.Publisher)
	if err != nil {
		return nil, err
	}
	driverType, err := kss.ParseDriverType(c.KSSDriver)
	if err != nil {
		return nil, err
	}

	var authorizer access.Authorizer = access.DummyAuth{}
	if c.AuthURL != "" {
		authorizer = access.NewMicroAuth(c.AuthURL)
	} else {
		logger.Default().Warnln("no auth service configured, every token is accepted as staff")
	}

	var callbacks *access.CallbackSigner
	if c.CallbackPrivateKey != "" || c.CallbackPublicKey != "" {
		if callbacks, err = access.NewCallbackSigner(c.CallbackPrivateKey, c.CallbackPublicKey, "scaup"); err != nil {
			return nil, err
		}
	}

	var shippingClient *shipping.Client
	if c.ShippingURL != "" {
		shippingClient = shipping.New(c.ShippingURL)
	}

	var store kss.Driver
	switch driverType {
	case kss.DriverTypeLocal:
		publicURL, err := url.Parse(c.CallbackURL)
		if err != nil {
			return nil, fmt.Errorf("callback url: %w", err)
		}
		if store, err = kss.NewLocalFilesystem(router, kss.LocalConfiguration{BasePath: c.KSSPath, Secret: []byte(c.KSSSecret)}, *publicURL); err != nil {
			return nil, err
		}
	case kss.DriverTypeAWSS3:
		if store, err = kss.NewS3(kss.S3Configuration{
			AccessID:      c.KSSAccessID,
			AccessKey:     c.KSSAccessKey,
			AWSBucketName: c.KSSBucket,
			AWSRegion:     c.KSSRegion,
			KeyPrefix:     c.KSSPrefix,
			Endpoint:      c.KSSEndpoint,
		}); err != nil {
			return nil, err
		}
	}

	var publisher notifier.Publisher = notifier.Log{}
	switch publisherType {
	case notifier.TypeKafka:
		if publisher, err = notifier.NewKafka(splitList(c.KafkaBrokers), c.KafkaTopic); err != nil {
			return nil, err
		}
	case notifier.TypeSQS:
		if publisher, err = notifier.NewSQS(ctx, c.SQSQueueURL, c.SQSRegion); err != nil {
			return nil, err
		}
	}

	db := csql.OpenWithSchema(c.Postgres, c.PostgresPassword, c.Schema)
	reg := registry.New(db)
	b := backend.New(&backend.Builder{
		DB:                  db,
		Router:              router,
		Expeye:              expeye.New(c.ExpeyeURL, c.ExpeyeToken, reg.Accessor("expeye")),
		Authorizer:          authorizer,
		Shipping:            shippingClient,
		CallbackSigner:      callbacks,
		KSS:                 store,
		Publisher:           publisher,
		Registry:            reg,
		FrontendURL:         c.FrontendURL,
		ShippingFrontendURL: c.ShippingFrontendURL,
		CallbackURL:         c.CallbackURL,
		Location:            location,
		CORSOrigins:         splitList(c.CORSOrigins),
		UpdateSchema:        updateSchema,
	})
	return &Service{Backend: b, DB: db, Publisher: publisher}, nil
}
