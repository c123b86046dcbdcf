// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/util"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger/console"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote/familysearch"

	"github.com/caarlos0/env/v11"
)

type Log struct {
	Debug bool `env:"DEBUG" envDefault:"false"`
	JSON  bool `env:"LOG_JSON" envDefault:"false"`
}

// ConsoleParams returns the console backend settings for a process named prefix.
func (l Log) ConsoleParams(prefix string) console.ConsoleLoggerParams {
	return console.ConsoleLoggerParams{Debug: l.Debug, JSON: l.JSON, Prefix: prefix}
}

type FamilySearch struct {
	Username          string        `env:"FS_USERNAME"`
	Password          string        `env:"FS_PASSWORD"`
	BaseURL           string        `env:"FS_BASE_URL" envDefault:"https://familysearch.org"`
	LoginURL          string        `env:"FS_LOGIN_URL" envDefault:"https://www.familysearch.org/auth/familysearch/login"`
	IdentURL          string        `env:"FS_IDENT_URL" envDefault:"https://ident.familysearch.org/login"`
	Timeout           time.Duration `env:"FS_TIMEOUT" envDefault:"60s"`
	RetryDelay        time.Duration `env:"FS_RETRY_DELAY"`
	RequestsPerSecond float64       `env:"FS_REQUESTS_PER_SECOND" envDefault:"0"`
	LeaseTTL          time.Duration `env:"FS_LEASE_TTL" envDefault:"5m"`
}

// ClientParams maps the settings onto the FamilySearch client.
func (f FamilySearch) ClientParams() familysearch.NewClientParams {
	return familysearch.NewClientParams{
		Username:          f.Username,
		Password:          f.Password,
		BaseURL:           f.BaseURL,
		LoginURL:          f.LoginURL,
		IdentURL:          f.IdentURL,
		Timeout:           f.Timeout,
		RetryDelay:        f.RetryDelay,
		RequestsPerSecond: f.RequestsPerSecond,
	}
}

type Acquisition struct {
	BatchSize        int `env:"ACQUIRE_BATCH_SIZE" envDefault:"200"`
	ParallelRequests int `env:"ACQUIRE_PARALLEL_REQUESTS" envDefault:"10"`
}

func (a Acquisition) GraphParams() graph.NewGraphClientParams {
	return graph.NewGraphClientParams{
		BatchSize:        a.BatchSize,
		ParallelRequests: a.ParallelRequests,
	}
}

type Database struct {
	URL string `env:"DATABASE_URL"`
}

type RabbitMQ struct {
	User     string `env:"RABBITMQ_USER" envDefault:"guest"`
	Password string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	Host     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	Port     string `env:"RABBITMQ_PORT" envDefault:"5672"`
}

// URL returns the AMQP connection url.
func (r RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   r.Host + ":" + r.Port,
		Path:   "/",
	}
	return u.String()
}

type S3 struct {
	Region         string `env:"AWS_REGION" envDefault:"us-east-1"`
	Endpoint       string `env:"AWS_ENDPOINT"`
	PublicEndpoint string `env:"AWS_PUBLIC_ENDPOINT"`
	AccessKey      string `env:"AWS_ACCESS_KEY"`
	SecretKey      string `env:"AWS_SECRET_KEY"`
	Bucket         string `env:"AWS_BUCKET" envDefault:"kinfetch"`
}

type Server struct {
	Port           string `env:"PORT" envDefault:"8080"`
	AuthURL        string `env:"AUTH_URL"`
	MasterAPIKey   string `env:"MASTER_API_KEY"`
	MasterUserID   int64  `env:"MASTER_USER_ID" envDefault:"0"`
	MasterUserRole string `env:"MASTER_USER_ROLE" envDefault:"admin"`
	BodyLimit      string `env:"BODY_LIMIT" envDefault:"64M"`
}

type Config struct {
	Log          Log
	FamilySearch FamilySearch
	Acquisition  Acquisition
	Database     Database
	RabbitMQ     RabbitMQ
	S3           S3
	Server       Server
}

// Load reads the dotenv files (".env" when none are given) and parses the
// environment into a Config.
func Load(files ...string) (*Config, error) {
	if err := util.LoadEnv(files...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ValidateWorker checks the settings the worker cannot run without.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.FamilySearch.Username == "" || c.FamilySearch.Password == "" {
		errs = append(errs, errors.New("FS_USERNAME and FS_PASSWORD are required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Acquisition.BatchSize > 200 {
		errs = append(errs, fmt.Errorf("ACQUIRE_BATCH_SIZE must be at most 200, got %d", c.Acquisition.BatchSize))
	}
	return errors.Join(errs...)
}

// ValidateServer checks the settings the API server cannot run without.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Server.AuthURL == "" && c.Server.MasterAPIKey == "" {
		errs = append(errs, errors.New("AUTH_URL or MASTER_API_KEY is required"))
	}
	return errors.Join(errs...)
}
