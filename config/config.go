/*
Copyright 2025 Formpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DefaultSubmissionTTL       = 24 * time.Hour
	DefaultMaxDeliveryAttempts = 3
	DefaultMaxFieldLength      = 10000
	DefaultMaxAttachmentBytes  = 10 << 20 // 10 MiB per attachment
	DefaultMaxTotalBytes       = 25 << 20
	DefaultMaxAttachments      = 10
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"FORMPAY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"FORMPAY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FORMPAY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"FORMPAY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"FORMPAY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"FORMPAY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FORMPAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"FORMPAY_REDIS_DNS"`
}

// CheckoutConfig holds the credentials and endpoints for the external
// checkout processor.
type CheckoutConfig struct {
	ApiBase       string `json:"api_base" envconfig:"FORMPAY_CHECKOUT_API_BASE"`
	SecretKey     string `json:"secret_key" envconfig:"FORMPAY_CHECKOUT_SECRET_KEY"`
	WebhookSecret string `json:"webhook_secret" envconfig:"FORMPAY_CHECKOUT_WEBHOOK_SECRET"`
	SuccessURL    string `json:"success_url" envconfig:"FORMPAY_CHECKOUT_SUCCESS_URL"`
	CancelURL     string `json:"cancel_url" envconfig:"FORMPAY_CHECKOUT_CANCEL_URL"`
	ProductName   string `json:"product_name" envconfig:"FORMPAY_CHECKOUT_PRODUCT_NAME"`
	Currency      string `json:"currency" envconfig:"FORMPAY_CHECKOUT_CURRENCY"`
}

// MailConfig holds the SMTP transport settings for outbound delivery.
type MailConfig struct {
	Host     string `json:"host" envconfig:"FORMPAY_MAIL_HOST"`
	Port     int    `json:"port" envconfig:"FORMPAY_MAIL_PORT"`
	User     string `json:"user" envconfig:"FORMPAY_MAIL_USER"`
	Password string `json:"password" envconfig:"FORMPAY_MAIL_PASSWORD"`
	From     string `json:"from" envconfig:"FORMPAY_MAIL_FROM"`
	// Operator is the fallback recipient when a submission carries no
	// email field, and the address used for operator copies.
	Operator string `json:"operator" envconfig:"FORMPAY_MAIL_OPERATOR"`
}

// SubmissionConfig bounds staged submissions and delivery retries.
type SubmissionConfig struct {
	TTLHours            int   `json:"ttl_hours" envconfig:"FORMPAY_SUBMISSION_TTL_HOURS"`
	MaxDeliveryAttempts int   `json:"max_delivery_attempts" envconfig:"FORMPAY_SUBMISSION_MAX_DELIVERY_ATTEMPTS"`
	MaxFieldLength      int   `json:"max_field_length" envconfig:"FORMPAY_SUBMISSION_MAX_FIELD_LENGTH"`
	MaxAttachmentBytes  int64 `json:"max_attachment_bytes" envconfig:"FORMPAY_SUBMISSION_MAX_ATTACHMENT_BYTES"`
	MaxTotalBytes       int64 `json:"max_total_bytes" envconfig:"FORMPAY_SUBMISSION_MAX_TOTAL_BYTES"`
	MaxAttachments      int   `json:"max_attachments" envconfig:"FORMPAY_SUBMISSION_MAX_ATTACHMENTS"`
}

func (s SubmissionConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

type QueueConfig struct {
	DeliveryQueue  string `json:"delivery_queue" envconfig:"FORMPAY_QUEUE_DELIVERY"`
	ExpiryQueue    string `json:"expiry_queue" envconfig:"FORMPAY_QUEUE_EXPIRY"`
	MaxRetries     int    `json:"max_retries" envconfig:"FORMPAY_QUEUE_MAX_RETRIES"`
	MonitoringPort string `json:"monitoring_port" envconfig:"FORMPAY_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FORMPAY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FORMPAY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FORMPAY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"FORMPAY_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Checkout     CheckoutConfig   `json:"checkout"`
	Mail         MailConfig       `json:"mail"`
	Submission   SubmissionConfig `json:"submission"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("formpay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called formpay.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Formpay Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Checkout.SecretKey == "" {
		log.Println("Error: Checkout secret key is empty. It's a required field.")
		return errors.New("checkout secret key is required")
	}

	if cnf.Checkout.WebhookSecret == "" {
		log.Println("Error: Checkout webhook secret is empty. It's a required field.")
		return errors.New("checkout webhook secret is required")
	}

	cnf.applyDefaults()

	return nil
}

// applyDefaults fills every optional knob. Split from the required-field
// checks so MockConfig can reuse it without insisting on live credentials.
func (cnf *Configuration) applyDefaults() {
	if cnf.Checkout.ApiBase == "" {
		cnf.Checkout.ApiBase = "https://api.stripe.com"
	}
	if cnf.Checkout.ProductName == "" {
		cnf.Checkout.ProductName = "Form Submission"
	}
	if cnf.Checkout.Currency == "" {
		cnf.Checkout.Currency = "eur"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Checkout.ApiBase = strings.TrimRight(strings.TrimSpace(cnf.Checkout.ApiBase), "/")

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Submission.TTLHours <= 0 {
		cnf.Submission.TTLHours = int(DefaultSubmissionTTL / time.Hour)
	}
	if cnf.Submission.MaxDeliveryAttempts <= 0 {
		cnf.Submission.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if cnf.Submission.MaxFieldLength <= 0 {
		cnf.Submission.MaxFieldLength = DefaultMaxFieldLength
	}
	if cnf.Submission.MaxAttachmentBytes <= 0 {
		cnf.Submission.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if cnf.Submission.MaxTotalBytes <= 0 {
		cnf.Submission.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if cnf.Submission.MaxAttachments <= 0 {
		cnf.Submission.MaxAttachments = DefaultMaxAttachments
	}

	if cnf.Queue.DeliveryQueue == "" {
		cnf.Queue.DeliveryQueue = "new:delivery"
	}
	if cnf.Queue.ExpiryQueue == "" {
		cnf.Queue.ExpiryQueue = "new:submission_expiry"
	}
	if cnf.Queue.MaxRetries <= 0 {
		cnf.Queue.MaxRetries = 5
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5002"
	}

	if cnf.Mail.Port == 0 {
		cnf.Mail.Port = 587
	}
	if cnf.Mail.From == "" {
		cnf.Mail.From = cnf.Mail.User
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
