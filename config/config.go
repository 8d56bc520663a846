/*
Copyright 2024 Blnk Finance Authors.

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
	DEFAULT_PORT = "5005"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"REPLICATOR_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"REPLICATOR_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"REPLICATOR_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"REPLICATOR_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"REPLICATOR_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"REPLICATOR_SERVER_PORT"`
	// ScopedKeys maps extra operator keys to scopes such as "queue:read" or "*:read".
	ScopedKeys map[string][]string `json:"scoped_keys" ignored:"true"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"REPLICATOR_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"REPLICATOR_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"REPLICATOR_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"REPLICATOR_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"REPLICATOR_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REPLICATOR_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REPLICATOR_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig drives the durable sync queue and its drain workers.
type QueueConfig struct {
	MaxAttempts             int      `json:"max_attempts" envconfig:"REPLICATOR_QUEUE_MAX_ATTEMPTS"`
	BackoffMinutes          []int    `json:"backoff_minutes" envconfig:"REPLICATOR_QUEUE_BACKOFF_MINUTES"`
	BatchSize               int      `json:"batch_size" envconfig:"REPLICATOR_QUEUE_BATCH_SIZE"`
	MaxWorkers              int      `json:"max_workers" envconfig:"REPLICATOR_QUEUE_MAX_WORKERS"`
	MaxPendingPerNode       int      `json:"max_pending_per_node" envconfig:"REPLICATOR_QUEUE_MAX_PENDING_PER_NODE"`
	DedupeWindowMinutes     int      `json:"dedupe_window_minutes" envconfig:"REPLICATOR_QUEUE_DEDUPE_WINDOW_MINUTES"`
	CompletedRetentionDays  int      `json:"completed_retention_days" envconfig:"REPLICATOR_QUEUE_COMPLETED_RETENTION_DAYS"`
	CancelledRetentionDays  int      `json:"cancelled_retention_days" envconfig:"REPLICATOR_QUEUE_CANCELLED_RETENTION_DAYS"`
	StaleProcessingMinutes  int      `json:"stale_processing_minutes" envconfig:"REPLICATOR_QUEUE_STALE_PROCESSING_MINUTES"`
	CriticalKinds           []string `json:"critical_kinds" envconfig:"REPLICATOR_QUEUE_CRITICAL_KINDS"`
	PollIntervalSeconds     int      `json:"poll_interval_seconds" envconfig:"REPLICATOR_QUEUE_POLL_INTERVAL_SECONDS"`
	NodeLockTimeoutSeconds  int      `json:"node_lock_timeout_seconds" envconfig:"REPLICATOR_QUEUE_NODE_LOCK_TIMEOUT_SECONDS"`
	MonitoringPort          string   `json:"monitoring_port" envconfig:"REPLICATOR_QUEUE_MONITORING_PORT"`
	SchedulerQueue          string   `json:"scheduler_queue" envconfig:"REPLICATOR_QUEUE_SCHEDULER_QUEUE"`
	SchedulerConcurrency    int      `json:"scheduler_concurrency" envconfig:"REPLICATOR_QUEUE_SCHEDULER_CONCURRENCY"`
	HousekeepingCronSpec    string   `json:"housekeeping_cron_spec" envconfig:"REPLICATOR_QUEUE_HOUSEKEEPING_CRON_SPEC"`
	DrainCronSpec           string   `json:"drain_cron_spec" envconfig:"REPLICATOR_QUEUE_DRAIN_CRON_SPEC"`
	ConflictScanCronSpec    string   `json:"conflict_scan_cron_spec" envconfig:"REPLICATOR_QUEUE_CONFLICT_SCAN_CRON_SPEC"`
	HealthCronSpec          string   `json:"health_cron_spec" envconfig:"REPLICATOR_QUEUE_HEALTH_CRON_SPEC"`
	WebhookRetryCronSpec    string   `json:"webhook_retry_cron_spec" envconfig:"REPLICATOR_QUEUE_WEBHOOK_RETRY_CRON_SPEC"`
	DisableInProcessDrainer bool     `json:"disable_in_process_drainer" envconfig:"REPLICATOR_QUEUE_DISABLE_IN_PROCESS_DRAINER"`
}

// WebhookConfig covers both outbound delivery and inbound verification.
type WebhookConfig struct {
	ConnectTimeoutSeconds int     `json:"connect_timeout_seconds" envconfig:"REPLICATOR_WEBHOOK_CONNECT_TIMEOUT_SECONDS"`
	TimeoutSeconds        int     `json:"timeout_seconds" envconfig:"REPLICATOR_WEBHOOK_TIMEOUT_SECONDS"`
	SignatureMaxAgeSecs   int     `json:"signature_max_age_seconds" envconfig:"REPLICATOR_WEBHOOK_SIGNATURE_MAX_AGE_SECONDS"`
	RetryMaxAgeHours      int     `json:"retry_max_age_hours" envconfig:"REPLICATOR_WEBHOOK_RETRY_MAX_AGE_HOURS"`
	RetryMaxRetries       int     `json:"retry_max_retries" envconfig:"REPLICATOR_WEBHOOK_RETRY_MAX_RETRIES"`
	RetryBatchSize        int     `json:"retry_batch_size" envconfig:"REPLICATOR_WEBHOOK_RETRY_BATCH_SIZE"`
	PerNodeRatePerSecond  float64 `json:"per_node_rate_per_second" envconfig:"REPLICATOR_WEBHOOK_PER_NODE_RATE_PER_SECOND"`
	PerNodeBurst          int     `json:"per_node_burst" envconfig:"REPLICATOR_WEBHOOK_PER_NODE_BURST"`
	UserAgent             string  `json:"user_agent" envconfig:"REPLICATOR_WEBHOOK_USER_AGENT"`
	ReceiveSecret         string  `json:"receive_secret" envconfig:"REPLICATOR_WEBHOOK_RECEIVE_SECRET"`
	LocalNodeID           int64   `json:"local_node_id" envconfig:"REPLICATOR_WEBHOOK_LOCAL_NODE_ID"`
}

type ConflictConfig struct {
	DedupeWindowMinutes        int     `json:"dedupe_window_minutes" envconfig:"REPLICATOR_CONFLICT_DEDUPE_WINDOW_MINUTES"`
	PointsTolerance            float64 `json:"points_tolerance" envconfig:"REPLICATOR_CONFLICT_POINTS_TOLERANCE"`
	DuplicateInvoiceWindowDays int     `json:"duplicate_invoice_window_days" envconfig:"REPLICATOR_CONFLICT_DUPLICATE_INVOICE_WINDOW_DAYS"`
	StuckQueueMinutes          int     `json:"stuck_queue_minutes" envconfig:"REPLICATOR_CONFLICT_STUCK_QUEUE_MINUTES"`
	StuckQueueLimit            int     `json:"stuck_queue_limit" envconfig:"REPLICATOR_CONFLICT_STUCK_QUEUE_LIMIT"`
	WatermarkStaleHours        int     `json:"watermark_stale_hours" envconfig:"REPLICATOR_CONFLICT_WATERMARK_STALE_HOURS"`
	WatermarkCriticalHours     int     `json:"watermark_critical_hours" envconfig:"REPLICATOR_CONFLICT_WATERMARK_CRITICAL_HOURS"`
	OfflineSaleDelayMinutes    int     `json:"offline_sale_delay_minutes" envconfig:"REPLICATOR_CONFLICT_OFFLINE_SALE_DELAY_MINUTES"`
	StuckQueueCancelAttempts   int     `json:"stuck_queue_cancel_attempts" envconfig:"REPLICATOR_CONFLICT_STUCK_QUEUE_CANCEL_ATTEMPTS"`
}

type DistributionConfig struct {
	CentralNodeID      int64          `json:"central_node_id" envconfig:"REPLICATOR_DISTRIBUTION_CENTRAL_NODE_ID"`
	BatchSizes         map[string]int `json:"batch_sizes"`
	DefaultBatchSize   int            `json:"default_batch_size" envconfig:"REPLICATOR_DISTRIBUTION_DEFAULT_BATCH_SIZE"`
	MaxConcurrency     int            `json:"max_concurrency" envconfig:"REPLICATOR_DISTRIBUTION_MAX_CONCURRENCY"`
	MaxRunsPerMinute   int            `json:"max_runs_per_minute" envconfig:"REPLICATOR_DISTRIBUTION_MAX_RUNS_PER_MINUTE"`
	RealtimeCronSpec   string         `json:"realtime_cron_spec" envconfig:"REPLICATOR_DISTRIBUTION_REALTIME_CRON_SPEC"`
	NearRealtimeSpec   string         `json:"near_realtime_cron_spec" envconfig:"REPLICATOR_DISTRIBUTION_NEAR_REALTIME_CRON_SPEC"`
	DailyCronSpec      string         `json:"daily_cron_spec" envconfig:"REPLICATOR_DISTRIBUTION_DAILY_CRON_SPEC"`
	HistoricalDays     int            `json:"historical_days" envconfig:"REPLICATOR_DISTRIBUTION_HISTORICAL_DAYS"`
	EnableChangeFeed   bool           `json:"enable_change_feed" envconfig:"REPLICATOR_DISTRIBUTION_ENABLE_CHANGE_FEED"`
	MinFreeDiskBytes   uint64         `json:"min_free_disk_bytes" envconfig:"REPLICATOR_DISTRIBUTION_MIN_FREE_DISK_BYTES"`
	NodeCacheTTLSecond int            `json:"node_cache_ttl_seconds" envconfig:"REPLICATOR_DISTRIBUTION_NODE_CACHE_TTL_SECONDS"`
}

type HealthConfig struct {
	CPUThreshold            float64  `json:"cpu_threshold" envconfig:"REPLICATOR_HEALTH_CPU_THRESHOLD"`
	MemoryThreshold         float64  `json:"memory_threshold" envconfig:"REPLICATOR_HEALTH_MEMORY_THRESHOLD"`
	DiskThreshold           float64  `json:"disk_threshold" envconfig:"REPLICATOR_HEALTH_DISK_THRESHOLD"`
	DiskPath                string   `json:"disk_path" envconfig:"REPLICATOR_HEALTH_DISK_PATH"`
	ResponseTimeThresholdMs int64    `json:"response_time_threshold_ms" envconfig:"REPLICATOR_HEALTH_RESPONSE_TIME_THRESHOLD_MS"`
	QueueThreshold          int      `json:"queue_threshold" envconfig:"REPLICATOR_HEALTH_QUEUE_THRESHOLD"`
	FailedSyncThreshold     int      `json:"failed_sync_threshold" envconfig:"REPLICATOR_HEALTH_FAILED_SYNC_THRESHOLD"`
	OldPendingThreshold     int      `json:"old_pending_threshold" envconfig:"REPLICATOR_HEALTH_OLD_PENDING_THRESHOLD"`
	ConflictBacklog         int      `json:"conflict_backlog_threshold" envconfig:"REPLICATOR_HEALTH_CONFLICT_BACKLOG_THRESHOLD"`
	WebhookFailureRatio     float64  `json:"webhook_failure_ratio" envconfig:"REPLICATOR_HEALTH_WEBHOOK_FAILURE_RATIO"`
	CriticalChecks          []string `json:"critical_checks" envconfig:"REPLICATOR_HEALTH_CRITICAL_CHECKS"`
	MaxAlertsPerHour        int      `json:"max_alerts_per_hour" envconfig:"REPLICATOR_HEALTH_MAX_ALERTS_PER_HOUR"`
	CriticalCooldownSeconds int      `json:"critical_cooldown_seconds" envconfig:"REPLICATOR_HEALTH_CRITICAL_COOLDOWN_SECONDS"`
	AlertCooldownSeconds    int      `json:"alert_cooldown_seconds" envconfig:"REPLICATOR_HEALTH_ALERT_COOLDOWN_SECONDS"`
	KeepHistoryDays         int      `json:"keep_history_days" envconfig:"REPLICATOR_HEALTH_KEEP_HISTORY_DAYS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"REPLICATOR_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type BackupConfig struct {
	Dir                string `json:"dir" envconfig:"REPLICATOR_BACKUP_DIR"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"REPLICATOR_BACKUP_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"REPLICATOR_BACKUP_AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"REPLICATOR_BACKUP_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"REPLICATOR_BACKUP_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"REPLICATOR_BACKUP_S3_REGION"`
}

type OtelExporter struct {
	Protocol string `json:"protocol" envconfig:"REPLICATOR_OTEL_EXPORTER_PROTOCOL"`
	Endpoint string `json:"endpoint" envconfig:"REPLICATOR_OTEL_EXPORTER_ENDPOINT"`
	Headers  string `json:"headers" envconfig:"REPLICATOR_OTEL_EXPORTER_HEADERS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REPLICATOR_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REPLICATOR_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REPLICATOR_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName     string             `json:"project_name" envconfig:"REPLICATOR_PROJECT_NAME"`
	EnableTelemetry bool               `json:"enable_telemetry" envconfig:"REPLICATOR_ENABLE_TELEMETRY"`
	Server          ServerConfig       `json:"server"`
	DataSource      DataSourceConfig   `json:"data_source"`
	Redis           RedisConfig        `json:"redis"`
	Queue           QueueConfig        `json:"queue"`
	Webhook         WebhookConfig      `json:"webhook"`
	Conflict        ConflictConfig     `json:"conflict"`
	Distribution    DistributionConfig `json:"distribution"`
	Health          HealthConfig       `json:"health"`
	Notification    Notification       `json:"notification"`
	Backup          BackupConfig       `json:"backup"`
	RateLimit       RateLimitConfig    `json:"rate_limit"`
	OtelExporter    OtelExporter       `json:"otel_exporter"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("replicator", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called replicator.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Replicator"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = 10
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 30 * time.Minute
	}
	if cnf.DataSource.ConnMaxIdleTime <= 0 {
		cnf.DataSource.ConnMaxIdleTime = 5 * time.Minute
	}

	cnf.Queue.setDefaults()
	cnf.Webhook.setDefaults()
	cnf.Conflict.setDefaults()
	cnf.Distribution.setDefaults()
	cnf.Health.setDefaults()

	for _, minutes := range cnf.Queue.BackoffMinutes {
		if minutes <= 0 {
			return errors.New("queue backoff ladder entries must be positive")
		}
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
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 3
	}
	if len(q.BackoffMinutes) == 0 {
		q.BackoffMinutes = []int{5, 15, 60}
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 20
	}
	if q.MaxWorkers <= 0 {
		q.MaxWorkers = 5
	}
	if q.MaxPendingPerNode <= 0 {
		q.MaxPendingPerNode = 10000
	}
	if q.DedupeWindowMinutes <= 0 {
		q.DedupeWindowMinutes = 10
	}
	if q.CompletedRetentionDays <= 0 {
		q.CompletedRetentionDays = 30
	}
	if q.CancelledRetentionDays <= 0 {
		q.CancelledRetentionDays = 7
	}
	if q.StaleProcessingMinutes <= 0 {
		q.StaleProcessingMinutes = 15
	}
	if len(q.CriticalKinds) == 0 {
		q.CriticalKinds = []string{"sale", "debt-payment"}
	}
	if q.PollIntervalSeconds <= 0 {
		q.PollIntervalSeconds = 30
	}
	if q.NodeLockTimeoutSeconds <= 0 {
		q.NodeLockTimeoutSeconds = 120
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5006"
	}
	if q.SchedulerQueue == "" {
		q.SchedulerQueue = "replicator_jobs"
	}
	if q.SchedulerConcurrency <= 0 {
		q.SchedulerConcurrency = 4
	}
	if q.HousekeepingCronSpec == "" {
		q.HousekeepingCronSpec = "@daily"
	}
	if q.DrainCronSpec == "" {
		q.DrainCronSpec = "@every 1m"
	}
	if q.ConflictScanCronSpec == "" {
		q.ConflictScanCronSpec = "@every 15m"
	}
	if q.HealthCronSpec == "" {
		q.HealthCronSpec = "@every 5m"
	}
	if q.WebhookRetryCronSpec == "" {
		q.WebhookRetryCronSpec = "@every 10m"
	}
}

func (w *WebhookConfig) setDefaults() {
	if w.ConnectTimeoutSeconds <= 0 {
		w.ConnectTimeoutSeconds = 10
	}
	if w.TimeoutSeconds <= 0 {
		w.TimeoutSeconds = 30
	}
	if w.SignatureMaxAgeSecs <= 0 {
		w.SignatureMaxAgeSecs = 300
	}
	if w.RetryMaxAgeHours <= 0 {
		w.RetryMaxAgeHours = 24
	}
	if w.RetryMaxRetries <= 0 {
		w.RetryMaxRetries = 3
	}
	if w.RetryBatchSize <= 0 {
		w.RetryBatchSize = 50
	}
	if w.PerNodeRatePerSecond <= 0 {
		w.PerNodeRatePerSecond = 5
	}
	if w.PerNodeBurst <= 0 {
		w.PerNodeBurst = 1
	}
	if w.UserAgent == "" {
		w.UserAgent = "Replicator-Webhook/1.0"
	}
}

func (c *ConflictConfig) setDefaults() {
	if c.DedupeWindowMinutes <= 0 {
		c.DedupeWindowMinutes = 60
	}
	if c.PointsTolerance <= 0 {
		c.PointsTolerance = 0.01
	}
	if c.DuplicateInvoiceWindowDays <= 0 {
		c.DuplicateInvoiceWindowDays = 7
	}
	if c.StuckQueueMinutes <= 0 {
		c.StuckQueueMinutes = 30
	}
	if c.StuckQueueLimit <= 0 {
		c.StuckQueueLimit = 20
	}
	if c.WatermarkStaleHours <= 0 {
		c.WatermarkStaleHours = 2
	}
	if c.WatermarkCriticalHours <= 0 {
		c.WatermarkCriticalHours = 4
	}
	if c.OfflineSaleDelayMinutes <= 0 {
		c.OfflineSaleDelayMinutes = 60
	}
	if c.StuckQueueCancelAttempts <= 0 {
		c.StuckQueueCancelAttempts = 3
	}
}

func (d *DistributionConfig) setDefaults() {
	if d.BatchSizes == nil {
		d.BatchSizes = map[string]int{}
	}
	defaults := map[string]int{
		"customers": 500,
		"sales":     200,
		"points":    500,
		"credits":   100,
		"stock":     300,
	}
	for category, size := range defaults {
		if _, ok := d.BatchSizes[category]; !ok {
			d.BatchSizes[category] = size
		}
	}
	if d.DefaultBatchSize <= 0 {
		d.DefaultBatchSize = 500
	}
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = 5
	}
	if d.MaxConcurrency > 20 {
		d.MaxConcurrency = 20
	}
	if d.MaxRunsPerMinute <= 0 {
		d.MaxRunsPerMinute = 30
	}
	if d.RealtimeCronSpec == "" {
		d.RealtimeCronSpec = "@every 1m"
	}
	if d.NearRealtimeSpec == "" {
		d.NearRealtimeSpec = "@every 5m"
	}
	if d.DailyCronSpec == "" {
		d.DailyCronSpec = "0 3 * * *"
	}
	if d.HistoricalDays <= 0 {
		d.HistoricalDays = 30
	}
	if d.MinFreeDiskBytes == 0 {
		d.MinFreeDiskBytes = 1 << 30
	}
	if d.NodeCacheTTLSecond <= 0 {
		d.NodeCacheTTLSecond = 30
	}
}

func (h *HealthConfig) setDefaults() {
	if h.CPUThreshold <= 0 {
		h.CPUThreshold = 80
	}
	if h.MemoryThreshold <= 0 {
		h.MemoryThreshold = 80
	}
	if h.DiskThreshold <= 0 {
		h.DiskThreshold = 90
	}
	if h.DiskPath == "" {
		h.DiskPath = "/"
	}
	if h.ResponseTimeThresholdMs <= 0 {
		h.ResponseTimeThresholdMs = 5000
	}
	if h.QueueThreshold <= 0 {
		h.QueueThreshold = 200
	}
	if h.FailedSyncThreshold <= 0 {
		h.FailedSyncThreshold = 20
	}
	if h.OldPendingThreshold <= 0 {
		h.OldPendingThreshold = 10
	}
	if h.ConflictBacklog <= 0 {
		h.ConflictBacklog = 50
	}
	if h.WebhookFailureRatio <= 0 {
		h.WebhookFailureRatio = 0.2
	}
	if len(h.CriticalChecks) == 0 {
		h.CriticalChecks = []string{"database", "disk_space", "queue"}
	}
	if h.MaxAlertsPerHour <= 0 {
		h.MaxAlertsPerHour = 12
	}
	if h.CriticalCooldownSeconds <= 0 {
		h.CriticalCooldownSeconds = 300
	}
	if h.AlertCooldownSeconds <= 0 {
		h.AlertCooldownSeconds = 900
	}
	if h.KeepHistoryDays <= 0 {
		h.KeepHistoryDays = 30
	}
}

// SetOtelExporterEnvs exports the configured OTLP settings to the env vars read by the exporter.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelExporter.Protocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelExporter.Endpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelExporter.Headers,
	}
	for key, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// MockDefaults returns a configuration with every default applied, for tests.
func MockDefaults() *Configuration {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/replicator?sslmode=disable"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
