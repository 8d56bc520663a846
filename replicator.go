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

package replicator

import (
	"embed"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/notification"
	redis_db "github.com/storesync/replicator/internal/redis-db"
	storagemonitor "github.com/storesync/replicator/internal/storage-monitor"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("replicator")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Replicator owns the sync queue, webhook delivery, conflict engine,
// distribution coordinator and health monitor of one deployment.
type Replicator struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	config     *config.Configuration
	sender     *WebhookSender
	notifier   *notification.Notifier
	probe      storagemonitor.Probe
	handlers   map[model.QueueKind]KindHandler
	resolvers  map[model.ConflictSubtype]autoResolver
	categories *CategoryRegistry
	httpClient *http.Client
	now        func() time.Time
}

// Option customises a Replicator built by New.
type Option func(*Replicator)

// WithHTTPClient replaces the client used for webhook delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Replicator) {
		r.httpClient = client
	}
}

// WithProbe replaces the host metrics source.
func WithProbe(probe storagemonitor.Probe) Option {
	return func(r *Replicator) {
		r.probe = probe
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) {
		r.now = now
	}
}

// NewReplicator initializes a Replicator from the loaded configuration.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Replicator: A pointer to the newly created Replicator instance.
// - error: An error if configuration, redis or handler registration fails.
func NewReplicator(db database.IDataSource) (*Replicator, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return New(db, configuration, redisClient.Client())
}

// New wires a Replicator from explicit dependencies. redisClient may be nil,
// in which case locks, alert throttling and the distribution rate limit are skipped.
func New(db database.IDataSource, configuration *config.Configuration, redisClient redis.UniversalClient, opts ...Option) (*Replicator, error) {
	r := &Replicator{
		datasource: db,
		redis:      redisClient,
		config:     configuration,
		probe:      storagemonitor.NewHostProbe(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = newDeliveryClient(configuration.Webhook)
	}

	r.sender = NewWebhookSender(db, configuration.Webhook, r.httpClient, r.now)
	r.notifier = notification.NewNotifier(configuration, redisClient)
	r.categories = NewCategoryRegistry(configuration.Distribution)

	r.handlers = r.defaultHandlers()
	if err := validateHandlers(r.handlers); err != nil {
		return nil, err
	}
	r.resolvers = r.defaultResolvers()
	if err := validateResolvers(r.resolvers); err != nil {
		return nil, err
	}
	return r, nil
}

// Config returns the configuration the Replicator was built with.
func (r *Replicator) Config() *config.Configuration {
	return r.config
}

// DataSource returns the underlying datasource.
func (r *Replicator) DataSource() database.IDataSource {
	return r.datasource
}

// Sender returns the webhook sender.
func (r *Replicator) Sender() *WebhookSender {
	return r.sender
}

// Categories returns the distribution category registry.
func (r *Replicator) Categories() *CategoryRegistry {
	return r.categories
}
