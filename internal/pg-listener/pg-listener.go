package pg_listener

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Channel is the NOTIFY channel written by the replicator.notify_data_change trigger.
const Channel = "data_change"

type NotificationHandler interface {
	HandleNotification(ctx context.Context, table string, action string, data map[string]interface{}) error
}

type ListenerConfig struct {
	PgConnStr string
	// MinReconnect and MaxReconnect bound pq's reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// PingInterval is how often an idle connection is checked.
	PingInterval time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table  string                 `json:"table"`
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.MinReconnect == 0 {
		config.MinReconnect = 10 * time.Second
	}
	if config.MaxReconnect == 0 {
		config.MaxReconnect = time.Minute
	}
	if config.PingInterval == 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start blocks until ctx is cancelled, dispatching every change notification to the handler.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnect, d.config.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.Errorf("change feed listener error: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return err
	}
	logrus.Infof("listening for change notifications on channel '%s'", Channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notification := <-listener.Notify:
			// nil is sent after a reconnect
			if notification == nil {
				continue
			}
			d.dispatch(ctx, notification.Extra)
		case <-time.After(d.config.PingInterval):
			if err := listener.Ping(); err != nil {
				logrus.Warnf("change feed ping failed: %v", err)
			}
		}
	}
}

func (d *DBListener) dispatch(ctx context.Context, extra string) {
	payload, err := ParsePayload(extra)
	if err != nil {
		logrus.Errorf("error unmarshalling change notification payload: %v", err)
		return
	}
	if err := d.handler.HandleNotification(ctx, payload.Table, payload.Action, payload.Data); err != nil {
		logrus.WithField("table", payload.Table).Errorf("error handling change notification: %v", err)
	}
}

// ParsePayload decodes a NOTIFY payload, rendering numeric ids as strings.
func ParsePayload(extra string) (NotificationPayload, error) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		return payload, err
	}
	if id, ok := payload.Data["id"].(float64); ok {
		payload.Data["id"] = strconv.FormatFloat(id, 'f', -1, 64)
	}
	return payload, nil
}
