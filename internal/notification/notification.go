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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/internal/request"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert is an operator-facing message. Key identifies the issue for throttling.
type Alert struct {
	Key      string                 `json:"key"`
	Severity string                 `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Time     time.Time              `json:"time"`
}

// Notifier fans alerts out to Slack and a generic webhook, throttled in redis.
type Notifier struct {
	slackURL         string
	webhookURL       string
	webhookHeaders   map[string]string
	client           redis.UniversalClient
	maxPerHour       int
	criticalCooldown time.Duration
	cooldown         time.Duration
	now              func() time.Time
}

func NewNotifier(cnf *config.Configuration, client redis.UniversalClient) *Notifier {
	return &Notifier{
		slackURL:         cnf.Notification.Slack.WebhookUrl,
		webhookURL:       cnf.Notification.Webhook.Url,
		webhookHeaders:   cnf.Notification.Webhook.Headers,
		client:           client,
		maxPerHour:       cnf.Health.MaxAlertsPerHour,
		criticalCooldown: time.Duration(cnf.Health.CriticalCooldownSeconds) * time.Second,
		cooldown:         time.Duration(cnf.Health.AlertCooldownSeconds) * time.Second,
		now:              time.Now,
	}
}

// Send delivers the alert unless it is inside its cooldown window or the
// hourly cap for its key is spent. It reports whether anything was sent.
func (n *Notifier) Send(ctx context.Context, alert Alert) (bool, error) {
	if alert.Time.IsZero() {
		alert.Time = n.now()
	}

	allowed, err := n.allow(ctx, alert)
	if err != nil {
		return false, err
	}
	if !allowed {
		logrus.WithFields(logrus.Fields{"alert_key": alert.Key, "severity": alert.Severity}).Debug("alert throttled")
		return false, nil
	}

	var sendErr error
	if n.slackURL != "" {
		if err := SlackNotification(ctx, n.slackURL, alert); err != nil {
			logrus.WithField("alert_key", alert.Key).Errorf("slack notification failed: %v", err)
			sendErr = err
		}
	}
	if n.webhookURL != "" {
		if err := n.webhookNotification(ctx, alert); err != nil {
			logrus.WithField("alert_key", alert.Key).Errorf("webhook notification failed: %v", err)
			sendErr = err
		}
	}
	if n.slackURL == "" && n.webhookURL == "" {
		logrus.WithFields(logrus.Fields{"alert_key": alert.Key, "severity": alert.Severity}).Warn(alert.Message)
	}
	return sendErr == nil, sendErr
}

func (n *Notifier) allow(ctx context.Context, alert Alert) (bool, error) {
	if n.client == nil {
		return true, nil
	}
	cooldown := n.cooldown
	if alert.Severity == SeverityCritical {
		cooldown = n.criticalCooldown
	}

	ok, err := n.client.SetNX(ctx, "alert:cooldown:"+alert.Key, alert.Time.Unix(), cooldown).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	hourKey := fmt.Sprintf("alert:hourly:%s:%s", alert.Key, n.now().UTC().Format("2006010215"))
	count, err := n.client.Incr(ctx, hourKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		n.client.Expire(ctx, hourKey, time.Hour)
	}
	return count <= int64(n.maxPerHour), nil
}

func (n *Notifier) webhookNotification(ctx context.Context, alert Alert) error {
	payload, err := request.ToJsonReq(map[string]interface{}{
		"event": "replicator.alert",
		"data":  alert,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, payload)
	if err != nil {
		return err
	}
	for key, value := range n.webhookHeaders {
		req.Header.Set(key, value)
	}
	_, err = request.Call(req, nil)
	return err
}

// SlackNotification posts the alert as a blocks message.
func SlackNotification(ctx context.Context, webhookURL string, alert Alert) error {
	icon := "⚠️"
	if alert.Severity == SeverityCritical {
		icon = "🚨"
	}
	data := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{
					"type":  "plain_text",
					"text":  fmt.Sprintf("%s %s", icon, alert.Title),
					"emoji": true,
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Issue:*\n%s", alert.Message)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", alert.Severity)},
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%s", alert.Time.Format(time.RFC822))},
				},
			},
		},
	}
	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(req, nil)
	return err
}

// NotifyError reports an unexpected system error asynchronously through Slack when configured.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}
		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}
		alert := Alert{
			Key:      "system_error",
			Severity: SeverityCritical,
			Title:    "Error From Replicator 🐞",
			Message:  systemError.Error(),
			Time:     time.Now(),
		}
		if err := SlackNotification(context.Background(), conf.Notification.Slack.WebhookUrl, alert); err != nil {
			logrus.Error(err)
		}
	}(systemError)
}
