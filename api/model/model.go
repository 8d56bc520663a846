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
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/storesync/replicator/model"
)

func queueKindRule(value interface{}) error {
	kind, ok := value.(string)
	if !ok {
		return errors.New("invalid kind type")
	}
	if kind == "" {
		return nil
	}
	if !model.QueueKind(kind).Valid() {
		return fmt.Errorf("unknown queue kind %q", kind)
	}
	return nil
}

func jsonPayloadRule(value interface{}) error {
	payload, ok := value.(json.RawMessage)
	if !ok {
		return errors.New("invalid payload type")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

func webhookURLRule(value interface{}) error {
	raw, _ := value.(string)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

func nodeIDsRule(value interface{}) error {
	ids, ok := value.([]int64)
	if !ok {
		return errors.New("invalid node list")
	}
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("node id %d must be positive", id)
		}
	}
	return nil
}

func strategyValues() []interface{} {
	out := make([]interface{}, 0, len(model.ResolutionStrategies))
	for _, s := range model.ResolutionStrategies {
		out = append(out, string(s))
	}
	return out
}

func (e *EnqueueItem) ValidateEnqueueItem() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Kind, validation.Required, validation.By(queueKindRule)),
		validation.Field(&e.NodeID, validation.Required, validation.Min(int64(1))),
		validation.Field(&e.Payload, validation.By(jsonPayloadRule)),
		validation.Field(&e.Priority, validation.Min(0), validation.Max(10)),
	)
}

func (f *FanOut) ValidateFanOut() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.Kind, validation.Required, validation.By(queueKindRule)),
		validation.Field(&f.SourceNodeID, validation.Required, validation.Min(int64(1))),
		validation.Field(&f.Payload, validation.Required, validation.By(jsonPayloadRule)),
		validation.Field(&f.Priority, validation.Min(0), validation.Max(10)),
	)
}

func (p *Prioritize) ValidatePrioritize() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Priority, validation.Required, validation.Min(1), validation.Max(10)),
	)
}

func (p *ProcessQueue) ValidateProcessQueue() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Limit, validation.Min(0), validation.Max(500)),
	)
}

func (e *RegisterEndpoint) ValidateRegisterEndpoint() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.NodeID, validation.Required, validation.Min(int64(1))),
		validation.Field(&e.URL, validation.Required, validation.By(webhookURLRule)),
		validation.Field(&e.Secret, validation.When(e.Secret != "", validation.Length(16, 256))),
	)
}

func (r *RetryDeliveries) ValidateRetryDeliveries() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.MaxAgeHours, validation.Min(0), validation.Max(24*30)),
		validation.Field(&r.MaxRetries, validation.Min(0), validation.Max(20)),
	)
}

func (d *DetectConflicts) ValidateDetectConflicts() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Categories, validation.Each(validation.By(func(value interface{}) error {
			c, _ := value.(string)
			if !model.ConflictCategory(c).Valid() {
				return fmt.Errorf("unknown conflict category %q", c)
			}
			return nil
		}))),
	)
}

func (a *AutoResolve) ValidateAutoResolve() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ConflictIDs, validation.Required, validation.Length(1, 500)),
	)
}

func (m *ManualResolve) ValidateManualResolve() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Strategy, validation.Required, validation.In(strategyValues()...)),
		validation.Field(&m.ResolvedBy, validation.Length(0, 100)),
	)
}

func (b *BulkCleanup) ValidateBulkCleanup() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.OlderThanDays, validation.Required, validation.Min(1)),
		validation.Field(&b.Scope, validation.Required, validation.In(string(model.CleanupResolved), string(model.CleanupAllOld))),
	)
}

func (d *Distribute) ValidateDistribute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Category, validation.Required),
		validation.Field(&d.TargetNodes, validation.By(nodeIDsRule)),
		validation.Field(&d.Priority, validation.In("critical", "high", "normal", "low")),
	)
}

func (f *ForceSync) ValidateForceSync() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.TargetNodes, validation.By(nodeIDsRule)),
	)
}

func (e *EmergencySync) ValidateEmergencySync() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Type, validation.Required, validation.In(
			string(model.EmergencyCriticalData), string(model.EmergencyStockOnly), string(model.EmergencyFull))),
	)
}

func (n *UpsertNode) ValidateUpsertNode() error {
	return validation.ValidateStruct(n,
		validation.Field(&n.ID, validation.Required, validation.Min(int64(1))),
		validation.Field(&n.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&n.Mode, validation.In(string(model.NodeModeDirect), string(model.NodeModeSync))),
	)
}

func (s *SetNodeMode) ValidateSetNodeMode() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Mode, validation.Required, validation.In(string(model.NodeModeDirect), string(model.NodeModeSync))),
	)
}

func (s *SwitchToSync) ValidateSwitchToSync() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.URL, validation.Required, validation.By(webhookURLRule)),
		validation.Field(&s.Secret, validation.When(s.Secret != "", validation.Length(16, 256))),
	)
}
