// Copyright 2023 The biasalert-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"fmt"

	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// AlertLevel grades the severity of a bias alert.
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"
	AlertWarning  AlertLevel = "warning"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// FilterAlertLevel is the subscriber filter key holding the alert level a
// client wants to receive. A missing key or "all" receives every level.
const FilterAlertLevel = "alertLevelFilter"

// BiasAlert is the payload of a bias-alert event.
type BiasAlert struct {
	AlertID         string     `json:"alertId"`
	SessionID       string     `json:"sessionId,omitempty"`
	Level           AlertLevel `json:"level"`
	Category        string     `json:"category,omitempty"`
	Message         string     `json:"message"`
	BiasScore       float64    `json:"biasScore"`
	Recommendations []string   `json:"recommendations,omitempty"`
}

// SystemStatus is the payload of a system-status event.
type SystemStatus struct {
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// AnalysisComplete is the payload of an analysis-complete event.
type AnalysisComplete struct {
	SessionID        string         `json:"sessionId"`
	OverallBiasScore float64        `json:"overallBiasScore"`
	AlertLevel       AlertLevel     `json:"alertLevel"`
	Summary          string         `json:"summary,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// AlertLevelFilter passes an event when the subscriber has no level
// preference, asked for "all", or asked for exactly the event's level.
func AlertLevelFilter(info registry.Info, ev protocol.Event) bool {
	want, ok := info.Filters[FilterAlertLevel]
	if !ok || want == nil {
		return true
	}
	wantLevel := fmt.Sprint(want)
	if wantLevel == "all" || wantLevel == "" {
		return true
	}
	level, ok := eventLevel(ev)
	return ok && string(level) == wantLevel
}

// eventLevel extracts the alert level from the payloads producers send:
// typed alerts, or decoded JSON objects from external publishers.
func eventLevel(ev protocol.Event) (AlertLevel, bool) {
	switch data := ev.Data.(type) {
	case BiasAlert:
		return data.Level, true
	case *BiasAlert:
		if data == nil {
			return "", false
		}
		return data.Level, true
	case AnalysisComplete:
		return data.AlertLevel, true
	case map[string]any:
		for _, key := range []string{"level", "alertLevel"} {
			if v, ok := data[key].(string); ok {
				return AlertLevel(v), true
			}
		}
	}
	return "", false
}
