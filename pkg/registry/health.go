// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"time"

	"github.com/odalpeth/cadre/pkg/errors"
)

// HealthStatus is the last-known availability of a registered agent.
type HealthStatus string

const (
	// HealthHealthy indicates the agent's last invocation succeeded.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates the agent's last invocation failed but the
	// failure was contained (permission, conflict, internal fault).
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the agent's last invocation timed out or
	// the agent has never responded.
	HealthUnhealthy HealthStatus = "UNHEALTHY"

	// HealthUnknown indicates the agent has not been invoked yet.
	HealthUnknown HealthStatus = "UNKNOWN"
)

// HealthResult is the last-known health of one agent.
type HealthResult struct {
	Agent     string
	Status    HealthStatus
	Message   string
	LastCheck time.Time
}

// ReportHealth records the outcome of an agent invocation. The engine calls
// this after every execution unit returns.
func (r *Registry) ReportHealth(name string, status HealthStatus, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	r.health[name] = HealthResult{
		Agent:     name,
		Status:    status,
		Message:   message,
		LastCheck: time.Now().UTC(),
	}
}

// Health returns the last-known health for name. Registered agents that
// were never invoked report UNKNOWN.
func (r *Registry) Health(name string) (HealthResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byName[name]; !ok {
		return HealthResult{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("agent %q is not registered", name), nil)
	}
	if result, ok := r.health[name]; ok {
		return result, nil
	}
	return HealthResult{Agent: name, Status: HealthUnknown}, nil
}
