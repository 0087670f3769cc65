// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package audit

// Summary condenses an audit trail into per-run security numbers: how many
// permission checks ran, how many were denied, and who did what.
type Summary struct {
	Total            int            `json:"total"`
	PermissionChecks int            `json:"permission_checks"`
	Denials          int            `json:"denials"`
	Invocations      int            `json:"invocations"`
	Conflicts        int            `json:"conflicts"`
	ByActor          map[string]int `json:"by_actor"`
	ByAction         map[string]int `json:"by_action"`
	DeniedTargets    []string       `json:"denied_targets,omitempty"`
}

// Summarize builds a security report over the given entries. Callers filter
// first (typically by run id) and summarize the result.
func Summarize(entries []Entry) Summary {
	s := Summary{
		ByActor:  make(map[string]int),
		ByAction: make(map[string]int),
	}
	for _, entry := range entries {
		s.Total++
		s.ByActor[entry.Actor]++
		s.ByAction[entry.Action]++
		switch entry.Action {
		case ActionPermissionChecked:
			s.PermissionChecks++
			if entry.Decision == "deny" {
				s.Denials++
				if entry.Detail != "" {
					s.DeniedTargets = append(s.DeniedTargets, entry.Detail)
				}
			}
		case ActionAgentInvoked:
			s.Invocations++
		case ActionConflictResolved:
			s.Conflicts++
		}
	}
	return s
}
