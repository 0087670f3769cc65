// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox grants and enforces scoped capability sessions for agent
// invocations. Permission sets are fixed at session-open time and never
// escalated; enforcement fails closed.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/registry"
)

// Operation is a sandboxed file-system verb.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpExecute Operation = "execute"
)

// DefaultMaxOperations bounds permission checks per session when the agent
// manifest does not declare its own budget.
const DefaultMaxOperations = 50

// DefaultIdleTimeout expires sessions whose last activity is older than this.
const DefaultIdleTimeout = 300 * time.Second

// Session ties one agent descriptor to one execution unit invocation. The
// capability token is valid only for the invocation's duration.
type Session struct {
	Token    string
	Agent    string
	OpenedAt time.Time

	perms    registry.PermissionManifest
	maxOps   int
	opCount  int
	lastUsed time.Time
	closed   bool
}

// Sandbox issues and enforces sessions. All decisions are audited.
type Sandbox struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	audit       audit.Store
	logger      *slog.Logger
	idleTimeout time.Duration
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the sandbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// WithIdleTimeout overrides the session idle expiry. Zero or negative
// disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.idleTimeout = d }
}

// New creates a sandbox recording decisions to the given audit store.
func New(auditStore audit.Store, opts ...Option) *Sandbox {
	s := &Sandbox{
		sessions:    make(map[string]*Session),
		audit:       auditStore,
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSession grants a session for one invocation of the described agent.
// Opening always succeeds structurally; the session snapshots the
// descriptor's permission manifest so later registry changes cannot widen it.
func (s *Sandbox) OpenSession(ctx context.Context, desc *registry.Descriptor) *Session {
	maxOps := desc.MaxOperations
	if maxOps <= 0 {
		maxOps = DefaultMaxOperations
	}
	now := time.Now().UTC()
	session := &Session{
		Token:    uuid.NewString(),
		Agent:    desc.Name,
		OpenedAt: now,
		perms:    desc.Permissions,
		maxOps:   maxOps,
		lastUsed: now,
	}

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()

	s.record(ctx, audit.Entry{
		Actor:   desc.Name,
		Action:  audit.ActionSessionOpened,
		Outcome: "granted",
		Detail:  session.Token,
	})
	return session
}

// Check evaluates one operation against the session's permission snapshot.
// Deny rules take precedence over allow rules; a path matched by no allow
// rule is denied. Every decision is audited.
func (s *Sandbox) Check(ctx context.Context, session *Session, op Operation, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil {
		return errors.New(errors.CodeSessionExpired, "nil session", nil)
	}
	live, ok := s.sessions[session.Token]
	if !ok || live.closed {
		return errors.New(errors.CodeSessionExpired,
			fmt.Sprintf("session %s is revoked", session.Token), nil)
	}

	if s.idleTimeout > 0 && time.Since(live.lastUsed) > s.idleTimeout {
		live.closed = true
		delete(s.sessions, live.Token)
		return errors.New(errors.CodeSessionExpired,
			fmt.Sprintf("session %s idle past %s", live.Token, s.idleTimeout), nil)
	}
	live.lastUsed = time.Now().UTC()

	live.opCount++
	if live.opCount > live.maxOps {
		return s.deny(ctx, live, op, target, "operation budget exhausted")
	}

	normalized, ok := normalizePath(target)
	if !ok {
		return s.deny(ctx, live, op, target, "path escapes project root")
	}

	if pattern, matched := matchAny(live.perms.Deny, normalized); matched {
		return s.deny(ctx, live, op, normalized, "deny rule "+pattern)
	}

	var allow []string
	switch op {
	case OpRead:
		allow = live.perms.AllowRead
	case OpWrite:
		allow = live.perms.AllowWrite
	case OpExecute:
		allow = live.perms.AllowExecute
	default:
		return s.deny(ctx, live, op, normalized, "unknown operation")
	}

	if _, matched := matchAny(allow, normalized); !matched {
		return s.deny(ctx, live, op, normalized, "no allow rule")
	}

	s.record(ctx, audit.Entry{
		Actor:    live.Agent,
		Action:   audit.ActionPermissionChecked,
		Outcome:  "granted",
		Decision: "allow",
		Detail:   string(op) + " " + normalized,
	})
	return nil
}

// CloseSession invalidates the token. Subsequent checks fail with
// SESSION_EXPIRED. Closing twice is a no-op.
func (s *Sandbox) CloseSession(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	live, ok := s.sessions[session.Token]
	if ok {
		live.closed = true
		delete(s.sessions, session.Token)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.record(ctx, audit.Entry{
		Actor:   session.Agent,
		Action:  audit.ActionSessionClosed,
		Outcome: "revoked",
		Detail:  session.Token,
	})
}

func (s *Sandbox) deny(ctx context.Context, session *Session, op Operation, target, reason string) error {
	s.record(ctx, audit.Entry{
		Actor:    session.Agent,
		Action:   audit.ActionPermissionChecked,
		Outcome:  "denied",
		Decision: "deny",
		Detail:   fmt.Sprintf("%s %s: %s", op, target, reason),
	})
	s.logger.Warn("permission denied",
		"agent", session.Agent, "operation", string(op), "path", target, "reason", reason)
	return errors.New(errors.CodePermission,
		fmt.Sprintf("agent %q may not %s %q: %s", session.Agent, op, target, reason), nil).
		WithContext("path", target).
		WithContext("operation", string(op))
}

func (s *Sandbox) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("audit record failed", "error", err)
	}
}

// normalizePath cleans the target into a slash-separated path relative to
// the project root. Absolute paths and upward traversal are rejected.
func normalizePath(target string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(target, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "." || cleaned == "" {
		return "", false
	}
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
