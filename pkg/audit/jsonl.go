// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
)

// JSONLStore persists audit entries as line-delimited JSON, appended to a
// single file. This is the default durable artifact of a workflow run.
type JSONLStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewJSONLStore opens (or creates) the append-only audit file at path.
func NewJSONLStore(path string) (*JSONLStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLStore{path: path, file: file}, nil
}

// Record appends one JSON line per entry.
func (s *JSONLStore) Record(_ context.Context, entry Entry) error {
	raw, err := json.Marshal(normalize(entry))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(raw, '\n')); err != nil {
		return err
	}
	return nil
}

// List reads the file back and returns filtered entries in record order.
func (s *JSONLStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crashed run is not fatal.
			continue
		}
		if !filter.matches(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes and closes the underlying file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
