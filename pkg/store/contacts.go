// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Contact maps one source conversation key to its Telegram destination and
// records whether delivery is enabled for that key at all.
type Contact struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	ChatID    int64  `yaml:"chat_id"`
	IsReceive bool   `yaml:"is_receive"`
	IsGroup   bool   `yaml:"is_group"`
}

// ContactStore is a yaml-file-backed conversation-mapping store. Safe for
// concurrent use.
type ContactStore struct {
	path string

	mu       sync.RWMutex
	contacts map[string]Contact
}

// OpenContactStore loads the store from path. A missing file yields an empty
// store; anything else unreadable is an error.
func OpenContactStore(path string) (*ContactStore, error) {
	cs := &ContactStore{
		path:     path,
		contacts: make(map[string]Contact),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read contact store: %w", err)
	}
	var listed []Contact
	if err := yaml.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("failed to parse contact store: %w", err)
	}
	for _, c := range listed {
		cs.contacts[c.Key] = c
	}
	return cs, nil
}

// GetContact returns the contact for a conversation key.
func (cs *ContactStore) GetContact(key string) (Contact, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.contacts[key]
	return c, ok
}

// Put inserts or replaces a contact and persists the store.
func (cs *ContactStore) Put(contact Contact) error {
	cs.mu.Lock()
	cs.contacts[contact.Key] = contact
	cs.mu.Unlock()
	return cs.Save()
}

// Len returns the number of known contacts.
func (cs *ContactStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.contacts)
}

// Save writes the store back to its file.
func (cs *ContactStore) Save() error {
	cs.mu.RLock()
	listed := make([]Contact, 0, len(cs.contacts))
	for _, c := range cs.contacts {
		listed = append(listed, c)
	}
	cs.mu.RUnlock()

	raw, err := yaml.Marshal(listed)
	if err != nil {
		return fmt.Errorf("failed to encode contact store: %w", err)
	}
	if err := os.WriteFile(cs.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write contact store: %w", err)
	}
	return nil
}
