// Package store persists uploaded result batches for the collector.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind names the upload endpoint a batch arrived on.
type Kind string

const (
	KindResults    Kind = "results"
	KindV2Results  Kind = "v2results"
	KindDNSResults Kind = "dnsresults"
	KindDNSQuery   Kind = "dns-query"
)

var Kinds = []Kind{KindResults, KindV2Results, KindDNSResults, KindDNSQuery}

func ParseKind(value string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == strings.ToLower(strings.TrimSpace(value)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown batch kind %q", value)
}

// Batch is one accepted upload. Payload holds the request body as received.
type Batch struct {
	ID         string          `json:"batch_id"`
	Kind       Kind            `json:"kind"`
	ReceivedAt time.Time       `json:"received_at"`
	Items      int             `json:"items"`
	Payload    json.RawMessage `json:"payload"`
}

func (b Batch) validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id required")
	}
	if _, err := ParseKind(string(b.Kind)); err != nil {
		return err
	}
	if len(b.Payload) == 0 {
		return errors.New("batch payload required")
	}
	return nil
}

// Store exposes persistence operations required by the collector API.
type Store interface {
	Append(ctx context.Context, batch Batch) error
	Ping(ctx context.Context) error
}

// MemoryStore keeps batches in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	batches []Batch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, batch Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batch.Payload = append(json.RawMessage(nil), batch.Payload...)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Batches returns stored batches of kind, or all batches for an empty kind.
func (m *MemoryStore) Batches(kind Kind) []Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Batch
	for _, b := range m.batches {
		if kind == "" || b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}
