package erpbridge

import (
	"context"
	"sort"
	"sync"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/integration"
)

type fakeERP struct {
	mu       sync.Mutex
	orders   []integration.Envelope
	returns  []integration.Envelope
	catalog  []integration.Envelope
	pings    int
	err      error
	failNext int
}

func (f *fakeERP) result() error {
	if f.failNext > 0 {
		f.failNext--
		return f.err
	}
	if f.failNext < 0 {
		return f.err
	}
	return nil
}

func (f *fakeERP) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.result()
}

func (f *fakeERP) SyncCatalog(_ context.Context, env integration.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.result(); err != nil {
		return err
	}
	f.catalog = append(f.catalog, env)
	return nil
}

func (f *fakeERP) PostOrder(_ context.Context, env integration.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.result(); err != nil {
		return err
	}
	f.orders = append(f.orders, env)
	return nil
}

func (f *fakeERP) PostReturn(_ context.Context, env integration.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.result(); err != nil {
		return err
	}
	f.returns = append(f.returns, env)
	return nil
}

type stateKey struct {
	kind integration.SyncKind
	id   string
}

type memoryStates struct {
	mu     sync.Mutex
	states map[stateKey]integration.SyncState
}

func newMemoryStates() *memoryStates {
	return &memoryStates{states: map[stateKey]integration.SyncState{}}
}

func (m *memoryStates) Save(_ context.Context, s *integration.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stateKey{s.Kind, s.ExternalID}
	if prev, ok := m.states[k]; ok {
		s.Attempts = prev.Attempts + 1
	} else if s.Attempts < 1 {
		s.Attempts = 1
	}
	m.states[k] = *s
	return nil
}

func (m *memoryStates) FindPending(_ context.Context, kind integration.SyncKind, limit int) ([]*integration.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*integration.SyncState
	for k, s := range m.states {
		if k.kind == kind && s.Status == integration.SyncStatusPending {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStates) get(kind integration.SyncKind, id string) (integration.SyncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey{kind, id}]
	return s, ok
}

type productList []exchange.ProductRecord

func (p productList) ListProducts(_ context.Context, afterGUID string, limit int) ([]exchange.ProductRecord, error) {
	var out []exchange.ProductRecord
	for _, r := range p {
		if r.GUID > afterGUID {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
