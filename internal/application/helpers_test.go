package application_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/acortes/civicsync/internal/domain/port/driven"
)

// memKV is an in-memory KVStore for manager tests; the sqlite adapter has
// its own coverage.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[namespace][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

func (m *memKV) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[namespace] == nil {
		m.data[namespace] = make(map[string][]byte)
	}
	m.data[namespace][key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *memKV) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data[namespace]))
	for k := range m.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memKV) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

// fakeGateway scripts responses per method+path and records calls in order.
type fakeGateway struct {
	mu       sync.Mutex
	handlers map[string]func(driven.Request) (*driven.Response, error)
	calls    []driven.Request
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{handlers: make(map[string]func(driven.Request) (*driven.Response, error))}
}

func (f *fakeGateway) handle(method, path string, fn func(driven.Request) (*driven.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method+" "+path] = fn
}

func (f *fakeGateway) respond(method, path string, data string) {
	f.handle(method, path, func(driven.Request) (*driven.Response, error) {
		return &driven.Response{Status: 200, Data: json.RawMessage(data)}, nil
	})
}

func (f *fakeGateway) fail(method, path string, err error) {
	f.handle(method, path, func(driven.Request) (*driven.Response, error) {
		return nil, err
	})
}

func (f *fakeGateway) Do(_ context.Context, req driven.Request) (*driven.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn, ok := f.handlers[req.Method+" "+req.Path]
	f.mu.Unlock()
	if !ok {
		return &driven.Response{Status: 200, Data: json.RawMessage(`{}`)}, nil
	}
	return fn(req)
}

func (f *fakeGateway) callCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeGateway) callPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, len(f.calls))
	for i, c := range f.calls {
		paths[i] = c.Method + " " + c.Path
	}
	return paths
}

// eventRecorder collects bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload any
}

func (r *eventRecorder) record(evtType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: evtType, Payload: payload})
}

func (r *eventRecorder) ofType(evtType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == evtType {
			out = append(out, e)
		}
	}
	return out
}
