package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/onnwee/stream-herald/event"
)

// Memory is an in-memory Store used by tests. Values are deep-copied via
// JSON on the way in and out so callers cannot alias internal state.
type Memory struct {
	mu        sync.Mutex
	callbacks map[string]*Callback
	titles    map[string]*TitleCallback
	states    map[string]*ChannelState
	titleSt   map[string]*TitleState
	roles     map[string]string
	kv        map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		callbacks: make(map[string]*Callback),
		titles:    make(map[string]*TitleCallback),
		states:    make(map[string]*ChannelState),
		titleSt:   make(map[string]*TitleState),
		roles:     make(map[string]string),
		kv:        make(map[string]string),
	}
}

func key(provider event.Provider, channelID string) string {
	return string(provider) + "/" + channelID
}

func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}
	b, _ := json.Marshal(in)
	out := new(T)
	_ = json.Unmarshal(b, out)
	return out
}

func (m *Memory) GetCallback(_ context.Context, provider event.Provider, channelID string) (*Callback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.callbacks[key(provider, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cb), nil
}

func (m *Memory) UpsertCallback(_ context.Context, cb *Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[key(cb.Provider, cb.ChannelID)] = clone(cb)
	return nil
}

func (m *Memory) DeleteCallback(_ context.Context, provider event.Provider, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, key(provider, channelID))
	return nil
}

func (m *Memory) ListCallbacks(_ context.Context, provider event.Provider) ([]*Callback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Callback
	for _, cb := range m.callbacks {
		if cb.Provider == provider {
			out = append(out, clone(cb))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (m *Memory) GetTitleCallback(_ context.Context, provider event.Provider, channelID string) (*TitleCallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.titles[key(provider, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tc), nil
}

func (m *Memory) UpsertTitleCallback(_ context.Context, tc *TitleCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[key(tc.Provider, tc.ChannelID)] = clone(tc)
	return nil
}

func (m *Memory) DeleteTitleCallback(_ context.Context, provider event.Provider, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.titles, key(provider, channelID))
	return nil
}

func (m *Memory) GetChannelState(_ context.Context, provider event.Provider, channelID string) (*ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key(provider, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(st), nil
}

func (m *Memory) PutChannelState(_ context.Context, provider event.Provider, channelID string, st *ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key(provider, channelID)] = clone(st)
	return nil
}

func (m *Memory) DeleteChannelState(_ context.Context, provider event.Provider, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key(provider, channelID))
	return nil
}

func (m *Memory) GetTitleState(_ context.Context, provider event.Provider, channelID string) (*TitleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.titleSt[key(provider, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ts), nil
}

func (m *Memory) PutTitleState(_ context.Context, provider event.Provider, channelID string, ts *TitleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titleSt[key(provider, channelID)] = clone(ts)
	return nil
}

func (m *Memory) DeleteTitleState(_ context.Context, provider event.Provider, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.titleSt, key(provider, channelID))
	return nil
}

func (m *Memory) GetManagerRole(_ context.Context, guildID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[guildID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (m *Memory) SetManagerRole(_ context.Context, guildID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[guildID] = roleID
	return nil
}

func (m *Memory) GetKV(_ context.Context, k string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[k], nil
}

func (m *Memory) SetKV(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[k] = v
	return nil
}

var _ Store = (*Memory)(nil)
