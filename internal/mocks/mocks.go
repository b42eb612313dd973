// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/events"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Remote() config.RemoteConfig {
	args := m.Called()
	return args.Get(0).(config.RemoteConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Tracing() config.TracingConfig {
	args := m.Called()
	return args.Get(0).(config.TracingConfig)
}

// --- Setters ---

func (m *MockConfig) SetServerTransport(t string) {
	m.Called(t)
}

func (m *MockConfig) SetServerAddr(addr string) {
	m.Called(addr)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

// -- Store Mock --

// MockStore mocks the store.Store persistence contract.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) SaveEvents(ctx context.Context, evs []events.Event) error {
	return m.Called(ctx, evs).Error(0)
}

func (m *MockStore) ListSessions(ctx context.Context) ([]store.SessionRecord, error) {
	args := m.Called(ctx)
	if recs, ok := args.Get(0).([]store.SessionRecord); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) GetSession(ctx context.Context, name string) (store.SessionRecord, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(store.SessionRecord), args.Error(1)
}

func (m *MockStore) ListEvents(ctx context.Context, session string) ([]store.EventRecord, error) {
	args := m.Called(ctx, session)
	if recs, ok := args.Get(0).([]store.EventRecord); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) DeleteSession(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}
