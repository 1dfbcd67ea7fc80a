package agentclient

import (
	"context"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/repository"
)

type fakeEndpointStore struct {
	endpoints map[string]*repository.AgentEndpoint
	saved     []*repository.AgentEndpoint
}

func (f *fakeEndpointStore) GetAgentEndpoint(ctx context.Context, agentID string) (*repository.AgentEndpoint, error) {
	e, ok := f.endpoints[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeEndpointStore) SaveAgentEndpoint(ctx context.Context, e *repository.AgentEndpoint) error {
	f.saved = append(f.saved, e)
	return nil
}

func TestClient_DelegateUnknownAgentReturnsNotFound(t *testing.T) {
	store := &fakeEndpointStore{endpoints: map[string]*repository.AgentEndpoint{}}
	c, err := New(Config{Endpoints: store})
	require.NoError(t, err)

	_, _, err = c.Delegate(context.Background(), "ghost", a2a.NewMessage(a2a.MessageRoleUser))
	require.Error(t, err)
}

func TestClient_DelegateDisabledEndpointRejected(t *testing.T) {
	store := &fakeEndpointStore{endpoints: map[string]*repository.AgentEndpoint{
		"weather-agent": {AgentID: "weather-agent", URL: "http://example.invalid", Enabled: false},
	}}
	c, err := New(Config{Endpoints: store})
	require.NoError(t, err)

	_, _, err = c.Delegate(context.Background(), "weather-agent", a2a.NewMessage(a2a.MessageRoleUser))
	require.Error(t, err)
}

func TestClient_InvalidateCardClearsCache(t *testing.T) {
	store := &fakeEndpointStore{endpoints: map[string]*repository.AgentEndpoint{}}
	c, err := New(Config{Endpoints: store})
	require.NoError(t, err)

	c.mu.Lock()
	c.cards["weather-agent"] = &a2a.AgentCard{}
	c.mu.Unlock()

	c.InvalidateCard("weather-agent")

	c.mu.RLock()
	_, ok := c.cards["weather-agent"]
	c.mu.RUnlock()
	require.False(t, ok)
}

func TestClient_RecordSuccessUpdatesEndpointStore(t *testing.T) {
	store := &fakeEndpointStore{endpoints: map[string]*repository.AgentEndpoint{}}
	c, err := New(Config{Endpoints: store})
	require.NoError(t, err)

	endpoint := &repository.AgentEndpoint{AgentID: "weather-agent", URL: "http://example.invalid"}
	c.recordSuccess(context.Background(), endpoint)

	require.Len(t, store.saved, 1)
	require.Equal(t, "weather-agent", store.saved[0].AgentID)
	require.False(t, store.saved[0].LastSuccessAt.IsZero())
}
