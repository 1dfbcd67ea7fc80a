// Package agentclient is the C10 External Agent Client: it forwards a
// Decision{Action: delegate} onto a registered AgentEndpoint over the
// real A2A protocol, grounded on pkg/agent/remoteagent/a2a.go and
// pkg/a2a/client/native.go's a2aclient.Client usage — agent-card
// resolution, NewFromCard, SendStreamingMessage, CancelTask.
package agentclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/httpclient"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

const (
	cardResolveBaseDelay = 500 * time.Millisecond
	cardResolveMaxDelay  = 5 * time.Second
	cardResolveAttempts  = 3
)

// EndpointStore is the narrow slice of Repository the client needs: the
// AgentEndpoint table, including the write-back of LastSuccessAt that
// feeds the router's endpoint-health tie-break (spec.md §4.5 step 4).
type EndpointStore interface {
	GetAgentEndpoint(ctx context.Context, agentID string) (*repository.AgentEndpoint, error)
	SaveAgentEndpoint(ctx context.Context, e *repository.AgentEndpoint) error
}

// Config wires a Client's dependencies.
type Config struct {
	Endpoints EndpointStore
	TLSConfig *httpclient.TLSConfig
}

// Client is the C10 External Agent Client.
type Client struct {
	endpoints EndpointStore
	resolver  *agentcard.Resolver

	mu    sync.RWMutex
	cards map[string]*a2a.AgentCard
}

// New constructs a Client. When cfg.TLSConfig is non-nil, the agent-card
// resolver uses a custom-TLS http.Client the way
// pkg/a2a/client/native.go's NewNativeClient does.
func New(cfg Config) (*Client, error) {
	resolver := agentcard.DefaultResolver
	if cfg.TLSConfig != nil && (cfg.TLSConfig.InsecureSkipVerify || cfg.TLSConfig.CACertificate != "") {
		transport, err := httpclient.ConfigureTLS(cfg.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("agentclient: configure TLS: %w", err)
		}
		resolver = agentcard.NewResolver(&http.Client{Transport: transport})
	}
	return &Client{
		endpoints: cfg.Endpoints,
		resolver:  resolver,
		cards:     make(map[string]*a2a.AgentCard),
	}, nil
}

// Delegate forwards msg to the external agent identified by agentID and
// returns a live stream of a2a.Event the caller drains (mirroring
// pkg/a2a/client/native.go's StreamMessage channel-forwarding shape),
// plus a cancel func that tears down the underlying a2aclient.Client.
// On the first successfully received event, the endpoint's
// LastSuccessAt is updated — this is what feeds the router's
// last-success-recency tie-break the next time it chooses among
// otherwise-tied agents.
func (c *Client) Delegate(ctx context.Context, agentID string, msg *a2a.Message) (<-chan a2a.Event, func(), error) {
	endpoint, err := c.endpoints.GetAgentEndpoint(ctx, agentID)
	if err != nil {
		return nil, nil, brokererrors.Wrap(brokererrors.KindNotFound, "agent endpoint not found: "+agentID, err)
	}
	if !endpoint.Enabled {
		return nil, nil, brokererrors.New(brokererrors.KindUnsupportedOperation, "agent endpoint disabled: "+agentID)
	}

	card, err := c.resolveCard(ctx, endpoint)
	if err != nil {
		return nil, nil, brokererrors.Wrap(brokererrors.KindInvalidAgentResponse, "resolve agent card", err)
	}

	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, nil, brokererrors.Wrap(brokererrors.KindInvalidAgentResponse, "create a2a client", err)
	}

	params := &a2a.MessageSendParams{Message: msg}
	eventStream := client.SendStreamingMessage(ctx, params)

	out := make(chan a2a.Event, 8)
	go func() {
		defer close(out)
		defer func() { _ = client.Destroy() }()

		first := true
		for event, streamErr := range eventStream {
			if streamErr != nil {
				logger.GetLogger().Warn("agentclient: delegate stream error", "agentId", agentID, "error", streamErr)
				return
			}
			if first {
				first = false
				c.recordSuccess(context.Background(), endpoint)
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = client.Destroy() }, nil
}

// CancelTask cancels a remote task previously created via Delegate.
func (c *Client) CancelTask(ctx context.Context, agentID, remoteTaskID string) error {
	endpoint, err := c.endpoints.GetAgentEndpoint(ctx, agentID)
	if err != nil {
		return brokererrors.Wrap(brokererrors.KindNotFound, "agent endpoint not found: "+agentID, err)
	}
	card, err := c.resolveCard(ctx, endpoint)
	if err != nil {
		return brokererrors.Wrap(brokererrors.KindInvalidAgentResponse, "resolve agent card", err)
	}
	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return brokererrors.Wrap(brokererrors.KindInvalidAgentResponse, "create a2a client", err)
	}
	defer func() { _ = client.Destroy() }()

	_, err = client.CancelTask(ctx, &a2a.TaskIDParams{ID: a2a.TaskID(remoteTaskID)})
	if err != nil {
		return brokererrors.Wrap(brokererrors.KindInvalidAgentResponse, "cancel remote task", err)
	}
	return nil
}

// resolveCard returns a cached AgentCard or resolves and caches one,
// retrying transient resolution failures with the same exponential
// backoff shape pkg/task/manager.go uses for push delivery — endpoint
// resolution is the one network call in this path worth retrying
// before giving up on a delegate decision.
func (c *Client) resolveCard(ctx context.Context, endpoint *repository.AgentEndpoint) (*a2a.AgentCard, error) {
	c.mu.RLock()
	if card, ok := c.cards[endpoint.AgentID]; ok {
		c.mu.RUnlock()
		return card, nil
	}
	c.mu.RUnlock()

	var (
		card *a2a.AgentCard
		err  error
	)
	delay := cardResolveBaseDelay
	for attempt := 0; attempt < cardResolveAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 4))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(cardResolveMaxDelay)))
		}
		card, err = c.resolver.Resolve(ctx, endpoint.URL)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cards[endpoint.AgentID] = card
	c.mu.Unlock()
	return card, nil
}

// InvalidateCard drops a cached AgentCard, forcing re-resolution on the
// next Delegate call — used when an endpoint's URL changes.
func (c *Client) InvalidateCard(agentID string) {
	c.mu.Lock()
	delete(c.cards, agentID)
	c.mu.Unlock()
}

func (c *Client) recordSuccess(ctx context.Context, endpoint *repository.AgentEndpoint) {
	snapshot := *endpoint
	snapshot.LastSuccessAt = time.Now()
	if err := c.endpoints.SaveAgentEndpoint(ctx, &snapshot); err != nil {
		logger.GetLogger().Warn("agentclient: failed to record endpoint success", "agentId", endpoint.AgentID, "error", err)
	}
}
