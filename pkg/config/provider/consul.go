package provider

import (
	"context"
	"fmt"
	"log/slog"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulProvider loads config from a Consul KV key and watches it via
// blocking queries, the same long-poll idiom Consul's own API client
// is built around.
type ConsulProvider struct {
	client *consulapi.Client
	key    string
}

// NewConsulProvider dials a Consul agent and reads key from its KV store.
func NewConsulProvider(key string, endpoints []string) (*ConsulProvider, error) {
	cfg := consulapi.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul: new client: %w", err)
	}
	return &ConsulProvider{client: client, key: key}, nil
}

func (p *ConsulProvider) Type() Type { return TypeConsul }

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	kv, _, err := p.client.KV().Get(p.key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul: get %s: %w", p.key, err)
	}
	if kv == nil {
		return nil, fmt.Errorf("consul: key %s not found", p.key)
	}
	return kv.Value, nil
}

// Watch long-polls the key's ModifyIndex, signaling on the returned
// channel whenever Consul reports a newer version.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		opts := (&consulapi.QueryOptions{WaitIndex: lastIndex}).WithContext(ctx)
		kv, meta, err := p.client.KV().Get(p.key, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("consul: watch query failed", "key", p.key, "error", err)
			continue
		}
		if kv == nil {
			continue
		}
		if lastIndex != 0 && meta.LastIndex != lastIndex {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		lastIndex = meta.LastIndex
	}
}

func (p *ConsulProvider) Close() error { return nil }

var _ Provider = (*ConsulProvider)(nil)
