package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider loads config from a ZooKeeper znode and watches it
// via ExistsW/GetW one-shot watches, re-armed after every fire.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider dials a ZooKeeper ensemble and reads path.
func NewZookeeperProvider(path string, endpoints []string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2181"}
	}
	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect: %w", err)
	}
	return &ZookeeperProvider{conn: conn, path: path}, nil
}

func (p *ZookeeperProvider) Type() Type { return TypeZookeeper }

func (p *ZookeeperProvider) Load(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: get %s: %w", p.path, err)
	}
	return data, nil
}

func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	return ch, nil
}

func (p *ZookeeperProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)
	for {
		_, _, events, err := p.conn.GetW(p.path)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Type == zk.EventNodeDataChanged || ev.Type == zk.EventNodeCreated {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (p *ZookeeperProvider) Close() error {
	p.conn.Close()
	return nil
}

var _ Provider = (*ZookeeperProvider)(nil)
