// Package registry tracks cluster membership in etcd.
//
// Each node registers its messaging address under
//
//	/clustermsg/{cluster}/{addr}
//
// with a TTL lease that is renewed in the background. A node that crashes
// stops renewing and its entry expires, so the member list never accumulates
// ghosts. Peers discover each other with a prefix read or watch.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"clustermsg/message"
)

// NodeRegistry is the etcd-backed member list for one cluster.
type NodeRegistry struct {
	client  *clientv3.Client
	cluster string
}

// NewNodeRegistry connects to etcd at the given endpoints.
func NewNodeRegistry(endpoints []string, cluster string) (*NodeRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &NodeRegistry{client: c, cluster: cluster}, nil
}

type memberEntry struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (r *NodeRegistry) key(addr message.Address) string {
	return r.prefix() + addr.String()
}

func (r *NodeRegistry) prefix() string {
	return fmt.Sprintf("/clustermsg/%s/", r.cluster)
}

// Register adds this node's address with a TTL lease and starts background
// lease renewal. The entry expires ttl seconds after renewal stops.
func (r *NodeRegistry) Register(addr message.Address, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(memberEntry{Host: addr.Host, Port: addr.Port})
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, r.key(addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain renewal responses so the channel never fills.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes this node's entry. Called on graceful shutdown.
func (r *NodeRegistry) Deregister(addr message.Address) error {
	_, err := r.client.Delete(context.TODO(), r.key(addr))
	return err
}

// Members returns the currently registered member addresses.
func (r *NodeRegistry) Members() ([]message.Address, error) {
	resp, err := r.client.Get(context.TODO(), r.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	members := make([]message.Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry memberEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		members = append(members, message.Address{Host: entry.Host, Port: entry.Port})
	}
	return members, nil
}

// Watch emits the full member list whenever the cluster's entries change.
func (r *NodeRegistry) Watch(ctx context.Context) <-chan []message.Address {
	ch := make(chan []message.Address, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.prefix(), clientv3.WithPrefix())
		for range watchChan {
			members, err := r.Members()
			if err != nil {
				continue
			}
			select {
			case ch <- members:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *NodeRegistry) Close() error {
	return r.client.Close()
}
