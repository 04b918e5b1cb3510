package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"stepflow/pkg/coordination"
)

const nodePrefix = "/stepflow/nodes/"

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
}

func NewEtcdCoordinator(endpoints []string, sessionTTL int) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps the election lease alive via heartbeats.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
	}, nil
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	e := concurrency.NewElection(c.session, "/stepflow/elections/"+name)
	return &EtcdElection{election: e}
}

// EtcdElection wraps the etcd concurrency.Election struct
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// RegisterNode puts the membership record under a fresh lease. The caller's
// heartbeat ticker re-registers well inside the TTL, so a crashed node drops
// out of the active set within ttlSeconds.
func (c *EtcdCoordinator) RegisterNode(ctx context.Context, info coordination.NodeInfo, ttlSeconds int) error {
	lease, err := c.client.Grant(ctx, int64(ttlSeconds))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode node info: %w", err)
	}

	key := nodePrefix + info.ID
	if _, err := c.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put node key: %w", err)
	}
	return nil
}

func (c *EtcdCoordinator) ActiveNodes(ctx context.Context) ([]coordination.NodeInfo, error) {
	resp, err := c.client.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]coordination.NodeInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info coordination.NodeInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			// Legacy or foreign record; fall back to the key's node id.
			info.ID = strings.TrimPrefix(string(kv.Key), nodePrefix)
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}
