// Package etcd provides leader election for running several controllers against one fleet.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

const (
	sessionTTLSeconds = 30
	campaignBackoff   = 5 * time.Second
)

// Client wraps an etcd client and the session leadership is tied to.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient connects to etcd and opens a session.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTLSeconds))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the session, releasing any leadership, and the client.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// PutJSON stores a JSON-encoded value.
func (c *Client) PutJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if _, err := c.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// GetJSON reads a JSON-encoded value into dest.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}
	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader is one participant of a named election.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	leading  atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// Campaign starts campaigning for leadership in the background. Only the leader runs
// SLA sweeps and power management; followers keep admitting the events they receive.
func (c *Client) Campaign(ctx context.Context, name string, callback LeaderCallback) *Leader {
	leader := &Leader{
		election: concurrency.NewElection(c.session, "/vmplacer/leaders/"+name),
		client:   c,
		name:     name,
	}
	go leader.run(ctx, callback)
	return leader
}

func (l *Leader) run(ctx context.Context, callback LeaderCallback) {
	logger := l.client.logger.With(zap.String("election", l.name))
	value := strconv.FormatInt(int64(l.client.session.Lease()), 10)

	for {
		if err := l.election.Campaign(ctx, value); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(campaignBackoff):
			}
			continue
		}

		l.leading.Store(true)
		logger.Info("Became leader")
		if callback != nil {
			callback(true)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.client.session.Done():
			l.leading.Store(false)
			logger.Warn("Lost leadership, session expired")
			if callback != nil {
				callback(false)
			}
			return
		}
	}
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.leading.Load()
}

// Resign gives up leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.leading.Load() {
		return nil
	}
	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	l.leading.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("election", l.name))
	return nil
}

// CurrentLeader returns the lease value of the current leader of an election.
func (c *Client) CurrentLeader(ctx context.Context, name string) (string, error) {
	election := concurrency.NewElection(c.session, "/vmplacer/leaders/"+name)

	resp, err := election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}
	return string(resp.Kvs[0].Value), nil
}
