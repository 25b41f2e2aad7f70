// Package coord serializes background maintenance across replicas. The
// domain rebalance must never run twice concurrently, including across
// processes sharing one graph; the lock lives in etcd when a cluster is
// configured and degrades to a process-local mutex otherwise.
package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	lexgraph "github.com/lexgraph/lexgraph"
)

// Locker grants exclusive ownership of a named maintenance task.
type Locker interface {
	// Acquire blocks until the lock is held or ctx ends. The returned
	// release function must be called exactly once.
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLocker is the single-process fallback: a plain mutex.
type LocalLocker struct {
	mu sync.Mutex
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context) (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// Config configures the etcd-backed locker.
type Config struct {
	// Endpoints is the etcd cluster. Empty disables the etcd locker.
	Endpoints []string `yaml:"endpoints"`

	// Namespace prefixes every lock key. Empty means "lexgraph".
	Namespace string `yaml:"namespace"`

	// TTL is the session lease in seconds; a crashed holder frees the lock
	// after at most this long. Zero means 30.
	TTL int `yaml:"ttl"`

	// DialTimeout bounds the initial connection. Zero means 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// EtcdLocker is a distributed Locker over an etcd mutex.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// NewEtcdLocker connects to the cluster and returns a locker scoped to the
// given task name.
func NewEtcdLocker(cfg Config, task string) (*EtcdLocker, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("coord: etcd endpoints cannot be empty")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "lexgraph"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, lexgraph.E("coord.NewEtcdLocker", lexgraph.KindTransient, err)
	}
	return &EtcdLocker{
		client: cli,
		prefix: fmt.Sprintf("/%s/lock/%s", namespace, task),
		ttl:    ttl,
	}, nil
}

// Acquire implements Locker. Each acquisition uses its own lease session so
// a crash mid-task releases the lock after the TTL.
func (l *EtcdLocker) Acquire(ctx context.Context) (func(), error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, lexgraph.E("EtcdLocker.Acquire", lexgraph.KindTransient, err)
	}
	mutex := concurrency.NewMutex(session, l.prefix)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, lexgraph.E("EtcdLocker.Acquire", lexgraph.KindOf(err), err)
	}
	release := func() {
		// Unlock with a fresh context: the caller's ctx may already be done
		// and an orphaned mutex would otherwise linger for the full TTL.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mutex.Unlock(unlockCtx)
		_ = session.Close()
	}
	return release, nil
}

// Close tears down the etcd connection.
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
