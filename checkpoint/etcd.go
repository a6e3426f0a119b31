package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdBackend struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcdStore keeps checkpoints under prefix in an etcd cluster.
func NewEtcdStore(endpoints []string, prefix string, timeout time.Duration, logger zerolog.Logger) (Store, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("checkpoint: etcd backend needs at least one endpoint")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	logger.Debug().Strs("endpoints", endpoints).Str("prefix", prefix).Msg("using etcd checkpoints")
	return &kvStore{backend: &etcdBackend{client: client, timeout: timeout}, prefix: prefix, logger: logger}, nil
}

func (e *etcdBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *etcdBackend) put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.client.Put(ctx, key, string(value))
	return err
}

func (e *etcdBackend) del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.client.Delete(ctx, key)
	return err
}

func (e *etcdBackend) close() error { return e.client.Close() }
