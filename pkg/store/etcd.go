package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/danl5/goha/pkg/model"
)

// EtcdOptions configures the etcd-backed store.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	TLS         *tls.Config
	Clock       func() time.Time
}

// Etcd is a store shared by every coordinator reaching the same etcd cluster.
type Etcd struct {
	client    *clientv3.Client
	namespace string
	now       func() time.Time
}

// NewEtcd builds a store backed by etcd.
func NewEtcd(opts EtcdOptions) (*Etcd, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd store requires at least one endpoint")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &Etcd{
		client:    client,
		namespace: strings.Trim(strings.TrimSpace(opts.Namespace), "/"),
		now:       clock,
	}, nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.key(key))
	if err != nil {
		return nil, wrapEtcdErr("get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, model.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Set(ctx context.Context, key string, value []byte) error {
	_, err := e.client.Put(clientv3.WithRequireLeader(ctx), e.key(key), string(value))
	if err != nil {
		return wrapEtcdErr("put", key, err)
	}
	return nil
}

func (e *Etcd) Append(ctx context.Context, key string, value []byte) error {
	// keys sort by time first, the uuid breaks ties between writers
	recordKey := fmt.Sprintf("%s%020d-%s", logPrefix(e.key(key)), e.now().UnixNano(), uuid.NewString())
	_, err := e.client.Put(clientv3.WithRequireLeader(ctx), recordKey, string(value))
	if err != nil {
		return wrapEtcdErr("append", key, err)
	}
	return nil
}

func (e *Etcd) Range(ctx context.Context, key string) ([][]byte, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), logPrefix(e.key(key)),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, wrapEtcdErr("range", key, err)
	}
	records := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		records = append(records, kv.Value)
	}
	return records, nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	endpoints := e.client.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("etcd store has no endpoints")
	}
	if _, err := e.client.Status(ctx, endpoints[0]); err != nil {
		return wrapEtcdErr("status", endpoints[0], err)
	}
	return nil
}

// Close releases underlying client resources.
func (e *Etcd) Close() error {
	if e == nil {
		return nil
	}
	return e.client.Close()
}

func (e *Etcd) key(key string) string {
	if e.namespace == "" {
		return "/" + strings.TrimLeft(key, "/")
	}
	return "/" + e.namespace + "/" + strings.TrimLeft(key, "/")
}

func wrapEtcdErr(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("etcd %s %s: %w", op, key, err)
}

var _ model.Store = (*Etcd)(nil)
