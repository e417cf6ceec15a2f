package goha

import (
	"fmt"
	"log/slog"

	"github.com/danl5/goha/pkg/bus"
	"github.com/danl5/goha/pkg/config"
	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/store"
	"github.com/danl5/goha/pkg/transport/rpc"
)

// openStore opens the store selected by the configuration
func openStore(cfg *config.Config, logger *slog.Logger) (model.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreBadger:
		return store.NewBadger(store.BadgerOptions{Dir: cfg.Store.Dir, Logger: logger})
	case config.StoreEtcd:
		return store.NewEtcd(store.EtcdOptions{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			DialTimeout: cfg.EtcdDialTimeout(),
			Namespace:   cfg.Store.Etcd.Namespace,
		})
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
}

// openBus creates the bus selected by the configuration. The rpc bus is
// returned as well so it can be started and its connections counted.
func openBus(cfg *config.Config, logger *slog.Logger) (model.Bus, *rpc.RPC, error) {
	switch cfg.Bus.Kind {
	case config.BusMemory:
		return bus.NewHub().Connect(cfg.Node.ID), nil, nil
	case config.BusRPC:
		r, err := rpc.NewRPC(cfg.Node.ID, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
	return nil, nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
}

// rpcPeers lists the peers the rpc bus publishes to
func rpcPeers(cfg *config.Config) []rpc.Peer {
	var peers []rpc.Peer
	for _, p := range cfg.Members()[1:] {
		if p.Address == "" {
			continue
		}
		peers = append(peers, rpc.Peer{ID: p.ID, Address: p.Address})
	}
	return peers
}
