package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silenceper/pool"
	"github.com/ugorji/go/codec"
	"golang.org/x/sync/errgroup"

	"github.com/danl5/goha/pkg/bus"
	"github.com/danl5/goha/pkg/model"
)

const (
	// initial capacity of the pool
	poolInitCap = 0
	// maximum number of idle connections in the pool
	poolMaxIdle = 5
	// maximum time a connection can be idle before being closed
	poolMaxIdleTime = 15
	// maximum number of connections in the pool
	poolMaxCap = 20

	defaultConnectTimeout = 5 * time.Second
	defaultCallTimeout    = time.Second
)

// Peer is a remote node the bus publishes to.
type Peer struct {
	ID      string
	Address string
}

// PublishRequest carries one published message.
type PublishRequest struct {
	model.Header
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// PublishResponse acknowledges a published message.
type PublishResponse struct {
	Ok bool `json:"ok"`
}

// NewRPC creates a bus publishing over msgpack rpc to every configured peer.
func NewRPC(nodeID string, logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		return nil, fmt.Errorf("new rpc, logger is nil")
	}
	if nodeID == "" {
		return nil, fmt.Errorf("new rpc, node id is empty")
	}

	r := &RPC{
		node: nodeID,
		subs: make(map[string]map[int]model.MessageHandler),
		Server: Server{
			logger: logger.With("component", "rpc server"),
		},
		Client: Client{
			logger: logger.With("component", "rpc client"),
		},
	}
	r.Server.handler = &RPCHandler{deliver: r.deliver}
	return r, nil
}

// RPC is a model.Bus: the server side delivers to local subscribers,
// the client side fans every publish out to the peers.
type RPC struct {
	Server
	Client

	node string

	mu     sync.RWMutex
	subs   map[string]map[int]model.MessageHandler
	nextID int
}

func (r *RPC) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	header := model.Header{NodeID: r.node}
	// loopback, so subscribers on this node see what the peers see
	r.deliver(&model.Message{Header: header, Topic: topic, Payload: payload})

	peers := r.peerIDs()
	if len(peers) == 0 {
		return nil
	}

	var failed atomic.Int32
	g := errgroup.Group{}
	for _, peerID := range peers {
		peerID := peerID
		g.Go(func() error {
			resp := &PublishResponse{}
			err := r.SendRequest(ctx, peerID, &PublishRequest{Header: header, Topic: topic, Payload: payload}, resp)
			if err != nil {
				failed.Add(1)
				r.Client.logger.Debug("failed to publish", "peer", peerID, "topic", topic, "error", err.Error())
				return fmt.Errorf("publish to peer %s: %w", peerID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	// best effort, only a publish reaching nobody is an error
	if int(failed.Load()) == len(peers) {
		return err
	}
	return nil
}

func (r *RPC) Subscribe(topic string, handler model.MessageHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s, handler is nil", topic)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]model.MessageHandler)
	}
	id := r.nextID
	r.nextID++
	r.subs[topic][id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[topic], id)
	}, nil
}

func (r *RPC) Decode(raw any, target any) error {
	return bus.Decode(raw, target)
}

// Ping succeeds when the server runs and, if there are peers, one of them answers.
func (r *RPC) Ping(ctx context.Context) error {
	if !r.Server.running() {
		return errors.New("rpc server is not running")
	}
	peers := r.peerIDs()
	if len(peers) == 0 {
		return nil
	}
	var lastErr error
	for _, peerID := range peers {
		if err := r.PingPeer(ctx, peerID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (r *RPC) Close() error {
	r.Client.close()
	return r.Server.close()
}

func (r *RPC) deliver(msg *model.Message) {
	r.mu.RLock()
	handlers := make([]model.MessageHandler, 0, len(r.subs[msg.Topic]))
	for _, h := range r.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// RPCHandler is the receiver registered on the net/rpc server.
type RPCHandler struct {
	deliver func(msg *model.Message)
}

func (h *RPCHandler) Publish(request *PublishRequest, response *PublishResponse) error {
	h.deliver(&model.Message{
		Header:  request.Header,
		Topic:   request.Topic,
		Payload: request.Payload,
	})
	response.Ok = true
	return nil
}

func (h *RPCHandler) Ping(_ struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

type Server struct {
	handler *RPCHandler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    atomic.Int64
}

// Start initiates the server to begin listening on the specified address.
func (s *Server) Start(listenAddress string, cfg *Config) error {
	if cfg == nil {
		return errors.New("not a valid rpc server config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := s.startServer(listenAddress, cfg); err != nil {
		s.logger.Error("failed to start rpc server", "error", err.Error())
		return err
	}

	s.logger.Info("rpc server started", "listenAddress", s.Addr())
	return nil
}

// Addr returns the listening address, useful when started on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of open peer connections.
func (s *Server) ActiveConnections() int {
	return int(s.conns.Load())
}

func (s *Server) startServer(listenAddress string, cfg *Config) error {
	tlsConfig, err := s.loadTLSConfig(cfg)
	if err != nil {
		return err
	}

	rpcServer := rpc.NewServer()
	err = rpcServer.Register(s.handler)
	if err != nil {
		return err
	}

	var l net.Listener
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", listenAddress, tlsConfig)
	} else {
		l, err = net.Listen("tcp", listenAddress)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("failed to accept rpc connection", "error", err.Error())
				continue
			}

			s.conns.Add(1)
			go func() {
				defer s.conns.Add(-1)
				rpcServer.ServeCodec(codec.MsgpackSpecRpc.ServerCodec(conn, newMsgpackHandle()))
			}()
		}
	}()
	return nil
}

func (s *Server) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Server) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func (s *Server) loadTLSConfig(cfg *Config) (*tls.Config, error) {
	// if no TLS config is provided, return nil
	if cfg.ServerCert == "" || cfg.ServerKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}

	caCertPool := x509.NewCertPool()
	for _, serverCA := range cfg.ServerCAs {
		caCert, err := os.ReadFile(serverCA)
		if err != nil {
			return nil, err
		}
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificate found in %s", serverCA)
		}
	}
	config.ClientCAs = caCertPool
	config.ClientAuth = tls.RequireAndVerifyClientCert
	if cfg.ServerSkipVerify {
		config.ClientAuth = tls.NoClientCert
	}

	return config, nil
}

type Client struct {
	// node id to client
	// string -> pool.Pool
	clients sync.Map

	callTimeout time.Duration
	logger      *slog.Logger
}

// InitConnections initializes a connection pool for each peer.
// Connections are dialed lazily, so peers that are down do not fail the call.
func (c *Client) InitConnections(peers []Peer, cfg *Config) error {
	if cfg == nil {
		return errors.New("not a valid rpc client config")
	}
	c.callTimeout = cfg.callTimeout(defaultCallTimeout)

	for _, peer := range peers {
		p, err := c.createClient(peer, cfg)
		if err != nil {
			c.logger.Error("error creating pool for peer", "peer", peer.ID, "error", err.Error())
			return err
		}
		c.clients.Store(peer.ID, p)
	}
	return nil
}

// SendRequest publishes one message to a peer, bounded by ctx and the call timeout.
func (c *Client) SendRequest(ctx context.Context, peerID string, request *PublishRequest, response *PublishResponse) error {
	return c.call(ctx, peerID, "RPCHandler.Publish", request, response)
}

// PingPeer checks a peer answers.
func (c *Client) PingPeer(ctx context.Context, peerID string) error {
	var reply string
	return c.call(ctx, peerID, "RPCHandler.Ping", struct{}{}, &reply)
}

func (c *Client) call(ctx context.Context, peerID, method string, args any, reply any) error {
	rpcClient, err := c.getClient(peerID)
	if err != nil {
		return err
	}

	timeout := c.callTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := rpcClient.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		// the connection may still deliver a late reply, do not reuse it
		c.discardClient(peerID, rpcClient)
		return fmt.Errorf("call %s on %s: %w", method, peerID, ctx.Err())
	case <-call.Done:
	}
	if call.Error != nil {
		c.discardClient(peerID, rpcClient)
		return fmt.Errorf("failed to call rpc handler: %s", call.Error.Error())
	}

	// put back to pool if no error
	if err := c.putClient(peerID, rpcClient); err != nil {
		c.logger.Error("failed to put rpc client back to pool", "error", err.Error())
	}
	c.logger.Debug("send rpc request", "method", method, "to", peerID)
	return nil
}

func (c *Client) peerIDs() []string {
	var ids []string
	c.clients.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

func (c *Client) createClient(peer Peer, cfg *Config) (pool.Pool, error) {
	poolConfig := &pool.Config{
		InitialCap:  poolInitCap,
		MaxIdle:     poolMaxIdle,
		MaxCap:      poolMaxCap,
		IdleTimeout: poolMaxIdleTime * time.Second,
		Factory: func() (interface{}, error) {
			tlsConfig, err := c.loadTLSConfig(cfg)
			if err != nil {
				return nil, err
			}
			var conn net.Conn
			dialer := &net.Dialer{
				Timeout: cfg.dialTimeout(defaultConnectTimeout),
			}
			if tlsConfig != nil {
				conn, err = tls.DialWithDialer(dialer, "tcp", peer.Address, tlsConfig)
			} else {
				conn, err = dialer.Dial("tcp", peer.Address)
			}
			if err != nil {
				return nil, err
			}

			rpcCodec := codec.MsgpackSpecRpc.ClientCodec(conn, newMsgpackHandle())
			return rpc.NewClientWithCodec(rpcCodec), nil
		},
		Close: func(v interface{}) error { return v.(*rpc.Client).Close() },
		Ping: func(v interface{}) error {
			var reply string
			return v.(*rpc.Client).Call("RPCHandler.Ping", struct{}{}, &reply)
		},
	}
	p, err := pool.NewChannelPool(poolConfig)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (c *Client) getClient(peerID string) (*rpc.Client, error) {
	clientPoolInf, ok := c.clients.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("no client pool found for node %s", peerID)
	}
	clientPool := clientPoolInf.(pool.Pool)
	conn, err := clientPool.Get()
	if err != nil {
		return nil, fmt.Errorf("can not get client from pool for node %s: %s", peerID, err.Error())
	}

	return conn.(*rpc.Client), nil
}

func (c *Client) putClient(peerID string, client *rpc.Client) error {
	clientPoolInf, ok := c.clients.Load(peerID)
	if !ok {
		return fmt.Errorf("no client pool found for node %s", peerID)
	}
	clientPool := clientPoolInf.(pool.Pool)
	err := clientPool.Put(client)
	if err != nil {
		return fmt.Errorf("failed to put client back to pool for node %s: %s", peerID, err.Error())
	}

	return nil
}

func (c *Client) discardClient(peerID string, client *rpc.Client) {
	clientPoolInf, ok := c.clients.Load(peerID)
	if !ok {
		_ = client.Close()
		return
	}
	if err := clientPoolInf.(pool.Pool).Close(client); err != nil {
		c.logger.Debug("failed to close rpc client", "peer", peerID, "error", err.Error())
	}
}

func (c *Client) close() {
	c.clients.Range(func(key, value any) bool {
		value.(pool.Pool).Release()
		c.clients.Delete(key)
		return true
	})
}

func (c *Client) loadTLSConfig(cfg *Config) (*tls.Config, error) {
	// if no TLS config is provided, return nil
	if cfg.ClientCert == "" || cfg.ClientKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}

	caCertPool := x509.NewCertPool()
	for _, clientCA := range cfg.ClientCAs {
		caCert, err := os.ReadFile(clientCA)
		if err != nil {
			return nil, err
		}
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificate found in %s", clientCA)
		}
	}
	config.RootCAs = caCertPool
	config.InsecureSkipVerify = cfg.ClientSkipVerify

	return config, nil
}

var _ model.Bus = (*RPC)(nil)
