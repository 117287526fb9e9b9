// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
)

const (
	serviceName          = "lattice.rpc.Transport"
	methodName           = "Exchange"
	defaultConnTimeout   = 2 * time.Second
	defaultKeepaliveSecs = 30
	defaultBackoffBaseMs = 200
	defaultBackoffMaxMs  = 5000
)

// Handler answers one (service, method) RPC with the requester's payload
// and returns the response payload.
type Handler func(ctx context.Context, fromLayout uint64, payload []byte) ([]byte, error)

// CallResult is one peer's outcome in a Broadcast.
type CallResult struct {
	Payload []byte
	Err     error
}

// Transport is the external collaborator of spec.md §6: authenticated,
// point-to-point, length-prefixed messages between cluster nodes.
type Transport interface {
	RegisterHandler(service, method string, h Handler)
	Call(ctx context.Context, node proto.NodeID, service, method string, payload []byte) ([]byte, error)
	Broadcast(ctx context.Context, nodes []proto.NodeID, service, method string, payload []byte) map[proto.NodeID]CallResult
	OpenStream(ctx context.Context, node proto.NodeID, service, method string) (Stream, error)
	Reachable(node proto.NodeID) bool
	Serve(addr string) error
	Close() error
}

// Stream carries the bulk bodies of anti-entropy exchanges: a sequence
// of Envelopes in each direction over one gRPC bidi stream.
type Stream interface {
	Send(payload []byte) error
	Recv() ([]byte, error)
	CloseSend() error
}

// Resolver maps a node id to its currently advertised endpoint; backed
// by the discovery package, independent of layout.
type Resolver interface {
	Lookup(node proto.NodeID) (addr string, ok bool)
}

type Config struct {
	Self       proto.NodeID
	ClusterKey ClusterKey
	Resolver   Resolver
	LayoutVer  func() uint64
}

func NewTransport(cfg Config) Transport {
	return &grpcTransport{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		conns:    sync.Map{},
		reach:    sync.Map{},
	}
}

type grpcTransport struct {
	cfg      Config
	handlers map[string]Handler
	handLock sync.RWMutex

	conns sync.Map // proto.NodeID -> *grpc.ClientConn
	reach sync.Map // proto.NodeID -> bool, last-known reachability

	server *grpc.Server
}

func handlerKey(service, method string) string { return service + "/" + method }

func (t *grpcTransport) RegisterHandler(service, method string, h Handler) {
	t.handLock.Lock()
	defer t.handLock.Unlock()
	t.handlers[handlerKey(service, method)] = h
}

func (t *grpcTransport) handlerFor(service, method string) (Handler, bool) {
	t.handLock.RLock()
	defer t.handLock.RUnlock()
	h, ok := t.handlers[handlerKey(service, method)]
	return h, ok
}

func (t *grpcTransport) dial(node proto.NodeID) (*grpc.ClientConn, error) {
	if v, ok := t.conns.Load(node); ok {
		return v.(*grpc.ClientConn), nil
	}
	addr, ok := t.cfg.Resolver.Lookup(node)
	if !ok {
		t.reach.Store(node, false)
		return nil, errors.New(errors.KindNotFound, "dial", fmt.Errorf("no advertised address for node %s", node))
	}
	cc, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()), // payload itself is authenticated+MAC'd by ClusterKey
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  defaultBackoffBaseMs * time.Millisecond,
				MaxDelay:   defaultBackoffMaxMs * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
			},
			MinConnectTimeout: defaultConnTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    defaultKeepaliveSecs * time.Second,
			Timeout: defaultConnTimeout,
		}),
	)
	if err != nil {
		t.reach.Store(node, false)
		return nil, err
	}
	t.conns.Store(node, cc)
	t.reach.Store(node, true)
	return cc, nil
}

func (t *grpcTransport) Reachable(node proto.NodeID) bool {
	v, ok := t.reach.Load(node)
	return ok && v.(bool)
}

func (t *grpcTransport) Call(ctx context.Context, node proto.NodeID, service, method string, payload []byte) ([]byte, error) {
	cc, err := t.dial(node)
	if err != nil {
		return nil, errors.New(errors.KindTransient, "call", err)
	}

	reqID := uuid.NewString()
	if span := trace.SpanFromContext(ctx); span != nil {
		reqID = span.TraceID()
	}

	var layoutVer uint64
	if t.cfg.LayoutVer != nil {
		layoutVer = t.cfg.LayoutVer()
	}
	env := &Envelope{
		ReqID:      reqID,
		Service:    service,
		Method:     method,
		LayoutVer:  layoutVer,
		Payload:    payload,
		ClusterMAC: t.cfg.ClusterKey.Sign(reqID, service, method, payload),
	}

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: methodName, ServerStreams: true, ClientStreams: true},
		fmt.Sprintf("/%s/%s", serviceName, methodName), grpc.CallContentSubtype(codecName))
	if err != nil {
		t.reach.Store(node, false)
		return nil, errors.New(errors.KindTransient, "call", err)
	}
	if err := stream.SendMsg(env); err != nil {
		return nil, errors.New(errors.KindTransient, "call", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.New(errors.KindTransient, "call", err)
	}

	resp := &Envelope{}
	if err := stream.RecvMsg(resp); err != nil {
		t.reach.Store(node, false)
		return nil, errors.New(errors.KindTransient, "call", err)
	}
	t.reach.Store(node, true)
	if resp.Err != "" {
		return nil, errors.New(errors.KindProtocol, "call", fmt.Errorf(resp.Err))
	}
	return resp.Payload, nil
}

func (t *grpcTransport) Broadcast(ctx context.Context, nodes []proto.NodeID, service, method string, payload []byte) map[proto.NodeID]CallResult {
	results := make(map[proto.NodeID]CallResult, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := t.Call(ctx, n, service, method, payload)
			mu.Lock()
			results[n] = CallResult{Payload: resp, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (t *grpcTransport) OpenStream(ctx context.Context, node proto.NodeID, service, method string) (Stream, error) {
	cc, err := t.dial(node)
	if err != nil {
		return nil, err
	}
	cs, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: methodName, ServerStreams: true, ClientStreams: true},
		fmt.Sprintf("/%s/%s", serviceName, methodName), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &clientStream{cs: cs, service: service, method: method, key: t.cfg.ClusterKey}, nil
}

type clientStream struct {
	cs      grpc.ClientStream
	service string
	method  string
	key     ClusterKey
	reqID   string
}

func (s *clientStream) Send(payload []byte) error {
	if s.reqID == "" {
		s.reqID = uuid.NewString()
	}
	env := &Envelope{
		ReqID:      s.reqID,
		Service:    s.service,
		Method:     s.method,
		Payload:    payload,
		ClusterMAC: s.key.Sign(s.reqID, s.service, s.method, payload),
	}
	return s.cs.SendMsg(env)
}

func (s *clientStream) Recv() ([]byte, error) {
	env := &Envelope{}
	if err := s.cs.RecvMsg(env); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func (s *clientStream) CloseSend() error { return s.cs.CloseSend() }

// Serve starts accepting connections and dispatching to registered
// handlers. Blocks until the listener fails or Close is called.
func (t *grpcTransport) Serve(addr string) error {
	t.server = grpc.NewServer()
	t.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    methodName,
			Handler:       t.exchange,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, nil)
	return serveGRPC(t.server, addr)
}

func (t *grpcTransport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}

// exchange is the sole streaming handler backing every RPC: it decodes
// one Envelope per inbound message, dispatches to the registered
// handler for (Service, Method), and writes back one response Envelope
// per request. Every Handler is called once per request Envelope and
// its return value is the one response; no server-side handler streams
// several responses for one request.
func (t *grpcTransport) exchange(_ interface{}, stream grpc.ServerStream) error {
	for {
		env := &Envelope{}
		if err := stream.RecvMsg(env); err != nil {
			return err
		}

		if !t.cfg.ClusterKey.Verify(env.ReqID, env.Service, env.Method, env.Payload, env.ClusterMAC) {
			return stream.SendMsg(&Envelope{ReqID: env.ReqID, Err: errors.ErrProtocolViolation.Error()})
		}
		if v := t.cfg.LayoutVer; v != nil && env.LayoutVer != 0 && env.LayoutVer < v() {
			return stream.SendMsg(&Envelope{ReqID: env.ReqID, Err: errors.ErrLayoutMismatch.Error()})
		}

		h, ok := t.handlerFor(env.Service, env.Method)
		if !ok {
			return stream.SendMsg(&Envelope{ReqID: env.ReqID, Err: errors.ErrProtocolViolation.Error()})
		}
		resp, err := h(stream.Context(), env.LayoutVer, env.Payload)
		out := &Envelope{ReqID: env.ReqID, Service: env.Service, Method: env.Method, Payload: resp}
		if err != nil {
			out.Err = err.Error()
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
}
