// Package pdpipeline implements the disaggregated prefill/decode
// pipeline (§4.6): tokenize on the prefill engine, run the prefill
// call, wait out-of-band for the KV transfer to land on the decode
// engine, then stream the decode call back to the client.
package pdpipeline

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// KVReadySocket is the router's side of the out-of-band "KV transfer
// complete" signal (§4.6 step 3, §6 "KV-ready side channel"): a small
// length-prefixed-frame TCP listener the prefill engine pushes
// {req_id} messages to. No dependency offers a framed pull-socket
// primitive narrower than a full message broker, so this is hand-rolled
// directly on net.Listener.
type KVReadySocket struct {
	log *zap.Logger

	mu       sync.Mutex
	waiters  map[string]chan struct{}
	listener net.Listener
}

func NewKVReadySocket(log *zap.Logger) *KVReadySocket {
	return &KVReadySocket{log: log, waiters: make(map[string]chan struct{})}
}

// Listen binds addr and begins accepting frames until Close is called.
func (s *KVReadySocket) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop(ln)
	return nil
}

func (s *KVReadySocket) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the listener's bound address, for passing to the
// prefill engine as kv_transfer_params.receiver_host. Empty before
// Listen succeeds.
func (s *KVReadySocket) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *KVReadySocket) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// frame wire format: 4-byte big-endian length prefix, then that many
// bytes of UTF-8 req_id. One frame per connection; the prefill engine
// opens a short-lived connection per completed transfer.
func (s *KVReadySocket) handleConn(conn net.Conn) {
	defer conn.Close()

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 1<<16 {
		return
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body[:]); err != nil {
		return
	}
	s.notify(string(body))
}

func (s *KVReadySocket) notify(reqID string) {
	s.mu.Lock()
	ch, ok := s.waiters[reqID]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Wait blocks until reqID's KV-ready frame arrives or stop fires,
// whichever happens first.
func (s *KVReadySocket) Wait(reqID string, stop <-chan struct{}) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, reqID)
		s.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-stop:
		return ErrKVReadyTimeout
	}
}

// ErrKVReadyTimeout is returned by Wait when stop fires first; the
// pipeline proceeds anyway (§4.6 step 3: "on timeout, proceed anyway").
var ErrKVReadyTimeout = errors.New("pdpipeline: timed out waiting for KV transfer")
