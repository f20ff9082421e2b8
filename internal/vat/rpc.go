package vat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.ocapkernel.dev/kernel/internal/kernelerrors"
)

// Message is the wire shape of one JSON-RPC 2.0 message in either
// direction. Request and response fields overlap so a single struct can
// decode whichever arrives; callers branch on which fields are populated.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Stream is a JSON-RPC 2.0 connection to one vat worker's message stream.
// The wire format (newline-delimited JSON objects) is hand-rolled on top of
// encoding/json and bufio rather than adopting a generic JSON-RPC library,
// since the worker protocol here is a closed, two-party contract (deliver/
// startVat/stopVat outbound, syscall.*/deliveryComplete inbound) rather
// than a general client-server RPC surface.
type Stream struct {
	rw  io.ReadWriteCloser
	enc *json.Encoder
	dec *json.Decoder

	writeMu sync.Mutex
	nextID  int64
}

func NewStream(rw io.ReadWriteCloser) *Stream {
	return &Stream{
		rw:  rw,
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(bufio.NewReader(rw)),
	}
}

func (s *Stream) Close() error { return s.rw.Close() }

// Notify sends a one-way message (deliver, startVat, stopVat) with no id,
// expecting no direct response.
func (s *Stream) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(Message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Request sends a message carrying a fresh id and returns it, for call
// sites that want to correlate a later reply (not used by the deliver path,
// which is fire-and-collect-syscalls-until-deliveryComplete, but available
// for host-initiated worker queries).
func (s *Stream) Request(method string, params any) (int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	id := atomic.AddInt64(&s.nextID, 1)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		return 0, err
	}
	return id, nil
}

// Reply answers an inbound request (a syscall) with its synchronous result.
func (s *Stream) Reply(id int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(Message{JSONRPC: "2.0", ID: &id, Result: raw})
}

// ReplyError answers an inbound request with an error.
func (s *Stream) ReplyError(id int64, kerr *kernelerrors.Error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(Message{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: int(kerr.GRPCStatus().Code()), Message: kerr.Error()}})
}

// ReadMessage blocks for the next inbound message, which is either a
// syscall request or the deliveryComplete notification.
func (s *Stream) ReadMessage() (Message, error) {
	var m Message
	if err := s.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}
