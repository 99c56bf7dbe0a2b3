// Package gateway exposes an endpoint over JSON-RPC 2.0 on HTTP so tools
// that cannot join a channel can still call its peers.
//
//	POST {"jsonrpc":"2.0","method":"Gateway.Call","params":[{"method":"hello","args":["Bob"]}],"id":1}
//	  ──► endpoint.MakeRemoteRequest("hello", ["Bob"]) ──► channel ──► remote handler
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chan-rpc/endpoint"
	"chan-rpc/message"
	"chan-rpc/request"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

type CallArgs struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`

	// Timeout overrides the gateway default, e.g. "250ms".
	Timeout string `json:"timeout,omitempty"`

	// Notify sends without waiting for a reply.
	Notify bool `json:"notify,omitempty"`
}

type CallReply struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Results   []any  `json:"results"`
}

type PendingArgs struct{}

type PendingReply struct {
	RequestIDs []string `json:"requestIds"`
}

type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Service is the "Gateway" JSON-RPC service.
type Service struct {
	ep      *endpoint.Endpoint
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler returns the HTTP handler serving the Gateway service.
func NewHandler(ep *endpoint.Endpoint, opts Options) (http.Handler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	s.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	svc := &Service{ep: ep, timeout: opts.Timeout, logger: opts.Logger}
	if err := s.RegisterService(svc, "Gateway"); err != nil {
		return nil, fmt.Errorf("register gateway service: %w", err)
	}
	return s, nil
}

// Call forwards one remote call and waits for its outcome, bounded by the
// HTTP request's context.
func (s *Service) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Method == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "method is required"}
	}
	timeout := s.timeout
	if args.Timeout != "" {
		d, err := time.ParseDuration(args.Timeout)
		if err != nil {
			return &json2.Error{Code: json2.E_BAD_PARAMS, Message: fmt.Sprintf("timeout: %v", err)}
		}
		timeout = d
	}
	opts := request.Opts{Timeout: request.Duration(timeout)}
	if args.Notify {
		opts.Rsvp = request.Bool(false)
	}

	rc, err := s.ep.MakeRemoteRequest(args.Method, args.Args, opts)
	if err != nil {
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	reply.RequestID = rc.Info().RequestID

	results, err := rc.Wait(r.Context())
	if err != nil && r.Context().Err() != nil {
		rc.RejectNow(r.Context().Err())
	}
	reply.Status = string(rc.Status())
	if err != nil {
		s.logger.Debug("gateway call failed", zap.String("method", args.Method), zap.Error(err))
		return toJSONError(err)
	}
	if results == nil {
		results = []any{}
	}
	reply.Results = results
	return nil
}

// Pending lists the gateway endpoint's outstanding request ids.
func (s *Service) Pending(r *http.Request, args *PendingArgs, reply *PendingReply) error {
	reply.RequestIDs = s.ep.PendingRequestIDs()
	return nil
}

// toJSONError keeps the structured error in the JSON-RPC error's data member.
func toJSONError(err error) *json2.Error {
	var rpcErr *message.RPCError
	if errors.As(err, &rpcErr) {
		return &json2.Error{Code: json2.E_SERVER, Message: rpcErr.Error(), Data: rpcErr}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
	}
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
}
