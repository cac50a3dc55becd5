// Package rpc exposes the lifecycle operations over JSON-RPC for trusted
// in-cluster clients.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
)

// ServiceName is the name methods are registered under, e.g.
// "Lifecycle.UpdateRun".
const ServiceName = "Lifecycle"

// Server exposes internal RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *log.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the lifecycle service.
func NewServer(svc *service.Service, logger *log.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger.With("server", "rpc"),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown closes it.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", "err", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// ServeConn serves a single connection, blocking until the peer hangs up.
func (s *Server) ServeConn(conn net.Conn) {
	s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements lifecycle RPC methods. Every call is trusted.
type Handler struct {
	service *service.Service
}

// RunIDArgs identifies a run.
type RunIDArgs struct {
	RunID string `json:"run_id"`
}

// UpdateRunArgs wraps a run id with the update payload.
type UpdateRunArgs struct {
	RunID        string               `json:"run_id"`
	Update       domain.UpdateRunBody `json:"update"`
	SkipTerminal bool                 `json:"skip_terminal"`
}

// GetRunResponse carries a run, or Found=false.
type GetRunResponse struct {
	Run   *domain.Run `json:"run,omitempty"`
	Found bool        `json:"found"`
}

// FindIdleArgs selects running runs idle for at least MaxIdleMs.
type FindIdleArgs struct {
	MaxIdleMs int64 `json:"max_idle_ms"`
}

// FindStuckArgs selects booting runs older than MaxBootMs.
type FindStuckArgs struct {
	MaxBootMs int64 `json:"max_boot_ms"`
}

// CountRecentArgs counts runs UserID started since SinceMs.
type CountRecentArgs struct {
	UserID  string `json:"user_id"`
	SinceMs int64  `json:"since_ms"`
}

func trusted(method string) domain.Authorization {
	return domain.TrustedAuthorization("rpc: " + method)
}

// CreateRun creates a run on behalf of created_by.
func (h *Handler) CreateRun(req *domain.CreateRunBody, resp *domain.Run) error {
	if req == nil {
		return errors.New("create request is required")
	}
	createReq, err := req.ToRequest()
	if err != nil {
		return err
	}

	run, err := h.service.CreateRun(context.Background(), trusted("CreateRun"), createReq)
	if err != nil {
		return err
	}
	*resp = *run
	return nil
}

// UpdateRun applies a partial update.
func (h *Handler) UpdateRun(req *UpdateRunArgs, resp *domain.UpdateResult) error {
	if req == nil {
		return errors.New("update request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	patch, err := req.Update.ToPatch()
	if err != nil {
		return err
	}

	result, err := h.service.UpdateRun(context.Background(), trusted("UpdateRun"), req.RunID, patch, domain.UpdateOptions{SkipTerminal: req.SkipTerminal})
	if err != nil {
		return err
	}
	*resp = result
	return nil
}

// GetRun reads a run.
func (h *Handler) GetRun(req *RunIDArgs, resp *GetRunResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	run, err := h.service.GetRun(context.Background(), trusted("GetRun"), req.RunID)
	if err != nil {
		return err
	}
	resp.Run = run
	resp.Found = run != nil
	return nil
}

// FindIdleRuns lists running runs without recent activity.
func (h *Handler) FindIdleRuns(req *FindIdleArgs, resp *domain.RunListResponse) error {
	if req == nil {
		return errors.New("max_idle_ms is required")
	}
	runs, err := h.service.FindIdleRuns(context.Background(), time.Duration(req.MaxIdleMs)*time.Millisecond)
	if err != nil {
		return err
	}
	resp.Runs = runs
	return nil
}

// FindStuckBootingRuns lists runs that never left booting.
func (h *Handler) FindStuckBootingRuns(req *FindStuckArgs, resp *domain.RunListResponse) error {
	if req == nil {
		return errors.New("max_boot_ms is required")
	}
	runs, err := h.service.FindStuckBootingRuns(context.Background(), time.Duration(req.MaxBootMs)*time.Millisecond)
	if err != nil {
		return err
	}
	resp.Runs = runs
	return nil
}

// CountRecentRuns counts the runs a user started since a point in time.
func (h *Handler) CountRecentRuns(req *CountRecentArgs, resp *domain.RunCountResponse) error {
	if req == nil || req.UserID == "" {
		return errors.New("user_id is required")
	}
	n, err := h.service.CountRunsByUserSince(context.Background(), req.UserID, time.UnixMilli(req.SinceMs))
	if err != nil {
		return err
	}
	resp.Count = n
	return nil
}
