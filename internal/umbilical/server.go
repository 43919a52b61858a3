package umbilical

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"time"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"
)

// StatusPath serves the arbiter's ledger as JSON.
const StatusPath = "/status"

var errBadToken = errors.New("job token mismatch")

// Arbiter is what the server needs from the arbiter node.
type Arbiter interface {
	CanCommit(attemptID string) (bool, error)
	StatusUpdate(report types.AttemptReport) error
	IsLeader() bool
	GetLeader() string
	Ledger() *types.LedgerState
}

// UmbilicalRPC is the net/rpc receiver.
type UmbilicalRPC struct {
	arbiter Arbiter
	token   []byte
	logger  *logger.Logger
}

func (u *UmbilicalRPC) authorize(token []byte) error {
	if len(u.token) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare(u.token, token) != 1 {
		return errBadToken
	}
	return nil
}

// CanCommit RPC
func (u *UmbilicalRPC) CanCommit(args *CanCommitArgs, reply *CanCommitReply) error {
	if args == nil || args.AttemptID == "" {
		return fmt.Errorf("missing attempt id")
	}
	if err := u.authorize(args.Token); err != nil {
		u.logger.Warn("Rejected canCommit: attempt_id=%s err=%v", args.AttemptID, err)
		return err
	}
	ok, err := u.arbiter.CanCommit(args.AttemptID)
	if err != nil {
		return err
	}
	reply.OK = ok
	return nil
}

// StatusUpdate RPC
func (u *UmbilicalRPC) StatusUpdate(args *StatusUpdateArgs, reply *StatusUpdateReply) error {
	if args == nil || args.Report.AttemptID == "" {
		return fmt.Errorf("missing attempt id")
	}
	if err := u.authorize(args.Token); err != nil {
		u.logger.Warn("Rejected status update: attempt_id=%s err=%v", args.Report.AttemptID, err)
		return err
	}
	if err := u.arbiter.StatusUpdate(args.Report); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type ServerConfig struct {
	NodeID  string
	Addr    string // host:port, port 0 picks one
	Arbiter Arbiter
	Token   []byte
	Logger  *logger.Logger
}

// Server exposes an arbiter to task attempts.
type Server struct {
	cfg      ServerConfig
	http     *http.Server
	listener net.Listener
	logger   *logger.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Arbiter == nil {
		return nil, errors.New("arbiter is required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("umbilical")

	rs := rpc.NewServer()
	if err := rs.RegisterName(ServiceName, &UmbilicalRPC{arbiter: cfg.Arbiter, token: cfg.Token, logger: lg}); err != nil {
		return nil, fmt.Errorf("failed to register rpc service: %w", err)
	}

	s := &Server{cfg: cfg, logger: lg}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, rs)
	mux.HandleFunc(StatusPath, s.handleStatus)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		NodeID:   s.cfg.NodeID,
		IsLeader: s.cfg.Arbiter.IsLeader(),
		Leader:   s.cfg.Arbiter.GetLeader(),
		Ledger:   s.cfg.Arbiter.Ledger(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status: %v", err)
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Umbilical listening: node_id=%s addr=%s", s.cfg.NodeID, ln.Addr())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Umbilical server stopped: %v", err)
		}
	}()
	return nil
}

// Addr is the address the server listens on, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Close stops accepting calls. net/rpc connections are hijacked, so in-flight
// calls are not waited for.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
