package umbilical

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"
)

const defaultCallTimeout = 2 * time.Second

var errCallTimeout = errors.New("umbilical call timed out")

type ClientConfig struct {
	// Addrs lists the arbiter nodes; calls start at the last node that
	// answered and move on when a node fails or is not the leader.
	Addrs   []string
	Token   []byte
	Timeout time.Duration
	Logger  *logger.Logger
}

// Client is the attempt side of the umbilical. It satisfies task.Umbilical.
type Client struct {
	addrs   []string
	token   []byte
	timeout time.Duration
	logger  *logger.Logger

	mu    sync.Mutex
	next  int
	conns map[string]*rpc.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one arbiter address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	return &Client{
		addrs:   append([]string(nil), cfg.Addrs...),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.Named("umbilical"),
		conns:   make(map[string]*rpc.Client),
	}, nil
}

func (cl *Client) conn(addr string) (*rpc.Client, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if c, ok := cl.conns[addr]; ok {
		return c, nil
	}
	c, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return nil, err
	}
	cl.conns[addr] = c
	return c, nil
}

func (cl *Client) drop(addr string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if c, ok := cl.conns[addr]; ok {
		c.Close()
		delete(cl.conns, addr)
	}
}

func (cl *Client) callOne(ctx context.Context, addr, method string, args, reply interface{}) error {
	c, err := cl.conn(addr)
	if err != nil {
		return err
	}

	call := c.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(cl.timeout)
	defer timer.Stop()

	select {
	case <-call.Done:
		if call.Error != nil {
			var serr rpc.ServerError
			if !errors.As(call.Error, &serr) {
				cl.drop(addr)
			}
		}
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		cl.drop(addr)
		return errCallTimeout
	}
}

// call tries every address once, starting at the last one that answered.
// Each try decodes into a fresh reply; an abandoned call may still write to
// the one it was given.
func (cl *Client) call(ctx context.Context, method string, args interface{}, newReply func() interface{}) (interface{}, error) {
	cl.mu.Lock()
	start := cl.next
	cl.mu.Unlock()

	var errs []error
	for i := 0; i < len(cl.addrs); i++ {
		idx := (start + i) % len(cl.addrs)
		addr := cl.addrs[idx]

		reply := newReply()
		err := cl.callOne(ctx, addr, method, args, reply)
		if err == nil {
			cl.mu.Lock()
			cl.next = idx
			cl.mu.Unlock()
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cl.logger.Debug("Umbilical call failed: method=%s addr=%s err=%v", method, addr, err)
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return nil, fmt.Errorf("%s failed on all arbiters: %w", method, errors.Join(errs...))
}

func (cl *Client) CanCommit(ctx context.Context, attemptID string) (bool, error) {
	args := &CanCommitArgs{AttemptID: attemptID, Token: cl.token}
	reply, err := cl.call(ctx, "CanCommit", args, func() interface{} { return &CanCommitReply{} })
	if err != nil {
		return false, err
	}
	return reply.(*CanCommitReply).OK, nil
}

func (cl *Client) StatusUpdate(ctx context.Context, report types.AttemptReport) error {
	args := &StatusUpdateArgs{Report: report, Token: cl.token}
	reply, err := cl.call(ctx, "StatusUpdate", args, func() interface{} { return &StatusUpdateReply{} })
	if err != nil {
		return err
	}
	if !reply.(*StatusUpdateReply).OK {
		return fmt.Errorf("status update not ok")
	}
	return nil
}

func (cl *Client) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var errs []error
	for addr, c := range cl.conns {
		if err := c.Close(); err != nil && !errors.Is(err, rpc.ErrShutdown) {
			errs = append(errs, err)
		}
		delete(cl.conns, addr)
	}
	return errors.Join(errs...)
}
