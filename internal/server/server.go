// Package server implements bloomd's minimal ASCII line protocol: one
// goroutine per connection, each request line mapped onto a single
// filtmgr.Manager operation. Its listening, parsing and framing are built
// directly on the standard library (net, bufio) rather than a corpus
// dependency (see DESIGN.md) because no example repo in the retrieval pack
// ships a line-oriented text protocol server to imitate; it uses
// google/uuid and logrus only for connection-tagged logging.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/armon/bloomd/internal/bloomstore"
	"github.com/armon/bloomd/internal/filtmgr"
)

// Server listens for TCP connections and serves the ASCII protocol against
// a single Manager.
type Server struct {
	addr    string
	mgr     *filtmgr.Manager
	logger  logrus.FieldLogger
	filters bloomstore.Config

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server that will listen on addr and serve mgr. filterDefaults
// is only used as the base for custom_config overrides sent on create: any
// option a create line leaves out keeps its value from filterDefaults.
func New(addr string, mgr *filtmgr.Manager, logger logrus.FieldLogger, filterDefaults bloomstore.Config) *Server {
	return &Server{addr: addr, mgr: mgr, logger: logger, filters: filterDefaults}
}

// ListenAndServe binds addr and serves connections until ctx is canceled or
// Close is called. It returns nil once ctx is canceled; after Close with ctx
// still live it returns the listener's Accept error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Addr returns the address the server is bound to, or "" before it starts
// listening. Useful for tests that bind to ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	// A per-connection id lets a request's "internal error" log line be
	// correlated with the connection that triggered it, the way the
	// corpus tags request-scoped log fields with a generated id.
	connID := uuid.NewString()
	connLogger := s.logger.WithField("conn", connID)
	connLogger.WithField("remote", conn.RemoteAddr().String()).Debug("connection opened")
	defer connLogger.Debug("connection closed")

	reader := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for reader.Scan() {
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}

		reply := s.handle(line, connLogger)
		if _, err := writer.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}

		if strings.EqualFold(line, "quit") {
			return
		}
	}
}

// handle dispatches a single request line to a Manager operation and
// returns the exact response line to write back.
func (s *Server) handle(line string, logger logrus.FieldLogger) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "Client Error: empty command"
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "create":
		return s.handleCreate(args, logger)
	case "drop":
		return s.handleSimple(args, s.mgr.Drop, logger)
	case "clear":
		return s.handleSimple(args, s.mgr.Clear, logger)
	case "unmap":
		return s.handleSimple(args, s.mgr.Unmap, logger)
	case "flush":
		return s.handleSimple(args, s.mgr.Flush, logger)
	case "check":
		return s.handleKeys(args, s.mgr.CheckKeys, logger)
	case "set":
		return s.handleKeys(args, s.mgr.SetKeys, logger)
	case "list":
		return s.handleList(args)
	case "info":
		return s.handleInfo(args, logger)
	case "quit":
		return "Done"
	default:
		return "Client Error: unknown command"
	}
}

func (s *Server) handleCreate(args []string, logger logrus.FieldLogger) string {
	if len(args) < 1 {
		return "Client Error: create requires a filter name"
	}
	name := args[0]

	var custom *bloomstore.Config
	if len(args) > 1 {
		cfg, err := parseCustomConfig(s.filters, args[1:])
		if err != nil {
			return "Client Error: " + err.Error()
		}
		custom = &cfg
	}

	return s.status(s.mgr.Create(name, custom), logger)
}

func (s *Server) handleSimple(args []string, op func(string) error, logger logrus.FieldLogger) string {
	if len(args) < 1 {
		return "Client Error: missing filter name"
	}
	return s.status(op(args[0]), logger)
}

func (s *Server) handleKeys(args []string, op func(string, [][]byte) ([]bool, error), logger logrus.FieldLogger) string {
	if len(args) < 2 {
		return "Client Error: missing filter name or keys"
	}
	name := args[0]
	keys := make([][]byte, len(args)-1)
	for i, k := range args[1:] {
		keys[i] = []byte(k)
	}

	results, err := op(name, keys)
	if err != nil {
		return s.status(err, logger)
	}

	parts := make([]string, len(results))
	for i, r := range results {
		if r {
			parts[i] = "Yes"
		} else {
			parts[i] = "No"
		}
	}
	return strings.Join(parts, " ")
}

func (s *Server) handleList(args []string) string {
	var names []string
	if len(args) > 0 && strings.EqualFold(args[0], "cold") {
		names = s.mgr.ListCold()
	} else {
		names = s.mgr.ListAll()
	}
	if len(names) == 0 {
		return "END"
	}
	return "START\n" + strings.Join(names, "\n") + "\nEND"
}

func (s *Server) handleInfo(args []string, logger logrus.FieldLogger) string {
	if len(args) < 1 {
		return "Client Error: missing filter name"
	}

	var out string
	err := s.mgr.WithFilter(args[0], func(f *bloomstore.Filter) {
		out = fmt.Sprintf("proxied %t", f.IsProxied())
	})
	if err != nil {
		return s.status(err, logger)
	}
	return out
}

// status maps a Manager error onto the wire status vocabulary.
func (s *Server) status(err error, logger logrus.FieldLogger) string {
	switch {
	case err == nil:
		return "Done"
	case errors.Is(err, filtmgr.ErrNotFound):
		return "No such filter"
	case errors.Is(err, filtmgr.ErrAlreadyExists):
		return "Exists"
	case errors.Is(err, filtmgr.ErrNotProxied):
		return "Filter is not proxied"
	default:
		logger.WithError(err).Warn("internal error serving request")
		return "Internal Error"
	}
}

// parseCustomConfig reads capacity=/prob=/in_memory= tokens, falling back to
// defaults for anything unspecified.
func parseCustomConfig(defaults bloomstore.Config, tokens []string) (bloomstore.Config, error) {
	cfg := defaults
	for _, tok := range tokens {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return cfg, fmt.Errorf("malformed option %q", tok)
		}
		switch kv[0] {
		case "capacity":
			n, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid capacity: %w", err)
			}
			cfg.Capacity = uint(n)
		case "prob":
			p, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid prob: %w", err)
			}
			cfg.FalsePositiveRate = p
		case "in_memory":
			b, err := strconv.ParseBool(kv[1])
			if err != nil {
				return cfg, fmt.Errorf("invalid in_memory: %w", err)
			}
			cfg.InMemory = b
		default:
			return cfg, fmt.Errorf("unknown option %q", kv[0])
		}
	}
	return cfg, nil
}
