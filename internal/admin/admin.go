// Package admin implements the administrative command interface of
// spec.md §5/§4.6's admin thread: a line-based request/response protocol
// served over a Unix domain socket, plus a `--client` CLI that dials it.
//
// Grounded on original_source/src/commands.c's register_commands table
// (name, handler, help) and its line-oriented cmd->print protocol; the
// colorized client output is grounded on fatih/color usage patterns
// in the pack's other CLI-fronted repos (hashicorp-nomad, nabbar-golib).
package admin

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/tcp-proxy/internal/analyzer"
	"github.com/relaycore/tcp-proxy/internal/backend"
	"github.com/relaycore/tcp-proxy/internal/logging"
)

// handlerFunc returns the response text, whether the connection should
// close after replying, and whether the server should terminate the
// process.
type handlerFunc func(s *Server, args string) (response string, closeConn bool, shutdown bool)

type command struct {
	name    string
	handler handlerFunc
}

// Deps are the components admin commands act on.
type Deps struct {
	Logger    *logging.Logger
	Backends  *backend.Table
	Analyzer  *analyzer.Manager
	Boot      time.Time
	Terminate func()
}

// Server serves the admin protocol over a Unix domain socket.
type Server struct {
	path string
	deps Deps

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a Server bound to socketPath, not yet listening.
func NewServer(socketPath string, deps Deps) *Server {
	return &Server{path: socketPath, deps: deps}
}

var registry []command

func init() {
	registry = []command{
		{"exit", cmdExit},
		{"shutdown", cmdShutdown},
		{"date", cmdDate},
		{"echo", cmdEcho},
		{"uptime", cmdUptime},
		{"set logging level trace", logLevelHandler(logging.Trace)},
		{"set logging level debug", logLevelHandler(logging.Debug)},
		{"set logging level info", logLevelHandler(logging.Info)},
		{"set logging level notice", logLevelHandler(logging.Notice)},
		{"set logging level warning", logLevelHandler(logging.Warning)},
		{"set logging level error", logLevelHandler(logging.Error)},
		{"set fall back channel", cmdFallBackChannel},
		{"set default channel", cmdDefaultChannel},
		{"load module", cmdLoadModule},
		{"unload module", cmdUnloadModule},
		{"analyzer enable", cmdAnalyzerEnable},
		{"analyzer disable", cmdAnalyzerDisable},
		{"analyzer mode safe", cmdAnalyzerModeSafe},
		{"analyzer mode fast", cmdAnalyzerModeFast},
		{"show analyzer mode", cmdShowAnalyzerMode},
	}
	sort.Slice(registry, func(i, j int) bool { return len(registry[i].name) > len(registry[j].name) })
}

// Serve listens on the admin socket and serves connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response, closeConn, shutdown := s.dispatch(line)
		fmt.Fprintln(conn, response)
		if shutdown {
			if s.deps.Terminate != nil {
				s.deps.Terminate()
			}
			return
		}
		if closeConn {
			return
		}
	}
}

func (s *Server) dispatch(line string) (string, bool, bool) {
	for _, c := range registry {
		if !strings.HasPrefix(line, c.name) {
			continue
		}
		rest := line[len(c.name):]
		if rest != "" && rest[0] != ' ' {
			continue
		}
		return c.handler(s, strings.TrimSpace(rest))
	}
	return fmt.Sprintf("unknown command: %s", line), false, false
}

func cmdExit(s *Server, args string) (string, bool, bool) {
	return "**** Exit ****", true, false
}

func cmdShutdown(s *Server, args string) (string, bool, bool) {
	return "**** Shutdown ****", true, true
}

func cmdDate(s *Server, args string) (string, bool, bool) {
	return time.Now().Format(time.ANSIC), false, false
}

func cmdEcho(s *Server, args string) (string, bool, bool) {
	return args, false, false
}

func cmdUptime(s *Server, args string) (string, bool, bool) {
	return formatUptime(time.Since(s.deps.Boot)), false, false
}

func formatUptime(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	rem := total % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	if days > 0 {
		return fmt.Sprintf("Uptime: %d day(s), %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("Uptime: %02d:%02d:%02d", hours, minutes, seconds)
}

func logLevelHandler(level logging.Level) handlerFunc {
	return func(s *Server, args string) (string, bool, bool) {
		if s.deps.Logger != nil {
			s.deps.Logger.SetLevel(level)
		}
		return fmt.Sprintf("Logging level: %s", level), false, false
	}
}

func cmdFallBackChannel(s *Server, args string) (string, bool, bool) {
	if s.deps.Backends == nil {
		return "backend table not available", false, false
	}
	if args == "" {
		return fmt.Sprintf("usage: set fall back channel <channel> (current = %d)", s.deps.Backends.Failover()), false, false
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Sprintf("failed to set fall back channel: %v", err), false, false
	}
	s.deps.Backends.SetFailover(n)
	return fmt.Sprintf("fall back channel set to %d", n), false, false
}

func cmdDefaultChannel(s *Server, args string) (string, bool, bool) {
	if s.deps.Backends == nil {
		return "backend table not available", false, false
	}
	if args == "" {
		return fmt.Sprintf("usage: set default channel <channel> (current = %d)", s.deps.Backends.Default()), false, false
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Sprintf("failed to set default channel: %v", err), false, false
	}
	s.deps.Backends.SetDefault(n)
	return fmt.Sprintf("default channel set to %d", n), false, false
}

func cmdLoadModule(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer == nil {
		return "analyzer not available", false, false
	}
	if args == "" {
		return "module file name required", false, false
	}
	if err := s.deps.Analyzer.Load(context.Background(), args); err != nil {
		return fmt.Sprintf("failed to load module: %v", err), false, false
	}
	return "module loaded successfully", false, false
}

func cmdUnloadModule(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer == nil {
		return "analyzer not available", false, false
	}
	s.deps.Analyzer.Unload()
	return "module unload successfully", false, false
}

func cmdAnalyzerEnable(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer == nil {
		return "packet analyzer: NOT enabled", false, false
	}
	s.deps.Analyzer.Enable()
	return "packet analyzer: enabled", false, false
}

func cmdAnalyzerDisable(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer == nil {
		return "packet analyzer: NOT disabled", false, false
	}
	s.deps.Analyzer.Disable()
	return "packet analyzer: disabled", false, false
}

func cmdAnalyzerModeSafe(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer != nil {
		s.deps.Analyzer.SetSafeMode(true)
	}
	return "packet analyzer mode: safe", false, false
}

func cmdAnalyzerModeFast(s *Server, args string) (string, bool, bool) {
	if s.deps.Analyzer != nil {
		s.deps.Analyzer.SetSafeMode(false)
	}
	return "packet analyzer mode: fast", false, false
}

func cmdShowAnalyzerMode(s *Server, args string) (string, bool, bool) {
	mode := "safe"
	if s.deps.Analyzer != nil {
		mode = s.deps.Analyzer.Mode()
	}
	return fmt.Sprintf("packet analyzer mode: %s", mode), false, false
}
