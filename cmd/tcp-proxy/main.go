//go:build linux

// Command tcp-proxy is the proxy core's entrypoint: it loads configuration,
// wires the components listed in SPEC_FULL.md §2, and runs until a
// termination signal arrives. `--client` repurposes the same binary as the
// admin CLI described in internal/admin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaycore/tcp-proxy/internal/acceptor"
	"github.com/relaycore/tcp-proxy/internal/admin"
	"github.com/relaycore/tcp-proxy/internal/analyzer"
	"github.com/relaycore/tcp-proxy/internal/backend"
	"github.com/relaycore/tcp-proxy/internal/config"
	"github.com/relaycore/tcp-proxy/internal/dbgate"
	"github.com/relaycore/tcp-proxy/internal/eventloop"
	"github.com/relaycore/tcp-proxy/internal/logging"
	"github.com/relaycore/tcp-proxy/internal/ratelimit"
	"github.com/relaycore/tcp-proxy/internal/relay"
	"github.com/relaycore/tcp-proxy/internal/ticker"
)

// Exit codes per spec.md §5.
const (
	exitOK      = 0
	exitFailure = 1
	exitFatalDB = 139
)

// daemonChildEnv marks a re-exec'd child so it does not try to daemonize
// again.
const daemonChildEnv = "TCP_PROXY_DAEMON_CHILD"

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	configPath := extractConfigPath(args)

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	fs := flag.NewFlagSet("tcp-proxy", flag.ContinueOnError)
	cfg.ApplyFlags(fs)
	var configFlag string
	fs.StringVar(&configFlag, "c", configPath, "path to configuration file")
	fs.StringVar(&configFlag, "config", configPath, "path to configuration file")
	clientMode := fs.Bool("client", false, "run as an admin CLI client instead of the proxy")
	testingMode := fs.Bool("testing", false, "validate configuration and exit")
	noDaemon := fs.Bool("no-daemon", false, "stay in the foreground even if daemon = true in config")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	cfg.ApplyEnv()

	if *clientMode {
		command := strings.Join(fs.Args(), " ")
		if err := admin.RunClient(cfg.SocketName, command, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		return exitOK
	}

	logger := logging.New("tcp-proxy", logging.ParseLevel(cfg.LogPriority))

	if *testingMode {
		return runSelfCheck(cfg, logger)
	}

	if cfg.Daemon && !*noDaemon {
		isChild, err := daemonize()
		if err != nil {
			logger.Errorf("daemonize: %v", err)
			return exitFailure
		}
		if !isChild {
			return exitOK
		}
	}

	if cfg.RunAs != "" {
		if err := dropPrivileges(cfg.RunAs, logger); err != nil {
			logger.Errorf("%v", err)
			return exitFailure
		}
	}

	return serve(cfg, logger)
}

// extractConfigPath pre-scans args for -c/--config before config.LoadFromFile
// needs a path, since the file itself supplies the defaults flag.Parse then
// layers over.
func extractConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-c" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-c="):
			return strings.TrimPrefix(a, "-c=")
		}
	}
	return ""
}

func runSelfCheck(cfg *config.Config, logger *logging.Logger) int {
	if len(cfg.Servers) == 0 {
		logger.Errorf("testing: no backend servers configured")
		return exitFailure
	}
	if _, err := acceptor.Listen(cfg.Port); err != nil {
		logger.Errorf("testing: listen :%d: %v", cfg.Port, err)
		return exitFailure
	}
	logger.Noticef("testing: %d backend server(s), port %d, socket %s", len(cfg.Servers), cfg.Port, cfg.SocketName)
	return exitOK
}

// daemonize re-execs the current binary detached into its own session,
// standing in for the source's fork()+setsid()+chdir("/") sequence: Go's
// runtime already owns multiple OS threads by the time main runs, so a raw
// fork() here would be unsafe (only the calling thread survives into the
// child). Re-exec gets the same external behavior — the original process
// exits immediately, a new, session-leading process continues the work —
// without forking a multi-threaded runtime.
func daemonize() (isChild bool, err error) {
	if os.Getenv(daemonChildEnv) == "1" {
		return true, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("daemonize: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("daemonize: %w", err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("daemonize: start child: %w", err)
	}
	return false, nil
}

// dropPrivileges implements the `run-as` config key: switch to the named
// POSIX user's uid/gid. Order matters — gid must drop before uid, or the
// process loses the privilege needed to change its gid at all.
func dropPrivileges(username string, logger *logging.Logger) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("run-as: lookup %s: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("run-as: parse gid %q: %w", u.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("run-as: parse uid %q: %w", u.Uid, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("run-as: setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("run-as: setuid %d: %w", uid, err)
	}
	logger.Noticef("dropped privileges to %s (uid=%d gid=%d)", username, uid, gid)
	return nil
}

// serve wires every component from SPEC_FULL.md §2 and runs until a
// termination signal arrives.
func serve(cfg *config.Config, logger *logging.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gate *dbgate.Gate
	if cfg.EnableDatabase {
		gate = dbgate.New(cfg.MySQLDSN, cfg.SQLStatements, cfg.MaxDBConnectionTime, logger)
		defer gate.Close()
	}

	limiter := ratelimit.NewTable(cfg.HashSize, cfg.MonitorPeriod, logger)
	defer limiter.Shutdown()

	an := analyzer.NewManager(logger)
	if cfg.LoadPluginOnBoot && cfg.PacketAnalyzerPlugin != "" {
		if err := an.Load(ctx, cfg.PacketAnalyzerPlugin); err != nil {
			logger.Errorf("boot-time packet analyzer load: %v", err)
		} else if cfg.EnablePluginOnBoot {
			an.Enable()
		}
	}

	loop, err := eventloop.New()
	if err != nil {
		logger.Errorf("event loop: %v", err)
		return exitFailure
	}
	defer loop.Close()

	relayEngine := relay.New(loop, gate, an, cfg.MaxAllowedRequests, cfg.ExpiringTimeout, logger)

	ln, err := acceptor.Listen(cfg.Port)
	if err != nil {
		logger.Errorf("listen :%d: %v", cfg.Port, err)
		return exitFailure
	}

	backends := backend.New(cfg.Servers, cfg.DefaultServer, cfg.OnFailedChannel)

	// gate is a possibly-nil *dbgate.Gate; assigning it straight into an
	// interface-typed field would leave that interface non-nil (it would
	// carry a nil-but-typed pointer), breaking every `a.Gate != nil` check
	// in internal/acceptor. Only assign when there really is a gate.
	var acceptorGate acceptor.Gate
	if gate != nil {
		acceptorGate = gate
	}

	acc := &acceptor.Acceptor{
		Gate:              acceptorGate,
		Limiter:           limiter,
		Backends:          backends,
		Relay:             relayEngine,
		Logger:            logger,
		Whitelist:         cfg.WhitelistIPPrefix,
		Threshold:         cfg.Threshold,
		PersistThreshold:  cfg.PersistThreshold,
		MaxPersistentTime: time.Duration(cfg.MaxPersistentDays) * 24 * time.Hour,
		Loop:              loop,
	}

	adminServer := admin.NewServer(cfg.SocketName, admin.Deps{
		Logger:    logger,
		Backends:  backends,
		Analyzer:  an,
		Boot:      time.Now(),
		Terminate: cancel,
	})

	tk := ticker.New()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := acc.Accept(ctx, ln); err != nil {
			logger.Errorf("accept loop: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminServer.Serve(ctx); err != nil {
			logger.Errorf("admin server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tk.Run(ctx, func(now time.Time) {
			relayEngine.Reap(now)
			limiter.Expire()
			if gate != nil {
				gate.CloseIdle(now)
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if n, err := loop.PollOnce(1000); err != nil {
				logger.Errorf("event loop poll: %v", err)
				return
			} else if n < 0 {
				return
			}
		}
	}()

	if gate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				if gate.Fatal() {
					logger.Errorf("unrecoverable database failure, terminating")
					os.Exit(exitFatalDB)
				}
			}
		}()
	}

	waitForSignal(ctx, logger)

	cancel()
	ln.Close()
	relayEngine.ReapAll()
	wg.Wait()

	if gate != nil && gate.Fatal() {
		return exitFatalDB
	}
	return exitOK
}

// waitForSignal blocks until SIGINT or SIGTERM, or until ctx is cancelled
// (the admin `shutdown` command). SIGHUP is ignored per spec.md §5;
// SIGUSR1/SIGUSR2 step the logging level one notch more or less verbose
// and otherwise keep waiting.
func waitForSignal(ctx context.Context, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		var sig os.Signal
		select {
		case <-ctx.Done():
			return
		case sig = <-sigCh:
		}
		switch sig {
		case syscall.SIGHUP:
		case syscall.SIGUSR1:
			logger.Bump(1)
		case syscall.SIGUSR2:
			logger.Bump(-1)
		case syscall.SIGINT, syscall.SIGTERM:
			return
		}
	}
}
