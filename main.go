package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/audit"
	"github.com/ruifung/mcswrappr/internal/auth"
	"github.com/ruifung/mcswrappr/internal/commands"
	"github.com/ruifung/mcswrappr/internal/config"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/database"
	"github.com/ruifung/mcswrappr/internal/handlers"
	"github.com/ruifung/mcswrappr/internal/logging"
	"github.com/ruifung/mcswrappr/internal/metrics"
	"github.com/ruifung/mcswrappr/internal/sshkeys"
	"github.com/ruifung/mcswrappr/internal/sshserver"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--hash-password" {
		runHashPassword(os.Args[2:])
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcswrappr: %v\n", err)
		os.Exit(1)
	}
}

func runHashPassword(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	fs.Parse(args)

	password := fs.Arg(0)
	if password == "" {
		var err error
		if password, err = readPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "read password: %v\n", err)
			os.Exit(1)
		}
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "Usage: mcswrappr --hash-password <password>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func loadSettings() (config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	created, err := cfg.EnsureConfigDir()
	if err != nil {
		return cfg, err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created sample configuration at %s\n", cfg.FilePath())
		if cfg, err = config.Load(); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration in %s:\n%w", cfg.FilePath(), err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	// Anything logged before the console exists is held here and printed
	// once the multiplexer is ready.
	printer := console.NewPrinter(console.DefaultPrinterBacklog)

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDev,
		FilePath:    cfg.LogPath,
	}, printer)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Logger
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdownOnce sync.Once
	shutdown := make(chan struct{})
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdown) }) }

	db, err := database.Open(cfg.DatabasePath, log.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close(db)

	auditor := audit.NewAuditor(db, cfg.AuditRetentionDays, log.Named("audit"))
	runs := audit.NewRunRecorder(db, log.Named("runs"))
	auditor.PurgeOlderThan(0)
	scheduler, err := audit.NewScheduler(auditor, audit.PurgeSchedule, log.Named("cron"))
	if err != nil {
		return fmt.Errorf("schedule audit purge: %w", err)
	}
	scheduler.Start()

	m := metrics.New()

	// Ctrl-D or Ctrl-C on a terminal ends input and stops the wrapper.
	// Piped input may close early under a service manager, so its end is
	// ignored.
	var onLocalEOF func()
	if interactive() {
		onLocalEOF = requestShutdown
	}
	mux := console.NewMultiplexer(console.Options{
		ReplayCapacity: cfg.ConsoleLineBuffer,
		Prefix:         cfg.CommandPrefix,
		OnLocalEOF:     onLocalEOF,
		Observer:       m,
		Logger:         log.Named("console"),
	})
	restoreTerminal, err := attachLocalConsole(mux)
	if err != nil {
		return fmt.Errorf("attach local console: %w", err)
	}
	defer restoreTerminal()

	sup := supervisor.New(supervisor.Options{
		Command:        cfg.CommandLine(),
		Dir:            cfg.WorkDir(),
		GraceWindow:    cfg.GraceWindow,
		HealthInterval: cfg.HealthInterval,
		StopCommand:    cfg.StopCommand,
		MaxLineLength:  cfg.MaxLineLength,
		Observer:       supervisor.Observers{runs, m},
		Logger:         log.Named("supervisor"),
	}, mux.Broadcast)
	mux.AddInputHandler(sup.InputHandler())
	m.WatchServerState(sup.State)

	dispatcher := commands.NewDispatcher(cfg.CommandPrefix, log.Named("commands"))
	commands.RegisterCore(dispatcher, commands.Core{
		Server:   sup,
		Sessions: mux,
		Shutdown: requestShutdown,
		Logger:   log,
	})
	dispatcher.OnDispatch(auditor.CommandHook())
	dispatcher.OnDispatch(m.CommandHook())
	mux.SetDispatcher(dispatcher)

	printer.Bind(mux)
	log.Info("console ready",
		zap.String("config", cfg.FilePath()),
		zap.Strings("command", cfg.CommandLine()),
	)

	var servers conc.WaitGroup

	sshSrv, err := newSSHServer(cfg, mux, auditor, log.Named("ssh"))
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.RemoteAddr())
	if err != nil {
		return fmt.Errorf("listen for ssh on %s: %w", cfg.RemoteAddr(), err)
	}
	servers.Go(func() {
		if err := sshSrv.Serve(ctx, ln); err != nil && !errors.Is(err, sshserver.ErrServerClosed) {
			log.Error("ssh server stopped", zap.Error(err))
		}
	})

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		api := &handlers.API{
			Server:      sup,
			Console:     mux,
			Credentials: cfg.Credentials(),
			Auditor:     auditor,
			Runs:        runs,
			Logs:        logger,
			Metrics:     m,
			DB:          db,
			Logger:      log.Named("http"),
		}
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers.Go(func() {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server stopped", zap.Error(err))
			}
		})
	}

	if cfg.AutoStart {
		if err := sup.Start(); err != nil {
			log.Error("auto start failed", zap.Error(err))
		}
	} else {
		log.Info("auto start disabled", zap.String("hint", cfg.CommandPrefix+"start"))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		sup.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-shutdown:
	}
	cancelRun()
	<-healthDone

	if err := sup.Stop(); err != nil {
		log.Error("stop server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sshSrv.Close(); err != nil {
		log.Warn("close ssh server", zap.Error(err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown http server", zap.Error(err))
		}
	}
	servers.Wait()
	scheduler.Stop(shutdownCtx)

	log.Info("wrapper stopped")
	mux.Close()
	return nil
}

func newSSHServer(cfg config.Settings, mux *console.Multiplexer, auditor *audit.Auditor, log *zap.Logger) (*sshserver.Server, error) {
	hostKey, created, err := sshkeys.EnsureHostKey(cfg.HostKeyPath())
	if err != nil {
		return nil, fmt.Errorf("ssh host key: %w", err)
	}
	if created {
		log.Info("generated ssh host key",
			zap.String("path", cfg.HostKeyPath()),
			zap.String("fingerprint", sshkeys.Fingerprint(hostKey.PublicKey())),
		)
	}
	if !cfg.Credentials().PasswordEnabled() {
		log.Info("ssh password login disabled, only keys in the authorized keys file are accepted",
			zap.String("authorized_keys", cfg.AuthorizedKeysPath()),
		)
	}

	return sshserver.New(sshserver.Options{
		HostKey:            hostKey,
		Credentials:        cfg.Credentials(),
		AuthorizedKeysPath: cfg.AuthorizedKeysPath(),
		Greeting:           fmt.Sprintf("Connected. Type %shelp for wrapper commands.", cfg.CommandPrefix),
		OnEvent: func(e sshserver.Event) {
			auditor.Log(audit.Entry{
				EventType:  e.Type,
				Username:   e.User,
				SourceIP:   e.RemoteAddr,
				SessionID:  e.SessionID,
				Details:    e.Details,
				DurationMs: e.Duration.Milliseconds(),
			})
		},
		Logger: log,
	}, mux)
}
