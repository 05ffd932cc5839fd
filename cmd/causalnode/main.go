package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"vclocknet/internal/admin"
	"vclocknet/internal/codec"
	"vclocknet/internal/config"
	"vclocknet/internal/console"
	"vclocknet/internal/link"
	"vclocknet/internal/logging"
	"vclocknet/internal/membership"
	"vclocknet/internal/metrics"
	"vclocknet/internal/node"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("causalnode", flag.ContinueOnError)
	var (
		nodeID      = fs.String("node-id", "1", "process id of this node")
		listen      = fs.String("listen", "", "listen address (defaults to this node's group address)")
		group       = fs.String("group", "", "group members in ClockIndex order: id1=addr1,id2=addr2,... (defaults to 3 members on 127.0.0.1:8001-8003)")
		codecName   = fs.String("codec", codec.NameJSON, "wire codec: json or proto")
		dialTimeout = fs.Duration("dial-timeout", link.DefaultDialTimeout, "outbound connect timeout")
		readTimeout = fs.Duration("read-timeout", 0, "inbound read timeout (0 disables)")
		retries     = fs.Uint64("send-retries", 0, "retries for sends to unreachable peers")
		suspect     = fs.Duration("suspect-timeout", 10*time.Second, "how long a peer stays suspect before it is reported dead")
		adminAddr   = fs.String("admin", "", "admin HTTP address (empty disables)")
		grpcAddr    = fs.String("grpc", "", "gRPC health address (empty disables)")
		auditFile   = fs.String("audit-file", "", "append causal events to this file")
		logLevel    = fs.String("log-level", "info", "log level: debug, info, warn, error")
		logDev      = fs.Bool("log-dev", false, "human-readable development logging")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	peers := config.DefaultGroup(3)
	if *group != "" {
		var err error
		if peers, err = config.ParsePeers(*group); err != nil {
			return nil, fmt.Errorf("invalid --group: %w", err)
		}
	}

	cfg := &config.Config{
		NodeID:         *nodeID,
		ListenAddr:     *listen,
		Group:          peers,
		Codec:          *codecName,
		DialTimeout:    *dialTimeout,
		ReadTimeout:    *readTimeout,
		SendRetries:    *retries,
		SuspectTimeout: *suspect,
		AdminAddr:      *adminAddr,
		GRPCAddr:       *grpcAddr,
		AuditFile:      *auditFile,
		LogLevel:       *logLevel,
		LogDev:         *logDev,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := codec.New(cfg.Codec, cfg.Size())
	if err != nil {
		return err
	}

	var sender link.Sender = &link.Dialer{Timeout: cfg.DialTimeout, Logger: logger}
	if cfg.SendRetries > 0 {
		sender = &link.Retrying{Next: sender, MaxRetries: cfg.SendRetries, InitialInterval: 100 * time.Millisecond, Logger: logger}
	}

	m := metrics.New(cfg.NodeID)
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := admin.NewHub(logger)
	members := membership.NewMembership(cfg.NodeID, cfg.Group, cfg.SuspectTimeout, logger)
	health := admin.NewHealth(logger)

	opts := []node.Option{
		node.WithCodec(c),
		node.WithSender(sender),
		node.WithResolver(cfg),
		node.WithLogger(logger),
		node.WithObserver(m, hub, members),
		node.WithStateListener(m.SetState, health.SetState),
	}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, node.WithListenOptions(link.WithReadTimeout(cfg.ReadTimeout)))
	}
	if cfg.AuditFile != "" {
		audit, err := logging.OpenAudit(cfg.AuditFile)
		if err != nil {
			return err
		}
		defer audit.Close()
		opts = append(opts, node.WithObserver(audit))
	}

	n, err := node.New(node.Config{
		NodeID:     cfg.NodeID,
		Index:      cfg.Index(),
		Size:       cfg.Size(),
		ListenAddr: cfg.Listen(),
	}, opts...)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		if errors.Is(err, link.ErrBind) {
			logger.Error("cannot bind listening endpoint", zap.String("addr", cfg.Listen()), zap.Error(err))
		}
		return err
	}

	var httpSrv *admin.HTTPServer
	if cfg.AdminAddr != "" {
		httpSrv = admin.NewHTTPServer(n, hub, m.Handler(), logger).WithPeers(members)
		if err := httpSrv.Start(cfg.AdminAddr); err != nil {
			n.Shutdown()
			return err
		}
	}
	if cfg.GRPCAddr != "" {
		if err := health.Start(cfg.GRPCAddr); err != nil {
			n.Shutdown()
			return err
		}
	}

	fmt.Printf("node %s (index %d of %d) listening on %s\n", n.ID(), n.Index(), n.Size(), n.Addr())
	fmt.Println("type 'help' for commands")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := console.New(n, cfg.Group, os.Stdout).WithMembership(members)
	if err := loop.Run(ctx, os.Stdin); err != nil {
		logger.Warn("console", zap.Error(err))
	}

	n.Shutdown()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("admin http shutdown", zap.Error(err))
		}
	}
	if cfg.GRPCAddr != "" {
		health.Stop()
	}
	fmt.Printf("node %s stopped with clock %v\n", n.ID(), n.Snapshot())
	return nil
}
