// Command ardb-server runs the replication-focused server: a storage
// engine, the replication service (master role), and, when configured as
// a replica, an outbound slave client. The Redis command surface is
// intentionally the minimal one in internal/command.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ardbgo/ardb/internal/command"
	"github.com/ardbgo/ardb/internal/config"
	"github.com/ardbgo/ardb/internal/oplog"
	"github.com/ardbgo/ardb/internal/protocol"
	"github.com/ardbgo/ardb/internal/repliclient"
	"github.com/ardbgo/ardb/internal/replication"
	"github.com/ardbgo/ardb/internal/storage"
	"go.uber.org/zap"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Host to bind to")
	port := flag.Int("port", 6379, "Port to listen on")
	dataDir := flag.String("repl-data-dir", "./repl", "Directory for op-log segments and replication state")
	role := flag.String("replication-role", "master", "Replication role (master/replica)")
	masterHost := flag.String("replication-master-host", "", "Master host, required when replication-role=replica")
	masterPort := flag.Int("replication-master-port", 6379, "Master port for replica")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.DefaultConfig()
	cfg.ReplDataDir = *dataDir

	if err := run(*host, *port, *role, *masterHost, *masterPort, cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(host string, port int, role, masterHost string, masterPort int, cfg *config.Config, logger *zap.Logger) error {
	serverKey, err := loadOrCreateServerKey(cfg.ReplDataDir)
	if err != nil {
		return fmt.Errorf("ardb-server: %w", err)
	}

	store, err := oplog.Open(oplog.Options{
		DataDir:       cfg.ReplDataDir,
		RingCapacity:  cfg.RingCapacity,
		BacklogSize:   cfg.ReplBacklogSize,
		MaxBackupLogs: cfg.ReplMaxBackupLogs,
		ServerKey:     serverKey,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("ardb-server: open op-log: %w", err)
	}

	engine := storage.NewMemEngine()
	svc := replication.New(cfg, store, engine, logger)
	svc.Init()

	dispatcher := command.New(engine, svc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()

	if role == "replica" {
		if masterHost == "" {
			return fmt.Errorf("ardb-server: replication-master-host is required when replication-role=replica")
		}
		// In a mesh topology this master also replicates from masterHost;
		// recognize that peer's own connection back to us so we never
		// forward its from_master ops right back to it.
		svc.SetUpstreamHost(masterHost)
		client, err := repliclient.New(repliclient.Options{
			DataDir:                cfg.ReplDataDir,
			ReplTimeout:            cfg.ReplTimeout,
			SyncStatePersistPeriod: cfg.ReplSyncStatePersistPeriod,
			ListeningPort:          port,
			Executor:               dispatcher,
			Logger:                 logger,
			Dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", masterHost, masterPort))
			},
		})
		if err != nil {
			return fmt.Errorf("ardb-server: build replication client: %w", err)
		}
		go func() { errCh <- client.Run(ctx) }()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("ardb-server: listen: %w", err)
	}
	defer ln.Close()
	logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("role", role))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	acceptLoop(ctx, ln, dispatcher, logger)

	if err := store.Close(); err != nil {
		logger.Warn("failed to close op-log store", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, dispatcher *command.Dispatcher, logger *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go serveConn(conn, dispatcher, logger)
	}
}

// serveConn runs the client command loop until error or the connection is
// detached into the replication service by a sync/arsync verb (the
// dispatcher returns a nil reply in that case and the service owns the
// socket from then on).
func serveConn(conn net.Conn, dispatcher *command.Dispatcher, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic handling connection", zap.Any("recover", r))
		}
	}()

	r := bufio.NewReader(conn)
	for {
		cmd, err := protocol.ParseCommand(r)
		if err != nil {
			conn.Close()
			return
		}

		reply := dispatcher.Execute(conn, cmd)
		if reply == nil {
			// Detached into replication (sync/arsync): this goroutine no
			// longer owns the socket's read loop and stops driving it.
			// Any other nil reply only skips the write.
			verb := ""
			if len(cmd.Args) > 0 {
				verb = cmd.Args[0]
			}
			if isSyncVerb(verb) {
				return
			}
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			conn.Close()
			return
		}
	}
}

func isSyncVerb(verb string) bool {
	switch verb {
	case "sync", "SYNC", "arsync", "ARSYNC":
		return true
	default:
		return false
	}
}

// loadOrCreateServerKey returns this node's replication identity: a
// 20-byte random value hex-encoded to 40 characters, generated at first
// boot and persisted alongside the op-log state.
func loadOrCreateServerKey(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "server.key")
	if data, err := os.ReadFile(path); err == nil {
		key := string(data)
		if len(key) == 40 {
			return key, nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create repl data dir: %w", err)
	}
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate server key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(key), 0o644); err != nil {
		return "", fmt.Errorf("persist server key: %w", err)
	}
	return key, nil
}
