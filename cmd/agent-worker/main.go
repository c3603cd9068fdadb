// Command agent-worker is the short-lived child cmd/agent's Dispatcher
// spawns to run exactly one job. It is never invoked by a human: its only
// argument form is "spawnclient <in-pipe> <out-pipe>", and every other
// setting travels in from the parent process's environment.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/fleetagent/pkg/controlplane/grpcsource"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/runtime"
	"github.com/cuemby/fleetagent/pkg/security"
	"github.com/cuemby/fleetagent/pkg/worker"
)

func main() {
	log.Init(log.Config{Level: log.Level(envOr("FLEETAGENT_LOG_LEVEL", "info")), JSONOutput: os.Getenv("FLEETAGENT_LOG_JSON") == "true"})

	if len(os.Args) != 4 || os.Args[1] != "spawnclient" {
		fmt.Fprintln(os.Stderr, "usage: agent-worker spawnclient <in-pipe> <out-pipe>")
		os.Exit(1)
	}
	toWorkerPath, fromWorkerPath := os.Args[2], os.Args[3]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := buildWorker()
	if err != nil {
		log.Error("agent-worker: " + err.Error())
		os.Exit(2)
	}

	os.Exit(w.Run(ctx, toWorkerPath, fromWorkerPath))
}

// buildWorker assembles a worker.Worker from the environment the Dispatcher
// inherited into this process. cmd/agent-worker takes no flags of its own:
// every setting a job needs to run was already decided once, at `configure`
// or `run` time, by cmd/agent.
func buildWorker() (*worker.Worker, error) {
	cfg := worker.Config{
		WorkRoot:      mustEnv("FLEETAGENT_WORK_FOLDER"),
		LogsDir:       envOr("FLEETAGENT_LOGS_DIR", ""),
		AgentID:       mustEnv("FLEETAGENT_AGENT_ID"),
		AgentName:     os.Getenv("FLEETAGENT_AGENT_NAME"),
		MachineName:   os.Getenv("FLEETAGENT_MACHINE_NAME"),
		ToolsDir:      os.Getenv("FLEETAGENT_TOOLS_DIR"),
		ProxyURL:      os.Getenv("FLEETAGENT_PROXY_URL"),
		SelfHosted:    os.Getenv("FLEETAGENT_SELF_HOSTED") == "true",
		OnPremBaseURL: os.Getenv("FLEETAGENT_ONPREM_BASE_URL"),
	}

	if n := os.Getenv("FLEETAGENT_MIN_SECRET_LENGTH"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.MinimumSecretLength = v
		}
	}
	if key := os.Getenv("FLEETAGENT_SECRETS_KEY"); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decode FLEETAGENT_SECRETS_KEY: %w", err)
		}
		sm, err := security.NewSecretsManager(raw)
		if err != nil {
			return nil, fmt.Errorf("build secrets manager: %w", err)
		}
		cfg.SecretsManager = sm
	}

	serverURL := mustEnv("FLEETAGENT_SERVER_URL")
	certDir := os.Getenv("FLEETAGENT_CERT_DIR")
	if certDir == "" {
		var err error
		certDir, err = security.GetCertDir("agent", cfg.AgentID)
		if err != nil {
			return nil, fmt.Errorf("resolve cert directory: %w", err)
		}
	}
	tlsConfig, err := security.NewClientTLSConfig(certDir, serverName(serverURL))
	if err != nil {
		return nil, fmt.Errorf("load client TLS material: %w", err)
	}
	source, err := grpcsource.Dial(serverURL, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	cfg.Source = source

	if socket := os.Getenv("FLEETAGENT_CONTAINERD_SOCKET"); socket != "" {
		rt, err := runtime.NewContainerdRuntime(socket)
		if err != nil {
			log.Warn("agent-worker: containerd unavailable, container-target steps will fail: " + err.Error())
		} else {
			cfg.ContainerRuntime = rt
		}
	}

	if v := os.Getenv("FLEETAGENT_DIAL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DialTimeout = time.Duration(n) * time.Second
		}
	}

	return worker.New(cfg), nil
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		fmt.Fprintf(os.Stderr, "agent-worker: missing required environment variable %s\n", name)
		os.Exit(2)
	}
	return v
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// serverName extracts the bare host from a server address, stripping any
// scheme and port, which is what NewClientTLSConfig verifies the presented
// certificate against. Mirrors cmd/agent's hostOf so both binaries derive
// the same TLS ServerName from the same FLEETAGENT_SERVER_URL value.
func serverName(addr string) string {
	addr = strings.TrimPrefix(addr, "grpc://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
