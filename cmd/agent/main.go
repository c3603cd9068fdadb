package main

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/controlplane/grpcsource"
	"github.com/cuemby/fleetagent/pkg/dispatcher"
	"github.com/cuemby/fleetagent/pkg/events"
	"github.com/cuemby/fleetagent/pkg/listener"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/security"
	"github.com/cuemby/fleetagent/pkg/settings"
	"github.com/cuemby/fleetagent/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "fleetagent - CI/CD execution agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetagent version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("work-folder", "./_work", "Agent work folder (settings, session, job workspaces)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(configureCmd, removeCmd, reauthCmd, runCmd, warmupCmd, diagnosticsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

func workFolder(cmd *cobra.Command) string {
	wf, _ := cmd.Flags().GetString("work-folder")
	return wf
}

// configureCmd registers this machine with a control plane: it saves the
// non-secret identity every later verb reloads, and files away the mTLS
// material an operator provisioned out of band (this core does not itself
// implement certificate issuance; see DESIGN.md).
var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure the agent to talk to a control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		path := settings.DefaultPath(wf)
		if settings.Exists(path) {
			return fmt.Errorf("agent already configured at %s; run 'remove' first", path)
		}

		serverURL, _ := cmd.Flags().GetString("server-url")
		agentName, _ := cmd.Flags().GetString("agent-name")
		poolID, _ := cmd.Flags().GetString("pool-id")
		certFile, _ := cmd.Flags().GetString("cert-file")
		keyFile, _ := cmd.Flags().GetString("key-file")
		caFile, _ := cmd.Flags().GetString("ca-file")
		runOnce, _ := cmd.Flags().GetBool("run-once")

		if serverURL == "" {
			return fmt.Errorf("--server-url is required")
		}
		if agentName == "" {
			var err error
			agentName, err = os.Hostname()
			if err != nil {
				agentName = "agent"
			}
		}

		agentID := uuid.NewString()

		if certFile != "" || keyFile != "" || caFile != "" {
			if certFile == "" || keyFile == "" || caFile == "" {
				return fmt.Errorf("--cert-file, --key-file, and --ca-file must all be set together")
			}
			if err := installCertMaterial(agentID, certFile, keyFile, caFile); err != nil {
				return fmt.Errorf("install certificate material: %w", err)
			}
			fmt.Println("Installed client certificate for mTLS")
		}

		s := &settings.AgentSettings{
			AgentID:    agentID,
			AgentName:  agentName,
			PoolID:     poolID,
			ServerURL:  serverURL,
			WorkFolder: wf,
			RunOnce:    runOnce,
		}
		if err := s.Save(path); err != nil {
			return err
		}

		fmt.Printf("Agent configured\n  ID:   %s\n  Name: %s\n  Pool: %s\n  Server: %s\n", agentID, agentName, poolID, serverURL)
		return nil
	},
}

func installCertMaterial(agentID, certFile, keyFile, caFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(caPEM)
	if block == nil {
		return fmt.Errorf("no PEM block found in %s", caFile)
	}

	certDir, err := security.GetCertDir("agent", agentID)
	if err != nil {
		return err
	}
	if err := security.SaveCertToFile(&cert, certDir); err != nil {
		return err
	}
	return security.SaveCACertToFile(block.Bytes, certDir)
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the agent's local configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		s, err := settings.Load(settings.DefaultPath(wf))
		if err == nil {
			if certDir, derr := security.GetCertDir("agent", s.AgentID); derr == nil {
				_ = security.RemoveCerts(certDir)
			}
		}
		if err := settings.DeleteSessionFile(wf); err != nil {
			return err
		}
		if err := settings.Remove(settings.DefaultPath(wf)); err != nil {
			return err
		}
		fmt.Println("Agent configuration removed")
		return nil
	},
}

var reauthCmd = &cobra.Command{
	Use:   "reauth",
	Short: "Re-install mTLS certificate material without reconfiguring identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		s, err := settings.Load(settings.DefaultPath(wf))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		certFile, _ := cmd.Flags().GetString("cert-file")
		keyFile, _ := cmd.Flags().GetString("key-file")
		caFile, _ := cmd.Flags().GetString("ca-file")
		if certFile == "" || keyFile == "" || caFile == "" {
			return fmt.Errorf("--cert-file, --key-file, and --ca-file are required")
		}
		if err := installCertMaterial(s.AgentID, certFile, keyFile, caFile); err != nil {
			return fmt.Errorf("install certificate material: %w", err)
		}
		fmt.Println("Certificate material refreshed")
		return nil
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Print the agent's configuration and certificate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		s, err := settings.Load(settings.DefaultPath(wf))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		fmt.Printf("Agent ID:    %s\n", s.AgentID)
		fmt.Printf("Agent Name:  %s\n", s.AgentName)
		fmt.Printf("Pool:        %s\n", s.PoolID)
		fmt.Printf("Server:      %s\n", s.ServerURL)
		fmt.Printf("Work Folder: %s\n", s.WorkFolder)
		fmt.Printf("Run Once:    %t\n", s.RunOnce)

		certDir, err := security.GetCertDir("agent", s.AgentID)
		if err == nil && security.CertExists(certDir) {
			if ca, caErr := security.LoadCACertFromFile(certDir); caErr == nil {
				info := security.GetCertInfo(ca)
				fmt.Println("Certificate:")
				for k, v := range info {
					fmt.Printf("  %s: %v\n", k, v)
				}
			}
		} else {
			fmt.Println("Certificate: not installed")
		}

		if sess, err := settings.LoadSession(wf); err == nil && sess != nil {
			fmt.Printf("Session:     %s (expires %s)\n", sess.SessionID, sess.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Println("Session:     none")
		}
		return nil
	},
}

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Validate connectivity to the control plane without registering a job session",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		s, err := settings.Load(settings.DefaultPath(wf))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		source, closeSource, err := dialControlPlane(s)
		if err != nil {
			return err
		}
		defer closeSource()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sess, err := source.CreateSession(ctx, s.AgentID, s.PoolID)
		if err != nil {
			return fmt.Errorf("control plane unreachable: %w", err)
		}
		_ = source.DeleteSession(ctx, sess)
		fmt.Println("Control plane reachable")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: long-poll the control plane and dispatch jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf := workFolder(cmd)
		s, err := settings.Load(settings.DefaultPath(wf))
		if err != nil {
			return fmt.Errorf("agent is not configured, run 'configure' first: %w", err)
		}

		workerBinary, _ := cmd.Flags().GetString("worker-binary")
		if workerBinary == "" {
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own executable path: %w", err)
			}
			workerBinary = filepath.Join(filepath.Dir(self), "agent-worker")
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		toolsDir, _ := cmd.Flags().GetString("tools-dir")
		proxyURL, _ := cmd.Flags().GetString("proxy-url")

		source, closeSource, err := dialControlPlane(s)
		if err != nil {
			return err
		}
		defer closeSource()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker.Subscribe())

		dsp := dispatcher.New(dispatcher.Config{
			WorkerBinary: workerBinary,
			OnWorkerExit: func(jobID string, result types.Result, crashed bool) {
				evt := events.EventWorkerExited
				if crashed {
					evt = events.EventWorkerCrashed
				}
				broker.Publish(&events.Event{Type: evt, Message: fmt.Sprintf("job %s finished as %s", jobID, result), Metadata: map[string]string{"jobId": jobID, "result": string(result)}})
			},
		})

		metrics.SetVersion(Version)
		metrics.RegisterComponent("controlplane", true, "connected")
		metrics.RegisterComponent("dispatcher", true, "idle")
		collector := metrics.NewCollector(dsp)
		collector.Start(15 * time.Second)
		defer collector.Stop()

		httpServer := startMetricsServer(metricsAddr)
		defer httpServer.Close()

		lst := listener.New(listener.Config{
			Source:     source,
			Dispatcher: dsp,
			AgentID:    s.AgentID,
			PoolID:     s.PoolID,
			SelfUpdate: selfUpdateFunc(broker),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker.Publish(&events.Event{Type: events.EventSessionCreated, Message: "agent starting"})
		exportRunnerEnv(s, workerBinary, containerdSocket, toolsDir, proxyURL)

		fmt.Printf("Agent %s running (pool %s, server %s)\n", s.AgentID, s.PoolID, s.ServerURL)
		return lst.Run(ctx, s.RunOnce)
	},
}

// exportRunnerEnv sets the environment variables cmd/agent-worker reads on
// startup. The Dispatcher spawns the worker as a child of this process, so
// anything set here is inherited automatically; no IPC round trip is needed
// just to hand over static configuration.
func exportRunnerEnv(s *settings.AgentSettings, workerBinary, containerdSocket, toolsDir, proxyURL string) {
	_ = os.Setenv("FLEETAGENT_SERVER_URL", s.ServerURL)
	_ = os.Setenv("FLEETAGENT_AGENT_ID", s.AgentID)
	_ = os.Setenv("FLEETAGENT_AGENT_NAME", s.AgentName)
	_ = os.Setenv("FLEETAGENT_WORK_FOLDER", s.WorkFolder)
	if containerdSocket != "" {
		_ = os.Setenv("FLEETAGENT_CONTAINERD_SOCKET", containerdSocket)
	}
	if toolsDir != "" {
		_ = os.Setenv("FLEETAGENT_TOOLS_DIR", toolsDir)
	}
	if proxyURL != "" {
		_ = os.Setenv("FLEETAGENT_PROXY_URL", proxyURL)
	}
	if certDir, err := security.GetCertDir("agent", s.AgentID); err == nil {
		_ = os.Setenv("FLEETAGENT_CERT_DIR", certDir)
	}
	_ = workerBinary
}

func selfUpdateFunc(broker *events.Broker) listener.SelfUpdateFunc {
	return func(ctx context.Context) error {
		broker.Publish(&events.Event{Type: events.EventSelfUpdateBegin, Message: "self-update requested"})
		pkgURL := os.Getenv("FLEETAGENT_UPDATE_PACKAGE_URL")
		if pkgURL == "" {
			log.Warn("agent: self-update requested but FLEETAGENT_UPDATE_PACKAGE_URL is unset, skipping")
			return nil
		}
		return fmt.Errorf("self-update from %s not implemented in this build", pkgURL)
	}
}

func logEvents(sub events.Subscriber) {
	for evt := range sub {
		log.Info(fmt.Sprintf("event %s: %s", evt.Type, evt.Message))
	}
}

func dialControlPlane(s *settings.AgentSettings) (controlplane.Source, func(), error) {
	certDir, err := security.GetCertDir("agent", s.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve cert directory: %w", err)
	}
	tlsConfig, err := security.NewClientTLSConfig(certDir, hostOf(s.ServerURL))
	if err != nil {
		return nil, nil, fmt.Errorf("load client TLS material (run 'configure' with --cert-file/--key-file/--ca-file): %w", err)
	}
	source, err := grpcsource.Dial(s.ServerURL, tlsConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("dial control plane: %w", err)
	}
	return source, func() { _ = source.Close() }, nil
}

// hostOf extracts the bare host from a server address, stripping any
// scheme and port, which is what NewClientTLSConfig verifies the server's
// certificate against.
func hostOf(addr string) string {
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

func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("agent: metrics server: " + err.Error())
		}
	}()
	fmt.Printf("Metrics endpoint: http://%s/metrics\n", addr)
	return srv
}

func init() {
	configureCmd.Flags().String("server-url", "", "Control-plane gRPC address (required)")
	configureCmd.Flags().String("agent-name", "", "Agent display name (default: hostname)")
	configureCmd.Flags().String("pool-id", "default", "Agent pool to join")
	configureCmd.Flags().String("cert-file", "", "Client certificate PEM file for mTLS")
	configureCmd.Flags().String("key-file", "", "Client private key PEM file for mTLS")
	configureCmd.Flags().String("ca-file", "", "CA certificate PEM file for mTLS")
	configureCmd.Flags().Bool("run-once", false, "Run exactly one job per 'run' invocation, then exit")

	reauthCmd.Flags().String("cert-file", "", "Client certificate PEM file for mTLS")
	reauthCmd.Flags().String("key-file", "", "Client private key PEM file for mTLS")
	reauthCmd.Flags().String("ca-file", "", "CA certificate PEM file for mTLS")

	runCmd.Flags().String("worker-binary", "", "Path to the agent-worker executable (default: next to this binary)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	runCmd.Flags().String("containerd-socket", "", "containerd socket for container-target steps (unset disables them)")
	runCmd.Flags().String("tools-dir", "", "Directory of pre-installed tool versions")
	runCmd.Flags().String("proxy-url", "", "HTTP(S) proxy for outbound requests issued by job steps")
}
