// Package main is the cpcd CLI entry point: start the daemon, provision a
// new instance interactively, toggle encryption binding, and query a
// running instance's control socket.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wireco/cpcd/internal/config"
	"github.com/wireco/cpcd/internal/logging"
	"github.com/wireco/cpcd/internal/security"
	"github.com/wireco/cpcd/internal/wire"
)

// Version is set at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cpcd",
		Short:   "cpcd - Co-Processor Communication daemon",
		Long:    "cpcd multiplexes logical byte-stream endpoints over a single physical link to a secondary, exposing them as local Unix domain sockets.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(bindCmd())
	rootCmd.AddCommand(unbindCmd())
	rootCmd.AddCommand(secondaryVersionsCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Long:  "Start cpcd with the given configuration, blocking until a termination signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Instance.LogLevel, cfg.Instance.LogFormat)

			d, err := NewDaemon(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build daemon: %w", err)
			}
			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				logger.Info("metrics listening", "address", cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			if metricsServer != nil {
				metricsServer.Close()
			}
			return d.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpcd.yaml", "Path to configuration file")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively provision a new instance",
		Long:  "Run a setup wizard that writes a configuration file and, if encryption is selected, a binding key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := newWizard().run()
			return err
		},
	}
}

func bindCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Enable the encrypted binding for a configured instance",
		Long:  "Turn on security.enabled in the config and provision a binding key if one does not already exist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			cfg.Security.Enabled = true
			if err := writeConfigInPlace(cfg, configPath); err != nil {
				return err
			}

			kp, created, err := security.LoadOrCreateBindingKey(cfg.Instance.DataDir)
			if err != nil {
				return fmt.Errorf("failed to provision binding key: %w", err)
			}
			if created {
				fmt.Printf("Generated binding key in %s\n", cfg.Instance.DataDir)
			}
			fmt.Printf("Binding public key: %s\n", security.KeyString(kp.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpcd.yaml", "Path to configuration file")
	return cmd
}

func unbindCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "unbind",
		Short: "Disable the encrypted binding for a configured instance",
		Long:  "Turn off security.enabled in the config and remove the persisted binding key, forcing a fresh one on the next bind.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			cfg.Security.Enabled = false
			if err := writeConfigInPlace(cfg, configPath); err != nil {
				return err
			}

			keyPath := cfg.Security.BindingKeyFile
			if !filepath.IsAbs(keyPath) {
				keyPath = filepath.Join(cfg.Instance.DataDir, keyPath)
			}
			if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove binding key: %w", err)
			}
			fmt.Println("Encryption disabled and binding key removed.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpcd.yaml", "Path to configuration file")
	return cmd
}

func secondaryVersionsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "secondary-versions",
		Short: "Print the control-socket protocol version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			conn, err := dialControl(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			reply, err := request(conn, wire.Message{Type: wire.TypeVersionQuery})
			if err != nil {
				return err
			}
			if len(reply.Payload) != 1 {
				return fmt.Errorf("malformed VersionQuery reply")
			}
			fmt.Printf("control protocol version: %d\n", reply.Payload[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpcd.yaml", "Path to configuration file")
	return cmd
}

func statusCmd() *cobra.Command {
	var configPath string
	var endpoint uint8
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running instance's endpoint status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			conn, err := dialControl(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			reply, err := request(conn, wire.Message{Type: wire.TypeEndpointStatusQuery, Endpoint: endpoint})
			if err != nil {
				return err
			}
			status, err := wire.DecodeEndpointStatus(reply.Payload)
			if err != nil {
				return err
			}
			fmt.Printf("endpoint %d: state=%d error=%d\n", endpoint, status.State, status.ErrorReason)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./cpcd.yaml", "Path to configuration file")
	cmd.Flags().Uint8VarP(&endpoint, "endpoint", "e", 1, "Endpoint id to query")
	return cmd
}

func dialControl(cfg *config.Config) (*net.UnixConn, error) {
	path := filepath.Join(cfg.Instance.SocketDir, cfg.Instance.Name, "ctrl.cpcd.sock")
	conn, err := net.DialTimeout("unixpacket", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type for %s", path)
	}
	return uc, nil
}

func request(conn *net.UnixConn, msg wire.Message) (wire.Message, error) {
	if err := wire.WriteTo(conn, msg); err != nil {
		return wire.Message{}, fmt.Errorf("failed to send request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return wire.ReadFrom(conn, wire.MaxPayloadLen+8)
}

func writeConfigInPlace(cfg *config.Config, path string) error {
	return newWizard().writeConfig(cfg, path)
}
