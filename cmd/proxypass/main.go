// Command proxypass runs the relay.
//
// Usage:
//
//	proxypass --config config.yml
//	proxypass keygen
//
// A default config.yml is written on first run.
package main

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/getlantern/proxypass"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "proxypass",
		Short:        "Relay a game client to a server and observe the traffic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yml", "Path to the YAML config file")
	cmd.AddCommand(keygenCmd())
	return cmd
}

func run(configPath string) error {
	log := logrus.New()

	written, err := proxypass.WriteDefaultConfig(configPath)
	if err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	if written {
		log.WithField("path", configPath).Info("Wrote default config")
	}
	config, err := proxypass.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if config.LogLevel != "" {
		level, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		log.SetLevel(level)
	}

	proxy, err := proxypass.NewProxy(config, log)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		proxy.Close()
	}()

	return proxy.ListenAndServe()
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-384 keypair for use as a trusted key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := proxypass.GenerateKeyPair()
			if err != nil {
				return err
			}
			pub, err := kp.PublicKeyString()
			if err != nil {
				return err
			}
			priv, err := x509.MarshalPKCS8PrivateKey(kp.Private)
			if err != nil {
				return fmt.Errorf("encoding private key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Public key:  %s\n", pub)
			fmt.Fprintf(out, "Private key: %s\n", base64.StdEncoding.EncodeToString(priv))
			return nil
		},
	}
}
