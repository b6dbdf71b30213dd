// main.go
package main

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/petervdpas/famcall/internal/app"
	"github.com/petervdpas/famcall/internal/config"
	"github.com/petervdpas/famcall/internal/store"
)

var log = logging.Logger("main")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := root().Execute(); err != nil {
		os.Exit(1)
	}
}

func root() *cobra.Command {
	var cfgName string
	rootCmd := &cobra.Command{
		Use:           "famcall",
		Short:         "Family video calling agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&cfgName, "config", "famcall.json", "config file, relative to the agent directory")

	rootCmd.AddCommand(
		agentCmd(&cfgName),
		feedCmd(&cfgName),
		callCmd(&cfgName),
		linkCmd(&cfgName),
		vapidCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadDir resolves an agent directory and its config. create writes a
// default config when none exists.
func loadDir(dirArg, cfgName string, create bool) (string, string, config.Config, error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		return "", "", config.Config{}, fmt.Errorf("invalid agent directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return "", "", config.Config{}, fmt.Errorf("agent directory does not exist: %s", absDir)
	}
	cfgPath := filepath.Join(absDir, cfgName)
	if create {
		cfg, created, err := config.Ensure(cfgPath)
		if created {
			log.Infof("wrote default config to %s", cfgPath)
		}
		return absDir, cfgPath, cfg, err
	}
	cfg, err := config.Load(cfgPath)
	return absDir, cfgPath, cfg, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func agentCmd(cfgName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <agent-directory>",
		Short: "run a call endpoint for the configured identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, cfg, err := loadDir(args[0], *cfgName, true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return app.Run(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg})
		},
	}
}

func feedCmd(cfgName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "feed <agent-directory>",
		Short: "serve the realtime row-change feed for a shared store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, cfg, err := loadDir(args[0], *cfgName, false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return app.RunFeed(ctx, dir, cfg)
		},
	}
}

func callCmd(cfgName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "call <agent-directory> <callee-id> <callee-role>",
		Short: "ask a running agent to place a call",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, cfg, err := loadDir(args[0], *cfgName, false)
			if err != nil {
				return err
			}
			if cfg.Control.HTTPAddr == "" {
				return fmt.Errorf("control.http_addr is not set")
			}
			body, _ := json.Marshal(map[string]string{"callee_id": args[1], "callee_role": args[2]})
			url := "http://" + app.NormalizeLocalAddr(cfg.Control.HTTPAddr) + "/api/call/start"

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(out))
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func linkCmd(cfgName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "link <agent-directory> <child-id> <member-id> <parent|family_member>",
		Short: "allow a child and a family member to call each other",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, cfg, err := loadDir(args[0], *cfgName, false)
			if err != nil {
				return err
			}
			return app.LinkFamily(cmd.Context(), dir, cfg, args[1], args[2], store.Party(args[3]))
		},
	}
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "generate a VAPID key pair for web push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := ecdh.P256().GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			enc := base64.RawURLEncoding
			fmt.Fprintf(cmd.OutOrStdout(), "private: %s\npublic:  %s\n",
				enc.EncodeToString(k.Bytes()), enc.EncodeToString(k.PublicKey().Bytes()))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "famcall v%s\n", appVersion)
		},
	}
}
