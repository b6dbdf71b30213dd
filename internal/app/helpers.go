// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/famcall/internal/config"
)

// NormalizeLocalAddr ensures the control API only binds to localhost.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

// WaitTCP polls addr until it accepts a connection or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(dir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("famcall agent")
	log.Infof(" Agent folder : %s", dir)
	log.Infof(" Config file  : %s", cfgPath)
	log.Infof(" Identity     : %s (%s)", cfg.Identity.ID, cfg.Identity.Role)
	log.Info("")
	log.Info(" This process is ONE call endpoint.")
	log.Info(" Different folder/config = different endpoint.")
	log.Info("────────────────────────────────────────")
}
