// Package interception checks that the local TLS interception proxy is running. The
// worker refuses to claim work while it is down, since a capture would go unobserved.
package interception

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"time"
)

// Compiled-in proxy location. Hosts with systemd are checked by unit, others by port.
const (
	DefaultUnit = "sslsplit"
	DefaultAddr = "127.0.0.1:8443"
)

// Checker reports whether the proxy is up.
type Checker interface {
	Live(ctx context.Context) (bool, error)
}

// Detect picks the check for this host: the systemd unit when systemctl is on PATH,
// otherwise a dial of the proxy's listening address.
func Detect() Checker {
	if path, err := exec.LookPath("systemctl"); err == nil {
		s := NewSystemd(DefaultUnit)
		s.Systemctl = path
		return s
	}
	return TCP{Addr: DefaultAddr}
}

// Systemd reports a unit as live when `systemctl is-active --quiet` exits zero.
type Systemd struct {
	Unit      string
	Systemctl string
}

// NewSystemd returns a probe for unit.
func NewSystemd(unit string) Systemd {
	if unit == "" {
		unit = DefaultUnit
	}
	return Systemd{Unit: unit, Systemctl: "systemctl"}
}

// Live reports whether the unit is active. An inactive unit is (false, nil); an error
// means systemctl itself could not be run.
func (s Systemd) Live(ctx context.Context) (bool, error) {
	// #nosec G204 -- unit name comes from compiled-in configuration.
	err := exec.CommandContext(ctx, s.Systemctl, "is-active", "--quiet", s.Unit).Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		return false, nil
	default:
		return false, fmt.Errorf("run systemctl: %w", err)
	}
}

// TCP reports the proxy as live when its listening port accepts a connection.
type TCP struct {
	Addr    string
	Timeout time.Duration
}

// Live dials Addr once.
func (t TCP) Live(ctx context.Context) (bool, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}
