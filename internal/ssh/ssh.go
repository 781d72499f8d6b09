// Package ssh provides the SSH fallback transport. When neither stored nor
// ambient credentials reach a workspace, commands are run on a jump host
// that can reach the compute backend with its own tooling.
package ssh

import (
	"fmt"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
)

// Default SSH configuration values.
const (
	DefaultUser           = "agent"
	DefaultHost           = "localhost"
	DefaultPort           = 22
	DefaultConnectTimeout = 2
)

// Options configures SSH connection parameters.
type Options struct {
	Port               int
	User               string
	Host               string
	IdentityFile       string
	StrictHostKeyCheck bool
	KnownHostsFile     string
	ConnectTimeout     int
	BatchMode          bool
	RequestTTY         bool
}

// DefaultOptions returns Options with sensible defaults for a jump host.
func DefaultOptions(host string) Options {
	return Options{
		Port:               DefaultPort,
		User:               DefaultUser,
		Host:               host,
		StrictHostKeyCheck: false,
		KnownHostsFile:     "/dev/null",
		ConnectTimeout:     DefaultConnectTimeout,
		BatchMode:          false,
		RequestTTY:         false,
	}
}

// FromConfig returns Options for the configured jump host.
func FromConfig(cfg config.SSHConfig) Options {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	opts := DefaultOptions(host)
	if cfg.User != "" {
		opts.User = cfg.User
	}
	if cfg.Port != 0 {
		opts.Port = cfg.Port
	}
	if cfg.ConnectTimeout > 0 {
		opts.ConnectTimeout = cfg.ConnectTimeout
	}
	opts.IdentityFile = cfg.IdentityFile
	opts.StrictHostKeyCheck = cfg.StrictHostKeyCheck
	// Strict checking against /dev/null would reject every host.
	if cfg.KnownHostsFile != "" || cfg.StrictHostKeyCheck {
		opts.KnownHostsFile = cfg.KnownHostsFile
	}
	return opts
}

// WithBatchMode returns a copy with batch mode enabled.
func (o Options) WithBatchMode() Options {
	o.BatchMode = true
	return o
}

// WithTTY returns a copy with TTY requested.
func (o Options) WithTTY() Options {
	o.RequestTTY = true
	return o
}

// WithTimeout returns a copy with the specified connect timeout.
func (o Options) WithTimeout(seconds int) Options {
	o.ConnectTimeout = seconds
	return o
}

// BaseArgs returns the common SSH arguments (options only, no user@host).
func (o Options) BaseArgs() []string {
	var args []string

	if o.Port != 0 && o.Port != DefaultPort {
		args = append(args, "-p", fmt.Sprintf("%d", o.Port))
	}

	if o.IdentityFile != "" {
		args = append(args, "-i", o.IdentityFile, "-o", "IdentitiesOnly=yes")
	}

	if !o.StrictHostKeyCheck {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}

	if o.KnownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", o.KnownHostsFile))
	}

	if o.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}

	if o.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", o.ConnectTimeout))
	}

	if o.RequestTTY {
		args = append(args, "-tt")
	}

	return args
}

// Destination returns the user@host string.
func (o Options) Destination() string {
	return fmt.Sprintf("%s@%s", o.User, o.Host)
}

// BuildArgs returns complete SSH arguments for executing a command.
func (o Options) BuildArgs(command ...string) []string {
	args := o.BaseArgs()
	args = append(args, o.Destination())
	args = append(args, command...)
	return args
}

// BuildArgsWithArgv returns complete SSH arguments including "ssh" as argv[0].
func (o Options) BuildArgsWithArgv(command ...string) []string {
	args := []string{"ssh"}
	args = append(args, o.BuildArgs(command...)...)
	return args
}
