package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// DefaultBinary is the iptables executable used when none is configured.
const DefaultBinary = "iptables"

// LocalRunner runs iptables on this host.
type LocalRunner struct {
	Binary string
	Sudo   bool
}

// Run executes the binary with args.
func (r *LocalRunner) Run(ctx context.Context, args ...string) (string, error) {
	name, argv := r.command(args)

	out, err := exec.CommandContext(ctx, name, argv...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Output: string(out)}
		}
		return "", unavailable(err)
	}
	return string(out), nil
}

func (r *LocalRunner) command(args []string) (string, []string) {
	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if r.Sudo {
		return "sudo", append([]string{"-n", binary}, args...)
	}
	return binary, args
}

// SSHConfig holds the configuration for a remote router reached over SSH.
type SSHConfig struct {
	Address    string // Router SSH address (e.g., "192.168.1.1")
	Port       int    // SSH port (default: 22)
	Username   string // SSH username (usually "root")
	Password   string
	PrivateKey string // PEM private key (alternative to password)
	Binary     string
	Sudo       bool
}

// SSHRunner runs iptables on a remote router over SSH.
type SSHRunner struct {
	config    SSHConfig
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger
}

// NewSSHRunner creates a runner for a remote router.
func NewSSHRunner(config SSHConfig, logger *zap.Logger) (*SSHRunner, error) {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Binary == "" {
		config.Binary = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var authMethods []ssh.AuthMethod

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // router on the LAN, no known_hosts
		Timeout:         10 * time.Second,
	}

	return &SSHRunner{
		config:    config,
		sshConfig: sshConfig,
		logger:    logger,
	}, nil
}

// Run executes the command on the router.
func (r *SSHRunner) Run(ctx context.Context, args ...string) (string, error) {
	addr := net.JoinHostPort(r.config.Address, strconv.Itoa(r.config.Port))

	dialer := net.Dialer{Timeout: r.sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", unavailable(fmt.Errorf("SSH connection failed: %w", err))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, r.sshConfig)
	if err != nil {
		conn.Close()
		return "", unavailable(fmt.Errorf("SSH handshake failed: %w", err))
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", unavailable(fmt.Errorf("failed to create SSH session: %w", err))
	}
	defer session.Close()

	cmd := r.commandLine(args)
	r.logger.Debug("running remote command", zap.String("cmd", cmd))

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(output), &CommandError{Args: args, ExitCode: exitErr.ExitStatus(), Output: string(output)}
		}
		return "", unavailable(fmt.Errorf("command failed: %w", err))
	}

	return string(output), nil
}

// commandLine joins args into a shell command. Arguments are validated
// addresses and fixed keywords, so no quoting is needed.
func (r *SSHRunner) commandLine(args []string) string {
	parts := make([]string, 0, len(args)+2)
	if r.config.Sudo {
		parts = append(parts, "sudo", "-n")
	}
	parts = append(parts, r.config.Binary)
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}
