// Package firewall opens and closes internet access for captive portal clients.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrRunnerUnavailable is returned when commands cannot be executed at all
	// (binary missing, SSH unreachable). It is the only error Revoke surfaces.
	ErrRunnerUnavailable = errors.New("firewall command runner unavailable")
	// ErrInvalidAddress is returned when an IP or MAC address fails validation.
	ErrInvalidAddress = errors.New("invalid device address")
)

// Controller defines the interface for per-device access control.
type Controller interface {
	// Grant allows the device identified by ip and mac to reach the internet.
	Grant(ctx context.Context, ip, mac string) error

	// Revoke removes every allow rule for the device.
	Revoke(ctx context.Context, ip, mac string) error

	// TestConnection checks that firewall commands can be executed.
	TestConnection(ctx context.Context) error
}

// Runner executes a firewall command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError is returned by a Runner when the command ran but exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (" + out + ")"
	}
	return msg
}

// unavailable wraps a transport or exec failure as ErrRunnerUnavailable.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
}

// Rule is a single iptables allow rule.
type Rule struct {
	Name     string
	Table    string // empty means the filter table
	Chain    string
	Spec     []string
	Optional bool
}

// args builds the iptables arguments for an operation such as -C, -I or -D.
func (r Rule) args(op string) []string {
	var args []string
	if r.Table != "" {
		args = append(args, "-t", r.Table)
	}
	args = append(args, op, r.Chain)
	if op == "-I" {
		args = append(args, "1")
	}
	return append(args, r.Spec...)
}

func (r Rule) String() string {
	return strings.Join(r.args("-A"), " ")
}

// Plan returns the rules that make up access for a device. The MAC rule is
// included only when a real MAC is known; an all-zero MAC counts as unknown.
func Plan(ip, mac string) ([]Rule, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("%w: ip %q", ErrInvalidAddress, ip)
	}
	addr := parsed.String()

	rules := []Rule{
		{
			Name:  "forward",
			Chain: "FORWARD",
			Spec:  []string{"-s", addr, "-j", "ACCEPT"},
		},
		{
			Name:  "nat-bypass",
			Table: "nat",
			Chain: "PREROUTING",
			Spec:  []string{"-s", addr, "-j", "ACCEPT"},
		},
	}

	hw, err := normalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	if hw != "" {
		rules = append(rules, Rule{
			Name:     "mac",
			Chain:    "FORWARD",
			Spec:     []string{"-m", "mac", "--mac-source", hw, "-j", "ACCEPT"},
			Optional: true,
		})
	}

	return rules, nil
}

// normalizeMAC returns the lowercase colon-separated form, or "" for an
// absent or all-zero address.
func normalizeMAC(mac string) (string, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return "", nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: mac %q", ErrInvalidAddress, mac)
	}
	for _, b := range hw {
		if b != 0 {
			return hw.String(), nil
		}
	}
	return "", nil
}

// Step records what happened to one rule during a grant.
type Step struct {
	Rule    Rule
	Present bool // rule already existed, nothing inserted
	Err     error
}

// Result collects the steps of a grant.
type Result struct {
	Steps []Step
}

// Err returns the joined errors of the mandatory steps, or nil.
func (r *Result) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil && !s.Rule.Optional {
			errs = append(errs, fmt.Errorf("%s rule: %w", s.Rule.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// OptionalFailures returns the optional steps that failed.
func (r *Result) OptionalFailures() []Step {
	var out []Step
	for _, s := range r.Steps {
		if s.Err != nil && s.Rule.Optional {
			out = append(out, s)
		}
	}
	return out
}
