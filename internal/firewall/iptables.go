package firewall

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// maxDeletes bounds the delete loop for one rule. Concurrent grants can leave
// duplicates.
const maxDeletes = 16

// iptables exit statuses.
const (
	exitRuleMissing = 1
	exitResource    = 4
)

// IPTables enforces access with iptables rules through a Runner.
type IPTables struct {
	runner Runner
	logger *zap.Logger
}

// NewIPTables creates an iptables controller.
func NewIPTables(runner Runner, logger *zap.Logger) *IPTables {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPTables{
		runner: runner,
		logger: logger,
	}
}

// Apply inserts every rule of the device's plan that is not already present
// and reports each step.
func (f *IPTables) Apply(ctx context.Context, ip, mac string) (*Result, error) {
	rules, err := Plan(ip, mac)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, rule := range rules {
		step := Step{Rule: rule}

		present, err := f.exists(ctx, rule)
		switch {
		case err != nil:
			step.Err = err
		case present:
			step.Present = true
		default:
			_, step.Err = f.run(ctx, rule.args("-I")...)
		}

		result.Steps = append(result.Steps, step)
		if errors.Is(step.Err, ErrRunnerUnavailable) {
			break
		}
	}

	return result, nil
}

// Grant opens access for the device. Failure of a mandatory rule fails the
// grant; a failed MAC rule is logged only.
func (f *IPTables) Grant(ctx context.Context, ip, mac string) error {
	result, err := f.Apply(ctx, ip, mac)
	if err != nil {
		return err
	}

	for _, step := range result.OptionalFailures() {
		f.logger.Warn("optional firewall rule failed",
			zap.String("rule", step.Rule.String()),
			zap.Error(step.Err),
		)
	}

	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to grant access for %s: %w", ip, err)
	}

	f.logger.Debug("access granted",
		zap.String("ip", ip),
		zap.String("mac", mac),
		zap.Int("rules", len(result.Steps)),
	)
	return nil
}

// Revoke deletes every rule variant for the device, repeating each delete
// until iptables reports the rule missing. Missing rules are not errors; any
// other failure of a mandatory rule is returned so the caller knows the
// device may still have access.
func (f *IPTables) Revoke(ctx context.Context, ip, mac string) error {
	rules, err := Plan(ip, mac)
	if err != nil {
		return err
	}

	var errs []error
	for _, rule := range rules {
		removed := 0
		for removed < maxDeletes {
			_, err := f.run(ctx, rule.args("-D")...)
			if err == nil {
				removed++
				continue
			}
			if ruleMissing(err) {
				break
			}
			if errors.Is(err, ErrRunnerUnavailable) {
				return fmt.Errorf("failed to revoke access for %s: %s rule: %w", ip, rule.Name, err)
			}
			if rule.Optional {
				f.logger.Warn("optional firewall rule not removed",
					zap.String("rule", rule.String()),
					zap.Error(err),
				)
			} else {
				errs = append(errs, fmt.Errorf("%s rule: %w", rule.Name, err))
			}
			break
		}
		if removed > 1 {
			f.logger.Info("removed duplicate firewall rules",
				zap.String("rule", rule.String()),
				zap.Int("count", removed),
			)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to revoke access for %s: %w", ip, err)
	}

	f.logger.Debug("access revoked", zap.String("ip", ip), zap.String("mac", mac))
	return nil
}

// TestConnection verifies that iptables can be invoked.
func (f *IPTables) TestConnection(ctx context.Context) error {
	if _, err := f.run(ctx, "-S", "FORWARD"); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// exists runs iptables -C. Only exit status 1 means the rule is absent.
func (f *IPTables) exists(ctx context.Context, rule Rule) (bool, error) {
	_, err := f.run(ctx, rule.args("-C")...)
	switch {
	case err == nil:
		return true, nil
	case ruleMissing(err):
		return false, nil
	default:
		return false, err
	}
}

// run invokes iptables with -w so concurrent callers queue on the xtables
// lock. Exit status 4 (permission denied, lock not acquired) means the host
// cannot be driven at all and is reported as ErrRunnerUnavailable.
func (f *IPTables) run(ctx context.Context, args ...string) (string, error) {
	out, err := f.runner.Run(ctx, append([]string{"-w"}, args...)...)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == exitResource {
		return out, unavailable(err)
	}
	return out, err
}

// ruleMissing reports whether iptables exited because the rule does not exist.
func ruleMissing(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.ExitCode == exitRuleMissing
}

// Noop is a controller for development or when no firewall is configured.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a no-op controller that only logs.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Grant logs and does nothing.
func (n *Noop) Grant(_ context.Context, ip, mac string) error {
	n.logger.Info("noop grant", zap.String("ip", ip), zap.String("mac", mac))
	return nil
}

// Revoke logs and does nothing.
func (n *Noop) Revoke(_ context.Context, ip, mac string) error {
	n.logger.Info("noop revoke", zap.String("ip", ip), zap.String("mac", mac))
	return nil
}

// TestConnection always succeeds.
func (n *Noop) TestConnection(context.Context) error {
	return nil
}
