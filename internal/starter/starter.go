// Package starter launches work items outside the scheduler. A Starter must
// return as soon as the item is running elsewhere; completion is learned
// separately through the poller.
package starter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/process"
)

// Request describes one item launch. BaseBranch carries the branch the item
// must build on; chains set it to the previous item's branch.
type Request struct {
	Key        string
	Title      string
	Labels     []string
	BaseBranch string
	Branch     string
	ChainID    string
}

// Starter begins execution of a work item.
type Starter interface {
	Start(ctx context.Context, req Request) error
}

// Func adapts a plain function to the Starter interface.
type Func func(ctx context.Context, req Request) error

// Start implements Starter.
func (f Func) Start(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// CommandConfig configures a CommandStarter.
type CommandConfig struct {
	// Command is the argv to spawn. Arguments may contain {key}, {title},
	// {base}, {branch} and {chain} placeholders.
	Command []string
	Dir     string
	Env     []string
}

// CommandStarter spawns a detached process per item. The process is expected
// to report its own outcome (for example with "dispatch item report").
type CommandStarter struct {
	cfg    CommandConfig
	pm     *process.ProcessManager
	logger *zap.Logger
}

// NewCommandStarter validates cfg and returns a starter. pm may be nil.
func NewCommandStarter(cfg CommandConfig, pm *process.ProcessManager, logger *zap.Logger) (*CommandStarter, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("starter command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandStarter{cfg: cfg, pm: pm, logger: logger}, nil
}

// Start implements Starter.
func (s *CommandStarter) Start(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before start: %w", err)
	}

	argv := Expand(s.cfg.Command, req)
	env := append(append([]string(nil), s.cfg.Env...), Environ(req)...)

	pid, err := process.Spawn(argv[0], argv[1:], s.cfg.Dir, env, s.pm, func(code int) {
		if code != 0 {
			s.logger.Warn("item process exited non-zero",
				zap.String("item", req.Key),
				zap.Int("exit_code", code))
		}
	})
	if err != nil {
		return err
	}

	s.logger.Info("item started",
		zap.String("item", req.Key),
		zap.String("base", req.BaseBranch),
		zap.Int("pid", pid))
	return nil
}

// Expand substitutes request placeholders in every argument.
func Expand(argv []string, req Request) []string {
	r := strings.NewReplacer(
		"{key}", req.Key,
		"{title}", req.Title,
		"{base}", req.BaseBranch,
		"{branch}", req.Branch,
		"{chain}", req.ChainID,
	)
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = r.Replace(arg)
	}
	return out
}

// Environ returns the DISPATCH_* variables describing req.
func Environ(req Request) []string {
	return []string{
		"DISPATCH_ITEM_KEY=" + req.Key,
		"DISPATCH_ITEM_TITLE=" + req.Title,
		"DISPATCH_ITEM_LABELS=" + strings.Join(req.Labels, ","),
		"DISPATCH_BASE_BRANCH=" + req.BaseBranch,
		"DISPATCH_BRANCH=" + req.Branch,
		"DISPATCH_CHAIN_ID=" + req.ChainID,
	}
}
