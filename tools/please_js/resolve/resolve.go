package resolve

import (
	"fmt"
	"os"

	"github.com/vitelike/esmgraph/internal/deplock"
)

// Args holds the arguments for the resolve subcommand.
type Args struct {
	Lockfile       string
	Out            string
	NoDev          bool
	SubincludePath string
}

// Run executes the resolve subcommand: parse the lockfile, resolve version
// conflicts and break dependency cycles via internal/deplock (shared with
// the live dev server's Resolver dedupe list), then emit one BUILD file per
// package plus a version-conflict target for every nested dependency whose
// version disagrees with the top-level resolution.
func Run(args Args) error {
	lf, err := deplock.Load(args.Lockfile, args.NoDev)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(args.Out, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := writePlzConfig(args.Out); err != nil {
		return fmt.Errorf("failed to write .plzconfig: %w", err)
	}

	for _, pkg := range lf.Packages {
		if err := writeBuildFile(args.Out, pkg, args.SubincludePath); err != nil {
			return fmt.Errorf("failed to write BUILD for %s: %w", pkg.Name, err)
		}
	}

	for _, ct := range lf.Conflicts {
		if err := appendConflictTarget(args.Out, ct); err != nil {
			return fmt.Errorf("failed to write conflict target %s: %w", ct.TargetName, err)
		}
	}

	total := len(lf.Packages) + len(lf.Conflicts)
	fmt.Fprintf(os.Stderr, "Generated %d npm_module rules (%d version-conflict targets)\n", total, len(lf.Conflicts))
	return nil
}
