package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WithCommand registers a template function that resolves a secret by running
// program with args followed by the reference, using trimmed stdout as the
// value. For example WithCommand("op", "op", "read") resolves
// {{ op "op://vault/item/field" }} through the 1Password CLI.
func WithCommand(name, program string, args ...string) ResolverOption {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		argv := append(append([]string{}, args...), ref)
		cmd := exec.CommandContext(ctx, program, argv...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", program, ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
