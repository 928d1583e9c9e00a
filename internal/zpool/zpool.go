// Package zpool reads pool capacity from the zpool(8) command.
package zpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotFound is returned when zpool reports no line for the requested pool.
var ErrNotFound = errors.New("pool not found")

// Capacity is one pool's size as reported by `zpool list -Hp`.
type Capacity struct {
	Name           string
	TotalBytes     int64
	AvailableBytes int64
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec. Standard error is folded into
// the returned error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Probe reads pool capacity.
type Probe struct {
	// Binary defaults to "zpool".
	Binary string
	// Run defaults to ExecRunner.
	Run Runner
}

// Capacity returns size and free space of pool in bytes.
func (p *Probe) Capacity(ctx context.Context, pool string) (Capacity, error) {
	bin := p.Binary
	if bin == "" {
		bin = "zpool"
	}
	run := p.Run
	if run == nil {
		run = ExecRunner
	}

	out, err := run(ctx, bin, "list", "-Hp", "-o", "name,size,free", pool)
	if err != nil {
		return Capacity{}, fmt.Errorf("list pool %q: %w", pool, err)
	}
	pools, err := ParseList(out)
	if err != nil {
		return Capacity{}, err
	}
	for _, c := range pools {
		if c.Name == pool {
			return c, nil
		}
	}
	return Capacity{}, fmt.Errorf("%w: %q", ErrNotFound, pool)
}

// ParseList parses the tab-separated "name size free" lines printed by
// `zpool list -Hp -o name,size,free`. Blank lines are skipped.
func ParseList(out []byte) ([]Capacity, error) {
	var pools []Capacity
	for i, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", i+1, len(fields))
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: size: %w", i+1, err)
		}
		free, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: free: %w", i+1, err)
		}
		pools = append(pools, Capacity{Name: fields[0], TotalBytes: size, AvailableBytes: free})
	}
	return pools, nil
}
