// Package preflight is the Availability Preflight (C8): before C3/C6
// activate, it probes every listening port by binding and releasing, and
// separately probes for the transcoder binary on PATH. Built directly on
// net and os/exec — no repo in the pack reaches for a third-party port- or
// binary-probing library (the closest, x/sync/errgroup, is used below to
// run the port probes concurrently, grounded on its use elsewhere in the
// pack for fan-out I/O), so a bind-and-release probe is plain enough to
// write by hand rather than pull in a dependency for.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycaster/internal/errs"
)

const probeTimeout = 3 * time.Second

// PortOffender names one port that failed the bind-and-release probe.
type PortOffender struct {
	Name string
	Addr string
	Err  error
}

// ProbePorts attempts a transient bind on every named address, releasing
// immediately on success. Any in-use port aborts with a structured error
// listing every offender, not just the first.
func ProbePorts(ctx context.Context, addrs map[string]string) error {
	var g errgroup.Group
	offenders := make(chan PortOffender, len(addrs))

	for name, addr := range addrs {
		name, addr := name, addr
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			var lc net.ListenConfig
			listener, err := lc.Listen(probeCtx, "tcp", addr)
			if err != nil {
				offenders <- PortOffender{Name: name, Addr: addr, Err: err}
				return nil
			}
			return listener.Close()
		})
	}

	if err := g.Wait(); err != nil {
		return errs.New(errs.PortUnavailable, "port preflight: %v", err)
	}
	close(offenders)

	var found []PortOffender
	for o := range offenders {
		found = append(found, o)
	}
	if len(found) == 0 {
		return nil
	}

	detail := errs.New(errs.PortUnavailable, "%d port(s) already in use", len(found))
	for _, o := range found {
		detail = detail.WithDetails(fmt.Sprintf("%s (%s): %v", o.Name, o.Addr, o.Err))
	}
	return detail
}

// ProbeBinary reports whether name is discoverable on PATH. Absence is
// non-fatal to startup (the caller logs a warning) but is fatal the first
// time a relay start is attempted.
func ProbeBinary(name string) (found bool, path string) {
	resolved, err := exec.LookPath(name)
	if err != nil {
		return false, ""
	}
	return true, resolved
}
