package app

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.ocapkernel.dev/kernel/internal/kernel"
)

// processWorkers spawns each vat as a child process that speaks the JSON-RPC
// worker protocol of package vat over its stdin/stdout, per the "black box"
// worker contract of §1. bundleSpec is treated as the executable to run; the
// vat ID is passed as its sole argument so a worker can identify itself in
// its own logs.
type processWorkers struct {
	mu   sync.Mutex
	cmds map[kernel.VatID]*exec.Cmd
}

func newProcessWorkers() *processWorkers {
	return &processWorkers{cmds: make(map[kernel.VatID]*exec.Cmd)}
}

type stdioPipe struct {
	io.ReadCloser
	io.Writer
}

func (p stdioPipe) Close() error { return p.ReadCloser.Close() }

func (w *processWorkers) Spawn(ctx context.Context, vatID kernel.VatID, bundleSpec string) (io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, bundleSpec, string(vatID))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("kerneld: failed to start vat worker %s: %w", vatID, err)
	}

	w.mu.Lock()
	w.cmds[vatID] = cmd
	w.mu.Unlock()

	return stdioPipe{ReadCloser: stdout, Writer: stdin}, nil
}

func (w *processWorkers) Kill(ctx context.Context, vatID kernel.VatID) error {
	w.mu.Lock()
	cmd, ok := w.cmds[vatID]
	delete(w.cmds, vatID)
	w.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
