package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/novapm/novapm/internal/container"
	"github.com/novapm/novapm/internal/ipc"
)

const defaultIPCTimeout = 5 * time.Second

// defaultSocketPath mirrors the daemon's own default so the CLI works
// out of the box against `novapm daemon` run with no --socket override.
func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "novapm.sock")
	}
	return filepath.Join(os.TempDir(), "novapm.sock")
}

func dialClient() (*ipc.Client, error) {
	c, err := ipc.Dial(socketPath, ipcTimeout)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? (%w)", err)
	}
	return c, nil
}

func callAndPrint(method string, params any) error {
	c, err := dialClient()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	var out any
	if err := c.Call(method, params, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func callStatuses(method string, params any) ([]container.Status, error) {
	c, err := dialClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	var out []container.Status
	if err := c.Call(method, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}
