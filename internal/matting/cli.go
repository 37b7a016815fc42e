package matting

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const killWaitDelay = 2 * time.Second

// CLIBackend runs the rembg command line tool once per image:
//
//	rembg i [-m model] <input> <output>
//
// Input and output live in a private temporary directory that is removed
// whether or not the command succeeds.
type CLIBackend struct {
	binary string
	model  string
	tmpDir string
	logger *zap.Logger
}

// NewCLIBackend builds a backend invoking binary. An empty model keeps the
// tool's default model.
func NewCLIBackend(binary, model string, logger *zap.Logger) *CLIBackend {
	return &CLIBackend{
		binary: binary,
		model:  model,
		logger: logger.Named("matting_cli"),
	}
}

func (b *CLIBackend) Remove(ctx context.Context, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(b.tmpDir, "bgremove-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Warn("failed to remove work dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output.png")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args := []string{"i"}
	if b.model != "" {
		args = append(args, "-m", b.model)
	}
	args = append(args, input, output)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Stderr = &stderr
	// Children of the tool may keep stderr open after it is killed.
	cmd.WaitDelay = killWaitDelay
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", b.binary, err, lastLine(msg))
		}
		return nil, fmt.Errorf("%s: %w", b.binary, err)
	}

	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return out, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
