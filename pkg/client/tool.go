package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
)

// maxToolOutput caps how much tool output is kept in an error message.
const maxToolOutput = 2048

// Install runs "<tool> install <id>" and verifies the artifact landed in
// the cache.
func (c *client) Install(ctx context.Context, workloadID string) (string, error) {
	log := c.log.WithField("workload", workloadID)
	log.Debug("Installing workload")

	out, err := c.runTool(ctx, nil, "install", workloadID)
	if err != nil {
		return "", classifyInstall(ctx, workloadID, out, err)
	}

	path, ok := workload.LocateArtifact(c.cfg.CacheDir, workloadID)
	if !ok {
		return "", result.Errorf(result.KindConversionFailed, nil,
			"install of %s reported success but no artifact found under %s: %s",
			workloadID, c.cfg.CacheDir, truncate(out))
	}

	log.WithField("path", path).Debug("Workload installed")

	return path, nil
}

// Register runs "<tool> register <id>" against the configured endpoint.
func (c *client) Register(ctx context.Context, workloadID, artifactPath string) error {
	c.log.WithFields(logrus.Fields{
		"workload": workloadID,
		"artifact": artifactPath,
	}).Debug("Registering workload")

	env := map[string]string{endpointEnvVar: c.endpoint}

	out, err := c.runTool(ctx, env, "register", workloadID)

	return classifyRegister(ctx, workloadID, out, err)
}

// runTool executes the packaging tool and returns its combined output.
func (c *client) runTool(ctx context.Context, extraEnv map[string]string, args ...string) (string, error) {
	if c.cfg.ToolPath == "" {
		return "", fmt.Errorf("packaging tool path not configured")
	}

	cmd := exec.CommandContext(ctx, c.cfg.ToolPath, args...)
	cmd.Dir = c.cfg.WorkDir
	cmd.WaitDelay = toolWaitDelay
	cmd.Env = os.Environ()

	for k, v := range c.cfg.ToolEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var buf bytes.Buffer

	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()

	c.log.WithFields(logrus.Fields{
		"args":     strings.Join(args, " "),
		"duration": time.Since(start),
	}).Debug("Packaging tool finished")

	return buf.String(), err
}

func classifyInstall(ctx context.Context, id, out string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result.Errorf(result.KindTimeout, ctx.Err(), "install of %s exceeded its deadline", id)
	}

	lower := strings.ToLower(out)

	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return result.Errorf(result.KindArtifactNotFound, err, "artifact %s not found: %s", id, truncate(out))
	case strings.Contains(lower, "convert"):
		return result.Errorf(result.KindConversionFailed, err, "converting %s: %s", id, truncate(out))
	default:
		return result.Errorf(result.KindDownloadFailed, err, "installing %s: %s", id, truncate(out))
	}
}

func classifyRegister(ctx context.Context, id, out string, err error) error {
	lower := strings.ToLower(out)

	if strings.Contains(lower, "already registered") || strings.Contains(lower, "already exists") {
		return fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result.Errorf(result.KindRegistrationUnreachable, ctx.Err(), "registering %s exceeded its deadline", id)
	}

	if strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "unreachable") ||
		strings.Contains(lower, "no such host") {
		return result.Errorf(result.KindRegistrationUnreachable, err, "registering %s: %s", id, truncate(out))
	}

	if err != nil {
		return result.Errorf(result.KindRegistrationRejected, err, "registering %s: %s", id, truncate(out))
	}

	// The tool exits 0 on some server-side rejections.
	if strings.Contains(lower, "error") {
		return result.Errorf(result.KindRegistrationRejected, nil, "registering %s: %s", id, truncate(out))
	}

	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxToolOutput {
		return s
	}

	return "..." + s[len(s)-maxToolOutput:]
}
