package util

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/lungscan/classifier-broker/common/log"
)

var TrainingPackages = []string{"tensorflow", "numpy", "scipy"}

func RunCommand(ctx context.Context, command string, args []string, logger log.Logger) (string, error) {
	return RunCommandInDir(ctx, "", command, args, logger)
}

// RunCommandInDir is RunCommand with the working directory set to dir. An
// empty dir keeps the current directory.
func RunCommandInDir(ctx context.Context, dir, command string, args []string, logger log.Logger) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		return "", fmt.Errorf("Error executing script: %v, stderr %s", err, stderr)
	}

	if logger != nil {
		logger.Debug(command, args, " stdout: ", stdout)
		if len(stderr) > 0 {
			logger.Debug(command, args, " stderr: ", stderr)
		}
	}

	return stdout, nil
}

// CheckPythonEnv makes sure the interpreter is usable and the packages the
// runner imports are installed, installing missing ones with pip.
func CheckPythonEnv(ctx context.Context, python string, requiredPackages []string, logger log.Logger) error {
	if _, err := RunCommand(ctx, python, []string{"--version"}, logger); err != nil {
		return err
	}

	if _, err := RunCommand(ctx, python, []string{"-m", "pip", "--version"}, logger); err != nil {
		return err
	}

	for _, packageName := range requiredPackages {
		if _, err := RunCommand(ctx, python, []string{"-m", "pip", "show", packageName}, logger); err != nil {
			output, err := RunCommand(ctx, python, []string{"-m", "pip", "install", packageName}, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", output, err)
			}
		}
	}

	return nil
}
