package backend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lungscan/classifier-broker/classifier/internal/utils"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

// processInvoker runs the runner script with a local interpreter in the
// workspace directory.
type processInvoker struct {
	python string
	script string
	logger log.Logger
}

func (p *processInvoker) inContainer() bool { return false }

func (p *processInvoker) invoke(ctx context.Context, paths *utils.RunPaths) error {
	_, err := util.RunCommandInDir(ctx, paths.Workspace, p.python,
		[]string{p.script, "--request", paths.Request, "--result", paths.Result}, p.logger)
	return err
}

// NewProcessFramework returns a Framework running script with python in
// workspace. A relative script is taken relative to the process working
// directory. When checkEnv is set the interpreter's packages are verified
// first.
func NewProcessFramework(ctx context.Context, workspace, python, script string, checkEnv bool, logger log.Logger) (Framework, error) {
	script, err := filepath.Abs(script)
	if err != nil {
		return nil, errors.Wrap(err, "runner script")
	}
	if _, err := os.Stat(script); err != nil {
		return nil, errors.Wrap(err, "runner script")
	}
	if checkEnv {
		if err := util.CheckPythonEnv(ctx, python, util.TrainingPackages, logger); err != nil {
			return nil, err
		}
	}
	inv := &processInvoker{python: python, script: script, logger: logger}
	return newRunnerFramework(workspace, inv, logger), nil
}
