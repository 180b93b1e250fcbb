package backend

import (
	"context"
	"fmt"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/common/log"
)

// New builds the Framework selected by cfg.Backend.Type.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (Framework, error) {
	switch cfg.Backend.Type {
	case config.BackendDocker:
		if err := EnsureImage(ctx, cfg.Backend, logger); err != nil {
			return nil, err
		}
		return NewDockerFramework(cfg.Pipeline.Workspace, cfg.Backend, logger), nil
	case config.BackendProcess:
		return NewProcessFramework(ctx, cfg.Pipeline.Workspace, cfg.Backend.Python, cfg.Backend.RunnerScript, cfg.Backend.CheckPythonEnv, logger)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}
