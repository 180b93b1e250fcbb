package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	RunsDirName       = ".runs"
	RequestFileName   = "request.json"
	ResultFileName    = "result.json"
	ContainerBasePath = "/app/mnt"
)

// RunPaths locates one runner invocation. Host paths live below the
// workspace; the workspace is mounted at ContainerBasePath inside the
// execution container.
type RunPaths struct {
	Workspace        string
	RunDir           string
	Request          string
	Result           string
	ContainerRunDir  string
	ContainerRequest string
	ContainerResult  string
}

func NewRunPaths(workspace string, id uuid.UUID) (*RunPaths, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	rel := filepath.Join(RunsDirName, id.String())
	runDir := filepath.Join(abs, rel)
	containerRunDir := filepath.Join(ContainerBasePath, rel)
	return &RunPaths{
		Workspace:        abs,
		RunDir:           runDir,
		Request:          filepath.Join(runDir, RequestFileName),
		Result:           filepath.Join(runDir, ResultFileName),
		ContainerRunDir:  containerRunDir,
		ContainerRequest: filepath.Join(containerRunDir, RequestFileName),
		ContainerResult:  filepath.Join(containerRunDir, ResultFileName),
	}, nil
}

func (p *RunPaths) Init() error {
	return os.MkdirAll(p.RunDir, 0755)
}

func (p *RunPaths) Cleanup() error {
	return os.RemoveAll(p.RunDir)
}

// ToContainer maps a host path into the container mount. Relative paths are
// taken relative to the workspace, which is also the container's working
// directory, and pass through unchanged.
func (p *RunPaths) ToContainer(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return path, nil
	}
	rel, err := filepath.Rel(p.Workspace, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s is outside the workspace %s", path, p.Workspace)
	}
	return filepath.Join(ContainerBasePath, rel), nil
}
