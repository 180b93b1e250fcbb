package tracking

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

const (
	defaultExperimentID = "0"
	metaFileName        = "meta.yaml"
	// MLflow encodes FINISHED as 3 and local sources as 4 in run metadata.
	runStatusFinishedCode = 3
	sourceTypeLocal       = 4
)

// FileStore writes runs in the layout of MLflow's local file store so that
// `mlflow ui` can browse them. Models are copied as run artifacts and not
// registered.
type FileStore struct {
	root   string
	logger log.Logger
	now    func() time.Time
}

func NewFileStore(root string, logger log.Logger) *FileStore {
	return &FileStore{root: root, logger: logger, now: time.Now}
}

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        int64    `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

func (s *FileStore) LogEvaluation(_ context.Context, eval Evaluation) (string, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	start := s.now().UnixMilli()

	experimentID, err := s.ensureExperiment(root, "Default", start)
	if err != nil {
		return "", err
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	runDir := filepath.Join(root, experimentID, runID)
	if err := util.CreateDirectories(
		filepath.Join(runDir, "params"),
		filepath.Join(runDir, "metrics"),
		filepath.Join(runDir, "tags"),
		filepath.Join(runDir, "artifacts"),
	); err != nil {
		return "", err
	}

	for _, p := range flattenParams(eval.Params) {
		if err := os.WriteFile(filepath.Join(runDir, "params", p.Key), []byte(p.Value), 0644); err != nil {
			return runID, errors.Wrap(err, "write param")
		}
	}
	for _, m := range scoreMetrics(eval.Score, start) {
		line := fmt.Sprintf("%d %s %d\n", m.Timestamp, strconv.FormatFloat(m.Value, 'g', -1, 64), m.Step)
		if err := os.WriteFile(filepath.Join(runDir, "metrics", m.Key), []byte(line), 0644); err != nil {
			return runID, errors.Wrap(err, "write metric")
		}
	}

	if eval.ModelPath != "" {
		dst := filepath.Join(runDir, "artifacts", modelArtifactPath, filepath.Base(eval.ModelPath))
		if err := copyFile(eval.ModelPath, dst); err != nil {
			s.logger.Warnf("model artifact not copied: %v", err)
		}
	}

	meta := runMeta{
		ArtifactURI:    "file://" + filepath.Join(runDir, "artifacts"),
		EndTime:        s.now().UnixMilli(),
		ExperimentID:   experimentID,
		LifecycleStage: "active",
		RunID:          runID,
		RunName:        eval.RunName,
		RunUUID:        runID,
		SourceType:     sourceTypeLocal,
		StartTime:      start,
		Status:         runStatusFinishedCode,
		Tags:           []string{},
		UserID:         os.Getenv("USER"),
	}
	if err := writeYAML(filepath.Join(runDir, metaFileName), meta); err != nil {
		return runID, err
	}

	s.logger.Infof("run %s recorded in %s", runID, runDir)
	return runID, nil
}

func (s *FileStore) ensureExperiment(root, name string, now int64) (string, error) {
	metaPath := filepath.Join(root, defaultExperimentID, metaFileName)
	if _, err := os.Stat(metaPath); err == nil {
		return defaultExperimentID, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := util.CreateDirectories(filepath.Join(root, defaultExperimentID)); err != nil {
		return "", err
	}
	return defaultExperimentID, writeYAML(metaPath, experimentMeta{
		ArtifactLocation: "file://" + filepath.Join(root, defaultExperimentID),
		CreationTime:     now,
		ExperimentID:     defaultExperimentID,
		LastUpdateTime:   now,
		LifecycleStage:   "active",
		Name:             name,
	})
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
