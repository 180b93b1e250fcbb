// Package testutil provides fixtures shared by the pipeline, service and
// handler tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/schema"
)

const ParamsYAML = `AUGMENTATION: True
IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 2
INCLUDE_TOP: False
EPOCHS: 1
CLASSES: 2
WEIGHTS: imagenet
LEARNING_RATE: 0.01
`

// Workspace is a pipeline configuration rooted in a temporary directory.
type Workspace struct {
	Root       string
	ConfigFile string
	ParamsFile string
	ScoreFile  string
}

// NewWorkspace writes config.yaml and params.yaml that download the dataset
// from sourceURL and keep every artifact below a temporary directory.
func NewWorkspace(t *testing.T, sourceURL string) *Workspace {
	t.Helper()
	root := t.TempDir()
	w := &Workspace{
		Root:       root,
		ConfigFile: filepath.Join(root, "config.yaml"),
		ParamsFile: filepath.Join(root, "params.yaml"),
		ScoreFile:  filepath.Join(root, "scores.json"),
	}

	a := filepath.Join(root, "artifacts")
	config := fmt.Sprintf(`artifacts_root: %[1]s

data_ingestion:
  root_dir: %[1]s/data_ingestion
  source_URL: %[2]s
  local_data_file: %[1]s/data_ingestion/data.zip
  unzip_dir: %[1]s/data_ingestion

prepare_base_model:
  root_dir: %[1]s/prepare_base_model
  base_model_path: %[1]s/prepare_base_model/base_model.h5
  updated_base_model_path: %[1]s/prepare_base_model/base_model_updated.h5

training:
  root_dir: %[1]s/training
  trained_model_path: %[1]s/training/model.h5
  serving_model_dir: %[1]s/serving/classifier

evaluation:
  score_file: %[3]s
`, a, sourceURL, w.ScoreFile)

	require.NoError(t, os.WriteFile(w.ConfigFile, []byte(config), 0644))
	require.NoError(t, os.WriteFile(w.ParamsFile, []byte(ParamsYAML), 0644))
	return w
}

// DatasetZip builds a dataset archive with perClass images in each of the
// two classes.
func DatasetZip(t *testing.T, perClass int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, class := range []string{"adenocarcinoma", "normal"} {
		for i := 0; i < perClass; i++ {
			f, err := zw.Create(fmt.Sprintf("Chest-CT-Scan-data/%s/%03d.png", class, i))
			require.NoError(t, err)
			_, err = f.Write([]byte("png"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// DatasetServer serves archive as a zip download.
func DatasetServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Framework records requests and writes the model files a real runner
// would produce.
type Framework struct {
	mu    sync.Mutex
	Calls []backend.Operation
	Score schema.Score
	// Fail makes the named operation return an error.
	Fail map[backend.Operation]error
	// Block, when set, is waited on by Train.
	Block chan struct{}
}

func (f *Framework) record(op backend.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Framework) Operations() []backend.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Operation(nil), f.Calls...)
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("model"), 0644)
}

func (f *Framework) PrepareBaseModel(_ context.Context, req backend.BaseModelRequest) error {
	if err := f.record(backend.OpPrepareBaseModel); err != nil {
		return err
	}
	if err := touch(req.BaseModelPath); err != nil {
		return err
	}
	return touch(req.UpdatedBaseModelPath)
}

func (f *Framework) Train(ctx context.Context, req backend.TrainRequest) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.record(backend.OpTrain); err != nil {
		return err
	}
	if req.ServingModelDir != "" {
		if err := os.MkdirAll(req.ServingModelDir, 0755); err != nil {
			return err
		}
	}
	return touch(req.TrainedModelPath)
}

func (f *Framework) Evaluate(_ context.Context, req backend.EvaluateRequest) (schema.Score, error) {
	if err := f.record(backend.OpEvaluate); err != nil {
		return schema.Score{}, err
	}
	if _, err := os.Stat(req.ModelPath); err != nil {
		return schema.Score{}, err
	}
	return f.Score, nil
}
