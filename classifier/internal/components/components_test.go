package components

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/tracking"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

type fakeFramework struct {
	mu       sync.Mutex
	prepare  []backend.BaseModelRequest
	train    []backend.TrainRequest
	evaluate []backend.EvaluateRequest
	score    schema.Score
	err      error
}

func (f *fakeFramework) PrepareBaseModel(_ context.Context, req backend.BaseModelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepare = append(f.prepare, req)
	return f.err
}

func (f *fakeFramework) Train(_ context.Context, req backend.TrainRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.train = append(f.train, req)
	return f.err
}

func (f *fakeFramework) Evaluate(_ context.Context, req backend.EvaluateRequest) (schema.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluate = append(f.evaluate, req)
	return f.score, f.err
}

type fakeTracker struct {
	evals []tracking.Evaluation
	err   error
}

func (f *fakeTracker) LogEvaluation(_ context.Context, eval tracking.Evaluation) (string, error) {
	f.evals = append(f.evals, eval)
	return "run-1", f.err
}

// makeDataset creates class folders with the given number of images.
func makeDataset(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range counts {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := 0; i < n; i++ {
			name := filepath.Join(dir, "img"+string(rune('a'+i%26))+string(rune('a'+i/26))+".png")
			require.NoError(t, os.WriteFile(name, []byte("png"), 0644))
		}
	}
	return root
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDownloadURL(t *testing.T) {
	tests := map[string]string{
		"https://drive.google.com/file/d/1z0mreUtRmR-P-magILsDR3T7M6IkGXtY/view?usp=sharing": "https://drive.google.com/uc?confirm=t&export=download&id=1z0mreUtRmR-P-magILsDR3T7M6IkGXtY",
		"https://drive.google.com/file/d/abc123/view":                                        "https://drive.google.com/uc?confirm=t&export=download&id=abc123",
		"https://example.com/data/file/d/abc123/view":                                        "https://example.com/data/file/d/abc123/view",
		"https://drive.google.com/drive/folders/xyz":                                         "https://drive.google.com/drive/folders/xyz",
		"https://github.com/org/repo/raw/main/data.zip":                                      "https://github.com/org/repo/raw/main/data.zip",
	}
	for in, want := range tests {
		assert.Equal(t, want, DownloadURL(in), in)
	}
}

func TestDataIngestion(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"Chest-CT-Scan-data/normal/a.png":                 "n",
		"Chest-CT-Scan-data/adenocarcinoma/b.png":         "c",
		"Chest-CT-Scan-data/adenocarcinoma/nested/c.jpeg": "c",
	})
	sum := sha256.Sum256(archive)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := entity.DataIngestionConfig{
		RootDir:       root,
		SourceURL:     srv.URL + "/data.zip",
		LocalDataFile: filepath.Join(root, "data.zip"),
		UnzipDir:      root,
		SHA256:        hex.EncodeToString(sum[:]),
	}
	d := NewDataIngestion(cfg, log.Discard())

	path, err := d.DownloadFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.LocalDataFile, path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, archive, got)

	require.NoError(t, d.ExtractZipFile())
	require.NoError(t, d.ExtractZipFile(), "extracting twice overwrites")
	data, err := os.ReadFile(filepath.Join(root, "Chest-CT-Scan-data", "normal", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "n", string(data))

	matches, err := filepath.Glob(filepath.Join(root, "*.part"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDataIngestionFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		sha     string
		wantErr string
	}{
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			wantErr: "404",
		},
		{
			name: "html page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = w.Write([]byte("<html>virus scan warning</html>"))
			},
			wantErr: "HTML page",
		},
		{
			name: "checksum mismatch",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/zip")
				_, _ = w.Write([]byte("zip"))
			},
			sha:     "0000",
			wantErr: "checksum mismatch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			root := t.TempDir()
			d := NewDataIngestion(entity.DataIngestionConfig{
				SourceURL:     srv.URL,
				LocalDataFile: filepath.Join(root, "data.zip"),
				UnzipDir:      root,
				SHA256:        tt.sha,
			}, log.Discard())

			_, err := d.DownloadFile(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.NoFileExists(t, filepath.Join(root, "data.zip"))
		})
	}
}

func TestDataIngestionCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zip"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDataIngestion(entity.DataIngestionConfig{
		SourceURL:     srv.URL,
		LocalDataFile: filepath.Join(t.TempDir(), "data.zip"),
	}, log.Discard())
	_, err := d.DownloadFile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractCorruptArchive(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(root, "data.zip")
	require.NoError(t, os.WriteFile(archive, []byte("not a zip"), 0644))

	d := NewDataIngestion(entity.DataIngestionConfig{LocalDataFile: archive, UnzipDir: root}, log.Discard())
	assert.ErrorIs(t, d.ExtractZipFile(), zip.ErrFormat)
}

func TestPrepareBaseModel(t *testing.T) {
	fw := &fakeFramework{}
	p := NewPrepareBaseModel(entity.PrepareBaseModelConfig{
		BaseModelPath:        "artifacts/prepare_base_model/base_model.h5",
		UpdatedBaseModelPath: "artifacts/prepare_base_model/base_model_updated.h5",
		ParamsImageSize:      [3]int{224, 224, 3},
		ParamsLearningRate:   0.01,
		ParamsIncludeTop:     false,
		ParamsWeights:        "imagenet",
		ParamsClasses:        2,
	}, fw, log.Discard())

	require.NoError(t, p.UpdateBaseModel(context.Background()))

	want := []backend.BaseModelRequest{{
		BaseModelPath:        "artifacts/prepare_base_model/base_model.h5",
		UpdatedBaseModelPath: "artifacts/prepare_base_model/base_model_updated.h5",
		ImageSize:            [3]int{224, 224, 3},
		Weights:              "imagenet",
		Classes:              2,
		LearningRate:         0.01,
		FreezeAll:            true,
	}}
	if diff := cmp.Diff(want, fw.prepare); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	fw.err = errors.New("weights download failed")
	assert.ErrorContains(t, p.UpdateBaseModel(context.Background()), "weights download failed")
}

func trainingConfig(data string, batch int) entity.TrainingConfig {
	return entity.TrainingConfig{
		TrainedModelPath:     "artifacts/training/model.h5",
		UpdatedBaseModelPath: "artifacts/prepare_base_model/base_model_updated.h5",
		TrainingData:         data,
		ParamsEpochs:         3,
		ParamsBatchSize:      batch,
		ParamsIsAugmentation: true,
		ParamsImageSize:      [3]int{224, 224, 3},
	}
}

func TestTraining(t *testing.T) {
	// 40 and 30 images: validation 8+6=14, training 32+24=56.
	data := makeDataset(t, map[string]int{"adenocarcinoma": 40, "normal": 30})
	fw := &fakeFramework{}

	require.NoError(t, NewTraining(trainingConfig(data, 16), fw, log.Discard()).Train(context.Background()))

	want := []backend.TrainRequest{{
		UpdatedBaseModelPath: "artifacts/prepare_base_model/base_model_updated.h5",
		TrainedModelPath:     "artifacts/training/model.h5",
		TrainingData:         data,
		Epochs:               3,
		BatchSize:            16,
		Augmentation:         true,
		ImageSize:            [3]int{224, 224, 3},
		ValidationSplit:      0.20,
		StepsPerEpoch:        3,
		ValidationSteps:      0,
		LearningRate:         0.01,
	}}
	if diff := cmp.Diff(want, fw.train); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

// exportingFramework writes the serving export directory the way the runner
// does after a successful fit.
type exportingFramework struct {
	fakeFramework
}

func (f *exportingFramework) Train(ctx context.Context, req backend.TrainRequest) error {
	if err := f.fakeFramework.Train(ctx, req); err != nil {
		return err
	}
	return os.MkdirAll(req.ServingModelDir, 0755)
}

func TestTrainingExportsIncreasingServingVersions(t *testing.T) {
	data := makeDataset(t, map[string]int{"adenocarcinoma": 40, "normal": 30})
	base := filepath.Join(t.TempDir(), "serving", "classifier")
	cfg := trainingConfig(data, 16)
	cfg.ServingModelDir = base
	fw := &exportingFramework{}

	first := NewTraining(cfg, fw, log.Discard())
	require.NoError(t, first.Train(context.Background()))
	assert.Equal(t, "1", first.ExportedVersion())

	second := NewTraining(cfg, fw, log.Discard())
	require.NoError(t, second.Train(context.Background()))
	assert.Equal(t, "2", second.ExportedVersion())

	require.Len(t, fw.train, 2)
	assert.Equal(t, filepath.Join(base, "1"), fw.train[0].ServingModelDir)
	assert.Equal(t, filepath.Join(base, "2"), fw.train[1].ServingModelDir)
}

func TestNextServingVersion(t *testing.T) {
	base := t.TempDir()
	for _, dir := range []string{"1", "3", "10", "latest", "0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, dir), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "42"), []byte("not a version"), 0644))

	v, err := NextServingVersion(base)
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)

	v, err = NextServingVersion(filepath.Join(base, "missing"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestTrainingWithoutServingExport(t *testing.T) {
	data := makeDataset(t, map[string]int{"adenocarcinoma": 40, "normal": 30})
	training := NewTraining(trainingConfig(data, 16), &fakeFramework{}, log.Discard())
	require.NoError(t, training.Train(context.Background()))
	assert.Empty(t, training.ExportedVersion())
}

func TestTrainingEmptyEpoch(t *testing.T) {
	data := makeDataset(t, map[string]int{"adenocarcinoma": 5, "normal": 5})
	fw := &fakeFramework{}

	err := NewTraining(trainingConfig(data, 16), fw, log.Discard()).Train(context.Background())
	assert.ErrorIs(t, err, ErrEmptyEpoch)
	assert.Empty(t, fw.train, "backend must not be invoked")
}

func TestTrainingMissingDataset(t *testing.T) {
	err := NewTraining(trainingConfig(filepath.Join(t.TempDir(), "missing"), 16), &fakeFramework{}, log.Discard()).Train(context.Background())
	assert.Error(t, err)
}

func TestEvaluation(t *testing.T) {
	data := makeDataset(t, map[string]int{"adenocarcinoma": 10, "normal": 10})
	scoreFile := filepath.Join(t.TempDir(), "scores.json")
	require.NoError(t, os.WriteFile(scoreFile, []byte("stale"), 0644))

	fw := &fakeFramework{score: schema.Score{Loss: 0.25, Accuracy: 0.9}}
	tracker := &fakeTracker{err: errors.New("tracking server unreachable")}
	params := map[string]interface{}{"EPOCHS": 1}

	e := NewEvaluation(entity.EvaluationConfig{
		PathOfModel:     "artifacts/training/model.h5",
		TrainingData:    data,
		ScoreFile:       scoreFile,
		AllParams:       params,
		ParamsImageSize: [3]int{224, 224, 3},
		ParamsBatchSize: 16,
	}, fw, tracker, log.Discard())

	score, err := e.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.Score{Loss: 0.25, Accuracy: 0.9}, score)
	assert.Equal(t, 0.30, fw.evaluate[0].ValidationSplit)

	raw, err := os.ReadFile(scoreFile)
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"loss\": 0.25,\n    \"accuracy\": 0.9\n}", string(raw))

	loaded, err := LoadScore(scoreFile)
	require.NoError(t, err)
	assert.Equal(t, score, loaded)

	// A tracking failure is only logged.
	e.LogIntoTracking(context.Background(), score)
	require.Len(t, tracker.evals, 1)
	assert.Equal(t, params, tracker.evals[0].Params)
	assert.Equal(t, "artifacts/training/model.h5", tracker.evals[0].ModelPath)

	NewEvaluation(entity.EvaluationConfig{}, fw, nil, log.Discard()).LogIntoTracking(context.Background(), score)
}

func TestEvaluationFailures(t *testing.T) {
	data := makeDataset(t, map[string]int{"adenocarcinoma": 10, "normal": 10})
	scoreFile := filepath.Join(t.TempDir(), "scores.json")

	fw := &fakeFramework{err: errors.New("model file not found")}
	e := NewEvaluation(entity.EvaluationConfig{TrainingData: data, ScoreFile: scoreFile, ParamsBatchSize: 16}, fw, nil, log.Discard())
	_, err := e.Evaluate(context.Background())
	assert.ErrorContains(t, err, "model file not found")
	assert.NoFileExists(t, scoreFile)

	// Three images per class leave nothing for a 0.30 validation subset.
	tiny := makeDataset(t, map[string]int{"adenocarcinoma": 3, "normal": 3})
	e = NewEvaluation(entity.EvaluationConfig{TrainingData: tiny, ScoreFile: scoreFile, ParamsBatchSize: 16}, &fakeFramework{}, nil, log.Discard())
	_, err = e.Evaluate(context.Background())
	assert.ErrorContains(t, err, "no validation images")
}
