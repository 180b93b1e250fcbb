package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/testutil"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

type event struct {
	stage  string
	status StageStatus
}

func TestParseStages(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "", want: []string{"data_ingestion", "prepare_base_model", "training", "evaluation"}},
		{in: "evaluation, training", want: []string{"training", "evaluation"}},
		{in: "training,training", want: []string{"training"}},
		{in: "deploy", wantErr: true},
		{in: "training,", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStages(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownStage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunAllStages(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 5))
	ws := testutil.NewWorkspace(t, srv.URL+"/data.zip")
	fw := &testutil.Framework{Score: schema.Score{Loss: 0.3, Accuracy: 0.8}}

	var events []event
	hook := func(stage string, status StageStatus, err error) {
		assert.NoError(t, err)
		events = append(events, event{stage, status})
	}

	built := 0
	frameworkFunc := func(context.Context) (backend.Framework, error) {
		built++
		return fw, nil
	}

	stages, err := ParseStages("")
	require.NoError(t, err)
	r := NewRunner(ws.ConfigFile, ws.ParamsFile, frameworkFunc, nil, log.Discard())
	report, err := r.Run(context.Background(), stages, hook)
	require.NoError(t, err)

	assert.Equal(t, stages, report.Stages)
	require.NotNil(t, report.Score)
	assert.Equal(t, schema.Score{Loss: 0.3, Accuracy: 0.8}, *report.Score)
	assert.Equal(t, "1", report.ServingVersion)
	assert.DirExists(t, filepath.Join(ws.Root, "artifacts", "serving", "classifier", "1"))
	assert.Equal(t, 1, built, "framework is built once")
	assert.Equal(t, []backend.Operation{backend.OpPrepareBaseModel, backend.OpTrain, backend.OpEvaluate}, fw.Operations())

	assert.Equal(t, []event{
		{"data_ingestion", StageStarted}, {"data_ingestion", StageCompleted},
		{"prepare_base_model", StageStarted}, {"prepare_base_model", StageCompleted},
		{"training", StageStarted}, {"training", StageCompleted},
		{"evaluation", StageStarted}, {"evaluation", StageCompleted},
	}, events)

	assert.FileExists(t, filepath.Join(ws.Root, "artifacts", "data_ingestion", "Chest-CT-Scan-data", "normal", "004.png"))
	data, err := os.ReadFile(ws.ScoreFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"loss": 0.3, "accuracy": 0.8}`, string(data))
}

func TestRetrainingExportsNextServingVersion(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 5))
	ws := testutil.NewWorkspace(t, srv.URL+"/data.zip")
	r := NewRunner(ws.ConfigFile, ws.ParamsFile, StaticFramework(&testutil.Framework{}), nil, log.Discard())

	stages, err := ParseStages("")
	require.NoError(t, err)
	first, err := r.Run(context.Background(), stages, nil)
	require.NoError(t, err)

	retrain, err := ParseStages("training")
	require.NoError(t, err)
	second, err := r.Run(context.Background(), retrain, nil)
	require.NoError(t, err)

	assert.Equal(t, "1", first.ServingVersion)
	assert.Equal(t, "2", second.ServingVersion)
}

func TestRunnerResolvesPathsInWorkspace(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 5))
	workspace := t.TempDir()
	config := `artifacts_root: artifacts

data_ingestion:
  root_dir: artifacts/data_ingestion
  source_URL: ` + srv.URL + `/data.zip
  local_data_file: artifacts/data_ingestion/data.zip
  unzip_dir: artifacts/data_ingestion

prepare_base_model:
  root_dir: artifacts/prepare_base_model
  base_model_path: artifacts/prepare_base_model/base_model.h5
  updated_base_model_path: artifacts/prepare_base_model/base_model_updated.h5

training:
  root_dir: artifacts/training
  trained_model_path: artifacts/training/model.h5
  serving_model_dir: artifacts/serving/classifier
`
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "config", "config.yaml"), []byte(config), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "params.yaml"), []byte(testutil.ParamsYAML), 0644))

	fw := &testutil.Framework{Score: schema.Score{Loss: 0.5, Accuracy: 0.5}}
	r := NewRunner("config/config.yaml", "params.yaml", StaticFramework(fw), nil, log.Discard()).InWorkspace(workspace)

	stages, err := ParseStages("")
	require.NoError(t, err)
	report, err := r.Run(context.Background(), stages, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", report.ServingVersion)

	for _, path := range []string{
		filepath.Join("artifacts", "data_ingestion", "Chest-CT-Scan-data", "normal", "000.png"),
		filepath.Join("artifacts", "prepare_base_model", "base_model_updated.h5"),
		filepath.Join("artifacts", "training", "model.h5"),
		"scores.json",
	} {
		assert.FileExists(t, filepath.Join(workspace, path))
	}
	assert.DirExists(t, filepath.Join(workspace, "artifacts", "serving", "classifier", "1"))
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 5))
	ws := testutil.NewWorkspace(t, srv.URL)
	fw := &testutil.Framework{Fail: map[backend.Operation]error{backend.OpTrain: errors.New("out of memory")}}

	var failed []string
	hook := func(stage string, status StageStatus, err error) {
		if status == StageFailed {
			failed = append(failed, stage)
			assert.Error(t, err)
		}
	}

	r := NewRunner(ws.ConfigFile, ws.ParamsFile, StaticFramework(fw), nil, log.Discard())
	report, err := r.Run(context.Background(), []string{"data_ingestion", "prepare_base_model", "training", "evaluation"}, hook)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage training")
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, []string{"data_ingestion", "prepare_base_model"}, report.Stages)
	assert.Equal(t, []string{"training"}, failed)
	assert.NoFileExists(t, ws.ScoreFile)
}

func TestDataIngestionNeedsNoFramework(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 1))
	ws := testutil.NewWorkspace(t, srv.URL)

	frameworkFunc := func(context.Context) (backend.Framework, error) {
		return nil, errors.New("docker daemon not reachable")
	}
	r := NewRunner(ws.ConfigFile, ws.ParamsFile, frameworkFunc, nil, log.Discard())
	require.NoError(t, r.RunStage(context.Background(), "data_ingestion"))

	err := r.RunStage(context.Background(), "prepare_base_model")
	assert.ErrorContains(t, err, "docker daemon not reachable")
}

func TestRunStageErrors(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "missing.yaml"), "params.yaml", nil, nil, log.Discard())

	assert.ErrorIs(t, r.RunStage(context.Background(), "deploy"), ErrUnknownStage)
	assert.ErrorIs(t, r.RunStage(context.Background(), "data_ingestion"), os.ErrNotExist)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner("config.yaml", "params.yaml", nil, nil, log.Discard())
	report, err := r.Run(ctx, []string{"data_ingestion"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Stages)
}

func TestFrameworkBuildIsRetried(t *testing.T) {
	srv := testutil.DatasetServer(t, testutil.DatasetZip(t, 2))
	ws := testutil.NewWorkspace(t, srv.URL)
	fw := &testutil.Framework{}

	attempts := 0
	frameworkFunc := func(context.Context) (backend.Framework, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("image still building")
		}
		return fw, nil
	}
	r := NewRunner(ws.ConfigFile, ws.ParamsFile, frameworkFunc, nil, log.Discard())

	assert.ErrorContains(t, r.RunStage(context.Background(), "prepare_base_model"), "image still building")
	require.NoError(t, r.RunStage(context.Background(), "prepare_base_model"))
	require.NoError(t, r.RunStage(context.Background(), "prepare_base_model"))
	assert.Equal(t, 2, attempts)
}
