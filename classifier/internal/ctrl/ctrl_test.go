package ctrl

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/internal/predictor"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

type staticModel struct {
	probs []float32
}

func (m staticModel) Predict(context.Context, backend.Tensor) ([][]float32, error) {
	return [][]float32{m.probs}, nil
}

func newCtrl(t *testing.T, model backend.Model, loader ModelLoader) (*Ctrl, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	conf := &config.Config{MaxTaskQueueSize: 2}
	c := New(conf, store, log.NewTaskLogger(t.TempDir()), predictor.New(model, log.Discard()), loader, log.Discard())
	c.waitInterval = 5 * time.Millisecond
	return c, store
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestCreateTask(t *testing.T) {
	c, _ := newCtrl(t, nil, nil)

	task, err := c.CreateTask(context.Background(), schema.Task{Stages: "training,evaluation", Progress: "Finished"})
	require.NoError(t, err)
	require.NotNil(t, task.ID)
	assert.Equal(t, db.ProgressStateInit.String(), task.Progress)

	got, err := c.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "training,evaluation", got.Stages)

	content, err := c.GetTaskLog(task.ID)
	require.NoError(t, err)
	assert.Contains(t, content, "creating task....")
}

func TestCreateTaskRejectsUnknownStage(t *testing.T) {
	c, _ := newCtrl(t, nil, nil)

	_, err := c.CreateTask(context.Background(), schema.Task{Stages: "deploy"})
	assert.Equal(t, http.StatusBadRequest, errors.StatusCode(err))
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
}

func TestCreateTaskQueueFull(t *testing.T) {
	c, store := newCtrl(t, nil, nil)

	first, err := c.CreateTask(context.Background(), schema.Task{})
	require.NoError(t, err)
	_, err = c.CreateTask(context.Background(), schema.Task{})
	require.NoError(t, err)

	_, err = c.CreateTask(context.Background(), schema.Task{})
	assert.Equal(t, http.StatusTooManyRequests, errors.StatusCode(err))
	assert.ErrorIs(t, err, ErrTaskQueueFull)

	require.NoError(t, store.UpdateTask(first.ID, db.Task{Progress: db.ProgressStateFinished.String()}))
	_, err = c.CreateTask(context.Background(), schema.Task{})
	assert.NoError(t, err)
}

func TestCreateTaskQueueBoundUnderConcurrency(t *testing.T) {
	c, store := newCtrl(t, nil, nil)

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateTask(context.Background(), schema.Task{})
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.Equal(t, http.StatusTooManyRequests, errors.StatusCode(err))
			rejected.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int32(14), rejected.Load())
	count, err := store.UnFinishedTaskCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestGetTaskNotFound(t *testing.T) {
	c, _ := newCtrl(t, nil, nil)
	id := uuid.New()

	_, err := c.GetTask(&id)
	assert.Equal(t, http.StatusNotFound, errors.StatusCode(err))

	_, err = c.GetTaskLog(&id)
	assert.Equal(t, http.StatusNotFound, errors.StatusCode(err))
}

func TestWaitTask(t *testing.T) {
	c, store := newCtrl(t, nil, nil)
	task, err := c.CreateTask(context.Background(), schema.Task{})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.UpdateTaskProgress(task.ID, db.ProgressStateInit, db.ProgressStateRunning)
		_ = store.UpdateTask(task.ID, db.Task{Progress: db.ProgressStateFailed.String(), Error: "boom"})
	}()

	got, err := c.WaitTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ProgressStateFailed.String(), got.Progress)
	assert.Equal(t, "boom", got.Error)
}

func TestWaitTaskCanceled(t *testing.T) {
	c, _ := newCtrl(t, nil, nil)
	task, err := c.CreateTask(context.Background(), schema.Task{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.WaitTask(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPredict(t *testing.T) {
	c, _ := newCtrl(t, staticModel{probs: []float32{0.1, 0.9}}, nil)

	results, err := c.Predict(context.Background(), schema.PredictRequest{Image: pngBase64(t)})
	require.NoError(t, err)
	assert.Equal(t, []schema.PredictResult{{Image: "Normal"}}, results)
}

func TestPredictErrors(t *testing.T) {
	c, _ := newCtrl(t, staticModel{probs: []float32{0.9, 0.1}}, nil)
	_, err := c.Predict(context.Background(), schema.PredictRequest{Image: "not an image"})
	assert.Equal(t, http.StatusBadRequest, errors.StatusCode(err))

	c, _ = newCtrl(t, nil, nil)
	_, err = c.Predict(context.Background(), schema.PredictRequest{Image: pngBase64(t)})
	assert.Equal(t, http.StatusServiceUnavailable, errors.StatusCode(err))
}

func TestOnTrainingSuccessReloadsModel(t *testing.T) {
	loads := 0
	var versions []string
	loader := func(_ context.Context, version string) (backend.Model, error) {
		loads++
		versions = append(versions, version)
		return staticModel{probs: []float32{0.8, 0.2}}, nil
	}
	c, _ := newCtrl(t, nil, loader)
	id := uuid.New()
	task := &db.Task{ID: &id}

	c.OnTrainingSuccess(context.Background(), task, &pipeline.Report{Stages: []string{"data_ingestion"}})
	assert.Equal(t, 0, loads)
	assert.False(t, c.predictor.Ready())

	c.OnTrainingSuccess(context.Background(), task, &pipeline.Report{Stages: []string{"training", "evaluation"}, ServingVersion: "4"})
	assert.Equal(t, 1, loads)
	assert.Equal(t, []string{"4"}, versions)
	assert.True(t, c.predictor.Ready())

	results, err := c.Predict(context.Background(), schema.PredictRequest{Image: pngBase64(t)})
	require.NoError(t, err)
	assert.Equal(t, "Adenocarcinoma Cancer", results[0].Image)
}

func TestOnTrainingSuccessBoundsVersionWait(t *testing.T) {
	loader := func(ctx context.Context, version string) (backend.Model, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, _ := newCtrl(t, staticModel{probs: []float32{0.1, 0.9}}, loader)
	c.loadTimeout = 20 * time.Millisecond
	id := uuid.New()

	c.OnTrainingSuccess(context.Background(), &db.Task{ID: &id}, &pipeline.Report{Stages: []string{"training"}, ServingVersion: "2"})

	results, err := c.Predict(context.Background(), schema.PredictRequest{Image: pngBase64(t)})
	require.NoError(t, err)
	assert.Equal(t, "Normal", results[0].Image, "previous model keeps serving")
}

func TestReloadModelErrors(t *testing.T) {
	c, _ := newCtrl(t, nil, nil)
	assert.Error(t, c.ReloadModel(context.Background(), ""))

	c, _ = newCtrl(t, nil, func(context.Context, string) (backend.Model, error) {
		return nil, errors.New("server down")
	})
	assert.ErrorContains(t, c.ReloadModel(context.Background(), ""), "server down")
}
