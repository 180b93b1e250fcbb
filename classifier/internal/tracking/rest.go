package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

const (
	errResourceDoesNotExist   = "RESOURCE_DOES_NOT_EXIST"
	errResourceAlreadyExists  = "RESOURCE_ALREADY_EXISTS"
	mlflowArtifactsScheme     = "mlflow-artifacts"
	modelArtifactPath         = "model"
	defaultRequestTimeout     = 30 * time.Second
	registeredModelCreatePath = "/api/2.0/mlflow/registered-models/create"
	modelVersionCreatePath    = "/api/2.0/mlflow/model-versions/create"
	experimentGetByNamePath   = "/api/2.0/mlflow/experiments/get-by-name"
	experimentCreatePath      = "/api/2.0/mlflow/experiments/create"
	runCreatePath             = "/api/2.0/mlflow/runs/create"
	runLogBatchPath           = "/api/2.0/mlflow/runs/log-batch"
	runUpdatePath             = "/api/2.0/mlflow/runs/update"
	artifactUploadPathPrefix  = "/api/2.0/mlflow-artifacts/artifacts/"
)

// RestClient speaks the MLflow REST API.
type RestClient struct {
	opts       Options
	baseURL    string
	httpClient *http.Client
	logger     log.Logger
	now        func() time.Time
}

func NewRestClient(opts Options, logger log.Logger) *RestClient {
	return &RestClient{
		opts:       opts,
		baseURL:    strings.TrimRight(opts.URI, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger.WithFields(logrus.Fields{"tracking": opts.URI}),
		now:        time.Now,
	}
}

// APIError is an error body returned by the tracking server.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	ArtifactURI  string `json:"artifact_uri"`
}

func (c *RestClient) LogEvaluation(ctx context.Context, eval Evaluation) (string, error) {
	experimentID, err := c.experimentID(ctx)
	if err != nil {
		return "", err
	}

	run, err := c.createRun(ctx, experimentID, eval.RunName)
	if err != nil {
		return "", err
	}
	logger := c.logger.WithFields(logrus.Fields{"run": run.RunID})

	status := RunStatusFailed
	defer func() {
		if err := c.updateRun(ctx, run.RunID, status); err != nil {
			logger.Warnf("failed to close run: %v", err)
		}
	}()

	if err := c.post(ctx, runLogBatchPath, map[string]interface{}{
		"run_id":  run.RunID,
		"params":  flattenParams(eval.Params),
		"metrics": scoreMetrics(eval.Score, c.now().UnixMilli()),
	}, nil); err != nil {
		return run.RunID, errors.Wrap(err, "log params and metrics")
	}

	if eval.ModelPath != "" && c.opts.RegisteredModelName != "" {
		source, err := c.uploadModel(ctx, run, eval.ModelPath)
		if err != nil {
			logger.Warnf("model artifact not uploaded, skipping registration of %s: %v", c.opts.RegisteredModelName, err)
		} else {
			if err := c.registerModel(ctx, run.RunID, source); err != nil {
				return run.RunID, errors.Wrap(err, "register model")
			}
			logger.Infof("registered model %s", c.opts.RegisteredModelName)
		}
	}

	status = RunStatusFinished
	return run.RunID, nil
}

func (c *RestClient) experimentID(ctx context.Context) (string, error) {
	name := c.opts.ExperimentName
	if name == "" {
		name = "Default"
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.do(ctx, http.MethodGet, experimentGetByNamePath+"?experiment_name="+url.QueryEscape(name), nil, "", &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != errResourceDoesNotExist {
		return "", errors.Wrap(err, "get experiment")
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.post(ctx, experimentCreatePath, map[string]string{"name": name}, &created); err != nil {
		return "", errors.Wrap(err, "create experiment")
	}
	return created.ExperimentID, nil
}

func (c *RestClient) createRun(ctx context.Context, experimentID, runName string) (*runInfo, error) {
	body := map[string]interface{}{
		"experiment_id": experimentID,
		"start_time":    c.now().UnixMilli(),
	}
	if runName != "" {
		body["run_name"] = runName
	}
	var resp struct {
		Run struct {
			Info runInfo `json:"info"`
		} `json:"run"`
	}
	if err := c.post(ctx, runCreatePath, body, &resp); err != nil {
		return nil, errors.Wrap(err, "create run")
	}
	return &resp.Run.Info, nil
}

func (c *RestClient) updateRun(ctx context.Context, runID string, status RunStatus) error {
	return c.post(ctx, runUpdatePath, map[string]interface{}{
		"run_id":   runID,
		"status":   status,
		"end_time": c.now().UnixMilli(),
	}, nil)
}

// uploadModel stores the model file under the run's model artifact path and
// returns the artifact URI to register.
func (c *RestClient) uploadModel(ctx context.Context, run *runInfo, modelPath string) (string, error) {
	source := strings.TrimRight(run.ArtifactURI, "/") + "/" + modelArtifactPath

	u, err := url.Parse(run.ArtifactURI)
	if err != nil {
		return source, err
	}
	if u.Scheme != mlflowArtifactsScheme {
		return source, fmt.Errorf("artifact store %s is not served by the tracking server", run.ArtifactURI)
	}

	uploadPath, name := modelPath, filepath.Base(modelPath)
	if info, err := os.Stat(modelPath); err != nil {
		return source, err
	} else if info.IsDir() {
		// SavedModel directories travel as one zip artifact.
		tmp, err := os.MkdirTemp("", "model-artifact-")
		if err != nil {
			return source, err
		}
		defer os.RemoveAll(tmp)
		name += ".zip"
		uploadPath = filepath.Join(tmp, name)
		if err := util.ZipDirectory(modelPath, uploadPath); err != nil {
			return source, err
		}
	}

	data, err := os.ReadFile(uploadPath)
	if err != nil {
		return source, err
	}
	target := artifactUploadPathPrefix + path.Join(strings.TrimPrefix(u.Path, "/"), modelArtifactPath, name)
	if err := c.do(ctx, http.MethodPut, target, data, "application/octet-stream", nil); err != nil {
		return source, err
	}
	return source, nil
}

func (c *RestClient) registerModel(ctx context.Context, runID, source string) error {
	err := c.post(ctx, registeredModelCreatePath, map[string]string{"name": c.opts.RegisteredModelName}, nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.ErrorCode == errResourceAlreadyExists) {
		return err
	}
	return c.post(ctx, modelVersionCreatePath, map[string]string{
		"name":   c.opts.RegisteredModelName,
		"source": source,
		"run_id": runID,
	}, nil)
}

func (c *RestClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, "application/json", out)
}

func (c *RestClient) do(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.opts.Username != "" || c.opts.Password != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.ErrorCode == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
