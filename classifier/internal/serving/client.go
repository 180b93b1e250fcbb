// Package serving talks to a TensorFlow Serving model server over its REST
// API.
package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

const (
	stateAvailable = "AVAILABLE"
	stateEnd       = "END"

	defaultPollInterval = time.Second
)

var _ backend.Model = (*Model)(nil)

type Client struct {
	baseURL      string
	modelName    string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       log.Logger
}

func New(baseURL, modelName string, timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		modelName:    modelName,
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: defaultPollInterval,
		logger:       logger.WithFields(logrus.Fields{"model": modelName}),
	}
}

type versionStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Status  struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

type statusResponse struct {
	ModelVersionStatus []versionStatus `json:"model_version_status"`
}

type predictRequest struct {
	Instances interface{} `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error"`
}

// Model is a handle on one available version of the served model.
type Model struct {
	client  *Client
	version string
}

func (m *Model) Version() string {
	return m.version
}

// Load checks the model server and returns a handle on the newest available
// version.
func (c *Client) Load(ctx context.Context) (*Model, error) {
	var status statusResponse
	if err := c.do(ctx, http.MethodGet, c.modelURL(""), nil, &status); err != nil {
		return nil, errors.Wrapf(err, "get status of model %s", c.modelName)
	}

	var newest *versionStatus
	for i := range status.ModelVersionStatus {
		v := &status.ModelVersionStatus[i]
		if v.State != stateAvailable {
			continue
		}
		if newest == nil || versionLess(newest.Version, v.Version) {
			newest = v
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("model %s has no available version", c.modelName)
	}

	c.logger.Infof("model version %s is available", newest.Version)
	return &Model{client: c, version: newest.Version}, nil
}

// WaitForVersion polls the model server until version is AVAILABLE and
// returns a handle on it. The server picks up a new version directory on its
// own schedule, so a version it does not know yet is polled again until ctx
// is done.
func (c *Client) WaitForVersion(ctx context.Context, version string) (*Model, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status statusResponse
		err := c.do(ctx, http.MethodGet, c.modelURL("/versions/"+version), nil, &status)
		if err == nil {
			for _, v := range status.ModelVersionStatus {
				if v.Version != version {
					continue
				}
				switch v.State {
				case stateAvailable:
					c.logger.Infof("model version %s is available", version)
					return &Model{client: c, version: version}, nil
				case stateEnd:
					if v.Status.ErrorMessage != "" {
						return nil, fmt.Errorf("model version %s failed to load: %s", version, v.Status.ErrorMessage)
					}
				}
				c.logger.Debugf("model version %s is %s", version, v.State)
			}
		} else {
			c.logger.Debugf("model version %s not ready: %v", version, err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for model version %s", version)
		case <-ticker.C:
		}
	}
}

func versionLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (m *Model) Predict(ctx context.Context, batch backend.Tensor) ([][]float32, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(predictRequest{Instances: nest(batch.Shape, batch.Data)})
	if err != nil {
		return nil, err
	}

	var resp predictResponse
	if err := m.client.do(ctx, http.MethodPost, m.client.modelURL("/versions/"+m.version+":predict"), body, &resp); err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if len(resp.Predictions) != batch.Shape[0] {
		return nil, fmt.Errorf("model returned %d predictions for %d inputs", len(resp.Predictions), batch.Shape[0])
	}
	return resp.Predictions, nil
}

// nest turns flat row-major data into nested slices matching shape.
func nest(shape []int, data []float32) interface{} {
	if len(shape) == 1 {
		return data
	}
	stride := len(data) / shape[0]
	out := make([]interface{}, shape[0])
	for i := range out {
		out[i] = nest(shape[1:], data[i*stride:(i+1)*stride])
	}
	return out
}

func (c *Client) modelURL(suffix string) string {
	return c.baseURL + "/v1/models/" + c.modelName + suffix
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
