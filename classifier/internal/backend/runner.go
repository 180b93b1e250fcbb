package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/internal/utils"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

const (
	ResultStatusOK    = "ok"
	ResultStatusError = "error"
)

// Request is the document a runner reads from request.json.
type Request struct {
	Operation Operation   `json:"operation"`
	Args      interface{} `json:"args"`
}

// Result is the document a runner writes to result.json.
type Result struct {
	Status   string   `json:"status"`
	Message  string   `json:"message,omitempty"`
	Loss     *float64 `json:"loss,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// invoker executes the runner once for the request stored at paths.
type invoker interface {
	invoke(ctx context.Context, paths *utils.RunPaths) error
	// inContainer reports whether request paths must be translated to the
	// container mount.
	inContainer() bool
}

type runnerFramework struct {
	workspace string
	invoker   invoker
	logger    log.Logger
}

func newRunnerFramework(workspace string, inv invoker, logger log.Logger) *runnerFramework {
	return &runnerFramework{
		workspace: workspace,
		invoker:   inv,
		logger:    logger,
	}
}

func (f *runnerFramework) PrepareBaseModel(ctx context.Context, req BaseModelRequest) error {
	_, err := f.run(ctx, OpPrepareBaseModel, &req, &req.BaseModelPath, &req.UpdatedBaseModelPath)
	return err
}

func (f *runnerFramework) Train(ctx context.Context, req TrainRequest) error {
	_, err := f.run(ctx, OpTrain, &req,
		&req.UpdatedBaseModelPath, &req.TrainedModelPath, &req.ServingModelDir, &req.TrainingData)
	return err
}

func (f *runnerFramework) Evaluate(ctx context.Context, req EvaluateRequest) (schema.Score, error) {
	res, err := f.run(ctx, OpEvaluate, &req, &req.ModelPath, &req.TrainingData)
	if err != nil {
		return schema.Score{}, err
	}
	if res.Loss == nil || res.Accuracy == nil {
		return schema.Score{}, errors.New("runner result is missing loss or accuracy")
	}
	return schema.Score{Loss: *res.Loss, Accuracy: *res.Accuracy}, nil
}

func (f *runnerFramework) run(ctx context.Context, op Operation, args interface{}, pathFields ...*string) (*Result, error) {
	paths, err := utils.NewRunPaths(f.workspace, uuid.New())
	if err != nil {
		return nil, err
	}
	logger := f.logger.WithFields(logrus.Fields{"operation": op, "run": paths.RunDir})

	if f.invoker.inContainer() {
		for _, p := range pathFields {
			mapped, err := paths.ToContainer(*p)
			if err != nil {
				return nil, err
			}
			*p = mapped
		}
	}

	if err := paths.Init(); err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}
	defer func() {
		if err := paths.Cleanup(); err != nil {
			logger.Warnf("failed to remove run directory: %v", err)
		}
	}()

	if err := writeRequest(paths.Request, Request{Operation: op, Args: args}); err != nil {
		return nil, err
	}

	logger.Infof("invoking runner")
	if err := f.invoker.invoke(ctx, paths); err != nil {
		// the runner writes its error into the result before exiting non-zero
		if res, rerr := readResult(paths.Result); rerr == nil && res.Status == ResultStatusError && res.Message != "" {
			return nil, errors.Wrapf(err, "run %s: %s", op, res.Message)
		}
		return nil, errors.Wrapf(err, "run %s", op)
	}

	res, err := readResult(paths.Result)
	if err != nil {
		return nil, err
	}
	if res.Status != ResultStatusOK {
		return nil, fmt.Errorf("runner %s failed: %s", op, res.Message)
	}
	logger.Infof("runner finished")
	return res, nil
}

func writeRequest(path string, req Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode runner request")
	}
	return os.WriteFile(path, data, 0644)
}

func readResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read runner result")
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "decode runner result")
	}
	return &res, nil
}
