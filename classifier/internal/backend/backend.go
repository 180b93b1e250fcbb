// Package backend is the boundary to the deep-learning framework. Model
// construction, optimisation and evaluation run in a framework runner; this
// package only describes the work and collects the results.
package backend

import (
	"context"
	"fmt"

	"github.com/lungscan/classifier-broker/classifier/schema"
)

type Operation string

const (
	OpPrepareBaseModel Operation = "prepare_base_model"
	OpTrain            Operation = "train"
	OpEvaluate         Operation = "evaluate"
)

type BaseModelRequest struct {
	BaseModelPath        string  `json:"base_model_path"`
	UpdatedBaseModelPath string  `json:"updated_base_model_path"`
	ImageSize            [3]int  `json:"image_size"`
	Weights              string  `json:"weights"`
	IncludeTop           bool    `json:"include_top"`
	Classes              int     `json:"classes"`
	LearningRate         float64 `json:"learning_rate"`
	FreezeAll            bool    `json:"freeze_all"`
	// FreezeTill leaves the last N base layers trainable when FreezeAll is
	// false. Zero freezes nothing.
	FreezeTill int `json:"freeze_till"`
}

type TrainRequest struct {
	UpdatedBaseModelPath string  `json:"updated_base_model_path"`
	TrainedModelPath     string  `json:"trained_model_path"`
	ServingModelDir      string  `json:"serving_model_dir,omitempty"`
	TrainingData         string  `json:"training_data"`
	Epochs               int     `json:"epochs"`
	BatchSize            int     `json:"batch_size"`
	Augmentation         bool    `json:"augmentation"`
	ImageSize            [3]int  `json:"image_size"`
	ValidationSplit      float64 `json:"validation_split"`
	StepsPerEpoch        int     `json:"steps_per_epoch"`
	ValidationSteps      int     `json:"validation_steps"`
	LearningRate         float64 `json:"learning_rate"`
}

type EvaluateRequest struct {
	ModelPath       string  `json:"model_path"`
	TrainingData    string  `json:"training_data"`
	BatchSize       int     `json:"batch_size"`
	ImageSize       [3]int  `json:"image_size"`
	ValidationSplit float64 `json:"validation_split"`
}

// Framework runs the model-building operations of the pipeline.
type Framework interface {
	PrepareBaseModel(ctx context.Context, req BaseModelRequest) error
	Train(ctx context.Context, req TrainRequest) error
	Evaluate(ctx context.Context, req EvaluateRequest) (schema.Score, error)
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("tensor has no shape")
	}
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid tensor dimension %d in %v", d, t.Shape)
		}
		n *= d
	}
	if n != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, got %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// Model is a loaded, ready-to-serve classifier. Implementations must be
// safe for concurrent use.
type Model interface {
	// Predict returns one probability row per sample in batch.
	Predict(ctx context.Context, batch Tensor) ([][]float32, error)
}
