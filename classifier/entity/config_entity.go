// Package entity holds the per-stage configuration records. Records are
// plain values built once by the configuration manager; copies handed to
// stages never alias the manager's state.
package entity

type DataIngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
	// SHA256 is the expected archive digest; empty skips verification.
	SHA256 string
}

type PrepareBaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	ParamsImageSize      [3]int
	ParamsLearningRate   float64
	ParamsIncludeTop     bool
	ParamsWeights        string
	ParamsClasses        int
}

type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string
	ServingModelDir      string
	ParamsEpochs         int
	ParamsBatchSize      int
	ParamsIsAugmentation bool
	ParamsImageSize      [3]int
}

type EvaluationConfig struct {
	RootDir         string
	PathOfModel     string
	TrainingData    string
	ScoreFile       string
	MLflowURI       string
	AllParams       map[string]interface{}
	ParamsImageSize [3]int
	ParamsBatchSize int
}
