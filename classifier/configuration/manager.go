package configuration

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

var ErrEmptyConfig = errors.New("yaml file is empty")

// ConfigError reports a pipeline configuration file that is missing,
// empty, malformed, or lacks a required field.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type pipelineConfig struct {
	ArtifactsRoot string `yaml:"artifacts_root"`
	DataIngestion struct {
		RootDir       string `yaml:"root_dir"`
		SourceURL     string `yaml:"source_URL"`
		LocalDataFile string `yaml:"local_data_file"`
		UnzipDir      string `yaml:"unzip_dir"`
		DatasetDir    string `yaml:"dataset_dir"`
		SHA256        string `yaml:"sha256"`
	} `yaml:"data_ingestion"`
	PrepareBaseModel struct {
		RootDir              string `yaml:"root_dir"`
		BaseModelPath        string `yaml:"base_model_path"`
		UpdatedBaseModelPath string `yaml:"updated_base_model_path"`
	} `yaml:"prepare_base_model"`
	Training struct {
		RootDir          string `yaml:"root_dir"`
		TrainedModelPath string `yaml:"trained_model_path"`
		ServingModelDir  string `yaml:"serving_model_dir"`
	} `yaml:"training"`
	Evaluation struct {
		RootDir     string `yaml:"root_dir"`
		PathOfModel string `yaml:"path_of_model"`
		ScoreFile   string `yaml:"score_file"`
		MLflowURI   string `yaml:"mlflow_uri"`
	} `yaml:"evaluation"`
}

type params struct {
	Augmentation bool    `yaml:"AUGMENTATION"`
	ImageSize    []int   `yaml:"IMAGE_SIZE"`
	BatchSize    int     `yaml:"BATCH_SIZE"`
	IncludeTop   bool    `yaml:"INCLUDE_TOP"`
	Epochs       int     `yaml:"EPOCHS"`
	Classes      int     `yaml:"CLASSES"`
	Weights      string  `yaml:"WEIGHTS"`
	LearningRate float64 `yaml:"LEARNING_RATE"`
}

// Manager slices the two pipeline documents into per-stage records. A
// Manager reads the files once; build a new one to pick up changes.
type Manager struct {
	baseDir    string
	configPath string
	paramsPath string

	config    pipelineConfig
	params    params
	rawParams map[string]interface{}

	logger log.Logger
}

func NewManager(configPath, paramsPath string, logger log.Logger) (*Manager, error) {
	return NewManagerIn("", configPath, paramsPath, logger)
}

// NewManagerIn reads the pipeline documents with every relative path, the
// documents' own included, taken relative to baseDir. An empty baseDir keeps
// paths relative to the process working directory.
func NewManagerIn(baseDir, configPath, paramsPath string, logger log.Logger) (*Manager, error) {
	m := &Manager{
		baseDir: baseDir,
		logger:  logger,
	}
	m.configPath = m.resolve(configPath)
	m.paramsPath = m.resolve(paramsPath)
	configPath, paramsPath = m.configPath, m.paramsPath

	if err := readYAML(configPath, &m.config); err != nil {
		return nil, err
	}
	logger.Infof("yaml file: %s loaded successfully", configPath)

	if err := readYAML(paramsPath, &m.params); err != nil {
		return nil, err
	}
	if err := readYAML(paramsPath, &m.rawParams); err != nil {
		return nil, err
	}
	logger.Infof("yaml file: %s loaded successfully", paramsPath)

	if m.config.ArtifactsRoot == "" {
		return nil, m.configError("artifacts_root is required")
	}
	m.resolvePaths()
	if err := m.createDirectories(m.config.ArtifactsRoot); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) resolve(path string) string {
	if m.baseDir == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.baseDir, path)
}

func (m *Manager) resolvePaths() {
	c := &m.config
	for _, p := range []*string{
		&c.ArtifactsRoot,
		&c.DataIngestion.RootDir,
		&c.DataIngestion.LocalDataFile,
		&c.DataIngestion.UnzipDir,
		&c.DataIngestion.DatasetDir,
		&c.PrepareBaseModel.RootDir,
		&c.PrepareBaseModel.BaseModelPath,
		&c.PrepareBaseModel.UpdatedBaseModelPath,
		&c.Training.RootDir,
		&c.Training.TrainedModelPath,
		&c.Training.ServingModelDir,
		&c.Evaluation.RootDir,
		&c.Evaluation.PathOfModel,
		&c.Evaluation.ScoreFile,
	} {
		*p = m.resolve(*p)
	}

	if u, err := url.Parse(c.Evaluation.MLflowURI); err == nil {
		switch {
		case u.Scheme == "":
			c.Evaluation.MLflowURI = m.resolve(c.Evaluation.MLflowURI)
		case u.Scheme == "file" && u.Opaque != "":
			c.Evaluation.MLflowURI = "file:" + m.resolve(u.Opaque)
		}
	}
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if doc == nil || len(bytes.TrimSpace(data)) == 0 {
		return &ConfigError{Path: path, Err: ErrEmptyConfig}
	}
	if _, ok := doc.(map[interface{}]interface{}); !ok {
		return &ConfigError{Path: path, Err: errors.New("yaml document is not a mapping")}
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	return nil
}

func (m *Manager) configError(msg string) error {
	return &ConfigError{Path: m.configPath, Err: errors.New(msg)}
}

func (m *Manager) paramsError(msg string) error {
	return &ConfigError{Path: m.paramsPath, Err: errors.New(msg)}
}

func (m *Manager) createDirectories(paths ...string) error {
	if err := util.CreateDirectories(paths...); err != nil {
		return err
	}
	for _, p := range paths {
		m.logger.Infof("created directory at: %s", p)
	}
	return nil
}

func requireFields(fields map[string]string) string {
	for _, name := range sortedKeys(fields) {
		if fields[name] == "" {
			return name + " is required"
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) imageSize() ([3]int, error) {
	var size [3]int
	if len(m.params.ImageSize) != 3 {
		return size, m.paramsError("IMAGE_SIZE must have exactly 3 elements")
	}
	for i, v := range m.params.ImageSize {
		if v <= 0 {
			return size, m.paramsError("IMAGE_SIZE elements must be positive")
		}
		size[i] = v
	}
	return size, nil
}

func (m *Manager) batchSize() (int, error) {
	if m.params.BatchSize <= 0 {
		return 0, m.paramsError("BATCH_SIZE must be positive")
	}
	return m.params.BatchSize, nil
}

func (m *Manager) trainingData() string {
	if m.config.DataIngestion.DatasetDir != "" {
		return m.config.DataIngestion.DatasetDir
	}
	return filepath.Join(m.config.DataIngestion.UnzipDir, constant.DefaultDatasetDirName)
}

func (m *Manager) DataIngestionConfig() (entity.DataIngestionConfig, error) {
	c := m.config.DataIngestion
	if msg := requireFields(map[string]string{
		"data_ingestion.root_dir":        c.RootDir,
		"data_ingestion.source_URL":      c.SourceURL,
		"data_ingestion.local_data_file": c.LocalDataFile,
		"data_ingestion.unzip_dir":       c.UnzipDir,
	}); msg != "" {
		return entity.DataIngestionConfig{}, m.configError(msg)
	}

	if err := m.createDirectories(c.RootDir); err != nil {
		return entity.DataIngestionConfig{}, err
	}

	return entity.DataIngestionConfig{
		RootDir:       c.RootDir,
		SourceURL:     c.SourceURL,
		LocalDataFile: c.LocalDataFile,
		UnzipDir:      c.UnzipDir,
		SHA256:        c.SHA256,
	}, nil
}

func (m *Manager) PrepareBaseModelConfig() (entity.PrepareBaseModelConfig, error) {
	c := m.config.PrepareBaseModel
	if msg := requireFields(map[string]string{
		"prepare_base_model.root_dir":                c.RootDir,
		"prepare_base_model.base_model_path":         c.BaseModelPath,
		"prepare_base_model.updated_base_model_path": c.UpdatedBaseModelPath,
	}); msg != "" {
		return entity.PrepareBaseModelConfig{}, m.configError(msg)
	}

	size, err := m.imageSize()
	if err != nil {
		return entity.PrepareBaseModelConfig{}, err
	}
	if m.params.Classes <= 0 {
		return entity.PrepareBaseModelConfig{}, m.paramsError("CLASSES must be positive")
	}

	if err := m.createDirectories(c.RootDir); err != nil {
		return entity.PrepareBaseModelConfig{}, err
	}

	return entity.PrepareBaseModelConfig{
		RootDir:              c.RootDir,
		BaseModelPath:        c.BaseModelPath,
		UpdatedBaseModelPath: c.UpdatedBaseModelPath,
		ParamsImageSize:      size,
		ParamsLearningRate:   m.params.LearningRate,
		ParamsIncludeTop:     m.params.IncludeTop,
		ParamsWeights:        m.params.Weights,
		ParamsClasses:        m.params.Classes,
	}, nil
}

func (m *Manager) TrainingConfig() (entity.TrainingConfig, error) {
	c := m.config.Training
	if msg := requireFields(map[string]string{
		"training.root_dir":                          c.RootDir,
		"training.trained_model_path":                c.TrainedModelPath,
		"prepare_base_model.updated_base_model_path": m.config.PrepareBaseModel.UpdatedBaseModelPath,
		"data_ingestion.unzip_dir":                   m.config.DataIngestion.UnzipDir,
	}); msg != "" {
		return entity.TrainingConfig{}, m.configError(msg)
	}

	size, err := m.imageSize()
	if err != nil {
		return entity.TrainingConfig{}, err
	}
	batch, err := m.batchSize()
	if err != nil {
		return entity.TrainingConfig{}, err
	}
	if m.params.Epochs <= 0 {
		return entity.TrainingConfig{}, m.paramsError("EPOCHS must be positive")
	}

	if err := m.createDirectories(c.RootDir); err != nil {
		return entity.TrainingConfig{}, err
	}

	return entity.TrainingConfig{
		RootDir:              c.RootDir,
		TrainedModelPath:     c.TrainedModelPath,
		UpdatedBaseModelPath: m.config.PrepareBaseModel.UpdatedBaseModelPath,
		TrainingData:         m.trainingData(),
		ServingModelDir:      c.ServingModelDir,
		ParamsEpochs:         m.params.Epochs,
		ParamsBatchSize:      batch,
		ParamsIsAugmentation: m.params.Augmentation,
		ParamsImageSize:      size,
	}, nil
}

func (m *Manager) EvaluationConfig() (entity.EvaluationConfig, error) {
	c := m.config.Evaluation

	rootDir := c.RootDir
	if rootDir == "" {
		rootDir = filepath.Join(m.config.ArtifactsRoot, "evaluation")
	}
	pathOfModel := c.PathOfModel
	if pathOfModel == "" {
		pathOfModel = m.config.Training.TrainedModelPath
	}
	scoreFile := c.ScoreFile
	if scoreFile == "" {
		scoreFile = m.resolve(constant.DefaultScoreFile)
	}

	if msg := requireFields(map[string]string{
		"evaluation.path_of_model": pathOfModel,
		"data_ingestion.unzip_dir": m.config.DataIngestion.UnzipDir,
	}); msg != "" {
		return entity.EvaluationConfig{}, m.configError(msg)
	}

	size, err := m.imageSize()
	if err != nil {
		return entity.EvaluationConfig{}, err
	}
	batch, err := m.batchSize()
	if err != nil {
		return entity.EvaluationConfig{}, err
	}

	if err := m.createDirectories(rootDir); err != nil {
		return entity.EvaluationConfig{}, err
	}

	allParams := make(map[string]interface{}, len(m.rawParams))
	for k, v := range m.rawParams {
		allParams[k] = v
	}

	return entity.EvaluationConfig{
		RootDir:         rootDir,
		PathOfModel:     pathOfModel,
		TrainingData:    m.trainingData(),
		ScoreFile:       scoreFile,
		MLflowURI:       c.MLflowURI,
		AllParams:       allParams,
		ParamsImageSize: size,
		ParamsBatchSize: batch,
	}, nil
}
