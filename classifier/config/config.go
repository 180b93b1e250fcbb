package config

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/lungscan/classifier-broker/common/config"
)

const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

type Pipeline struct {
	ConfigFile string `yaml:"configFile"`
	ParamsFile string `yaml:"paramsFile"`
	// Workspace is the directory the pipeline runs in. It is mounted into
	// the execution container, so artifact paths must stay inside it.
	Workspace string `yaml:"workspace"`
}

type Quota struct {
	CpuCount int64 `yaml:"cpuCount"`
	Memory   int64 `yaml:"memory"`  // Memory limit in GB
	Storage  int64 `yaml:"storage"` // Storage limit in GB
	GpuCount int64 `yaml:"gpuCount"`
}

type Backend struct {
	Type               string `yaml:"type"`
	ExecutionImageName string `yaml:"executionImageName"`
	BuildImage         bool   `yaml:"buildImage"`
	OverrideImage      bool   `yaml:"overrideImage"`
	DockerfilePath     string `yaml:"dockerfilePath"`
	RunnerScript       string `yaml:"runnerScript"`
	Python             string `yaml:"python"`
	CheckPythonEnv     bool   `yaml:"checkPythonEnv"`
	GPU                bool   `yaml:"gpu"`
	Quota              Quota  `yaml:"quota"`
}

type Serving struct {
	URL         string `yaml:"url"`
	ModelName   string `yaml:"modelName"`
	TimeoutSecs uint   `yaml:"timeoutSecs"`
	// LoadTimeoutSecs bounds the wait for a newly exported version to be
	// served after training.
	LoadTimeoutSecs uint `yaml:"loadTimeoutSecs"`
}

type Tracking struct {
	Enable              bool   `yaml:"enable"`
	URI                 string `yaml:"uri"`
	ExperimentName      string `yaml:"experimentName"`
	RegisteredModelName string `yaml:"registeredModelName"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
}

type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
	Database struct {
		Training string `yaml:"training"`
	} `yaml:"database"`
	Backend      Backend             `yaml:"backend"`
	Serving      Serving             `yaml:"serving"`
	Tracking     Tracking            `yaml:"tracking"`
	Logger       config.LoggerConfig `yaml:"logger"`
	AllowOrigins []string            `yaml:"allowOrigins"`
	Monitor      struct {
		Enable bool `yaml:"enable"`
	} `yaml:"monitor"`
	TrainingWorkerCount  int    `yaml:"trainingWorkerCount"`
	MaxTaskQueueSize     uint   `yaml:"maxTaskQueueSize"`
	TaskPollIntervalSecs uint   `yaml:"taskPollIntervalSecs"`
	TaskTimeoutSecs      uint   `yaml:"taskTimeoutSecs"`
	TaskLogDir           string `yaml:"taskLogDir"`
}

var (
	instance *Config
	once     sync.Once
)

func defaultConfig() *Config {
	return &Config{
		Pipeline: Pipeline{
			ConfigFile: "config/config.yaml",
			ParamsFile: "params.yaml",
			Workspace:  ".",
		},
		Backend: Backend{
			Type:               BackendDocker,
			ExecutionImageName: "lungscan-keras-runner:v1",
			BuildImage:         true,
			OverrideImage:      false,
			DockerfilePath:     "classifier/execution/keras",
			RunnerScript:       "classifier/execution/keras/runner.py",
			Python:             "python3",
			Quota: Quota{
				CpuCount: 4,
				Memory:   8,
				Storage:  20,
				GpuCount: 1,
			},
		},
		Serving: Serving{
			URL:             "http://localhost:8501",
			ModelName:       "classifier",
			TimeoutSecs:     30,
			LoadTimeoutSecs: 300,
		},
		Tracking: Tracking{
			ExperimentName:      "Default",
			RegisteredModelName: "VGG16Model",
		},
		Logger: config.LoggerConfig{
			Format:        "text",
			Level:         "info",
			Path:          "",
			RotationCount: 50,
		},
		AllowOrigins:         []string{"*"},
		TrainingWorkerCount:  1,
		MaxTaskQueueSize:     5,
		TaskPollIntervalSecs: 5,
		TaskTimeoutSecs:      60 * 60 * 6,
		TaskLogDir:           "",
	}
}

func loadConfig(config *Config) error {
	configPath := "/etc/config/config.yaml"
	if envPath := os.Getenv("CONFIG_FILE"); envPath != "" {
		configPath = envPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return err
	}
	return config.validate()
}

func (c *Config) validate() error {
	switch c.Backend.Type {
	case BackendDocker, BackendProcess:
	default:
		return fmt.Errorf("unknown backend type: %s", c.Backend.Type)
	}
	if c.TrainingWorkerCount <= 0 {
		return fmt.Errorf("trainingWorkerCount must be positive, got %d", c.TrainingWorkerCount)
	}
	if c.TaskPollIntervalSecs == 0 {
		return fmt.Errorf("taskPollIntervalSecs must be positive")
	}
	return nil
}

func GetConfig() *Config {
	once.Do(func() {
		instance = defaultConfig()
		if err := loadConfig(instance); err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
	})

	return instance
}
