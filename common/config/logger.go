package config

type LoggerConfig struct {
	Format        string `yaml:"format"`
	Level         string `yaml:"level"`
	Path          string `yaml:"path"`
	RotationCount uint   `yaml:"rotationCount"`
}
