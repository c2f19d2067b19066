package config

import (
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token   string `toml:"token" mapstructure:"token"`
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Backend string `toml:"backend" mapstructure:"backend"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`

	TopK      int     `toml:"top_k" mapstructure:"top_k"`
	Threshold float32 `toml:"threshold" mapstructure:"threshold"`

	ModelRepo     string `toml:"model_repo" mapstructure:"model_repo"`
	ModelDir      string `toml:"model_dir" mapstructure:"model_dir"`
	ModelName     string `toml:"model_name" mapstructure:"model_name"`
	ModelKind     string `toml:"model_kind" mapstructure:"model_kind"`
	ModelFileName string `toml:"model_file_name" mapstructure:"model_file_name"`
	HfToken       string `toml:"hf_token" mapstructure:"hf_token"`
}

var (
	cfg = Config{
		Token:         "",
		Host:          "0.0.0.0",
		Port:          "8000",
		Backend:       "go",
		TopK:          5,
		Threshold:     0.0,
		ModelRepo:     "Xenova/vit-base-patch16-224",
		ModelDir:      "models",
		ModelName:     "classifier",
		ModelKind:     "classification",
		ModelFileName: "onnx/model.onnx",
	}
	loadOnce sync.Once
)

// C returns the process configuration, reading config.toml once on first
// use. The SIGHTGLASS_CONFIG environment variable overrides the file path.
func C() Config {
	loadOnce.Do(func() {
		path := "config.toml"
		if override := os.Getenv("SIGHTGLASS_CONFIG"); override != "" {
			path = override
		}
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				panic(err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		}
	})
	return cfg
}
