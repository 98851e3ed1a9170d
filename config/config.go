package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token   string `toml:"token" mapstructure:"token"`
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`

	ModelDir       string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName  string `toml:"model_file_name" mapstructure:"model_file_name"`
	LabelsFileName string `toml:"labels_file_name" mapstructure:"labels_file_name"`

	ImageSize      int    `toml:"image_size" mapstructure:"image_size"`
	MaxImagePixels int64  `toml:"max_image_pixels" mapstructure:"max_image_pixels"`
	InputLayout    string `toml:"input_layout" mapstructure:"input_layout"`
	Softmax        bool   `toml:"softmax" mapstructure:"softmax"`
	TopK           int    `toml:"top_k" mapstructure:"top_k"`
	Sessions       int    `toml:"sessions" mapstructure:"sessions"`

	// IntraOpThreads of 0 leaves the ONNX Runtime default.
	IntraOpThreads int `toml:"intra_op_threads" mapstructure:"intra_op_threads"`

	MaxUploadMB int64 `toml:"max_upload_mb" mapstructure:"max_upload_mb"`

	LogLevel  string `toml:"log_level" mapstructure:"log_level"`
	LogFormat string `toml:"log_format" mapstructure:"log_format"`
	LogFile   string `toml:"log_file" mapstructure:"log_file"`
}

// DefaultPath is read when no explicit path is given.
const DefaultPath = "config.toml"

// EnvPath overrides DefaultPath.
const EnvPath = "PLANTDOC_CONFIG"

func Default() Config {
	return Config{
		Token:          "",
		Host:           "0.0.0.0",
		Port:           "8000",
		ModelDir:       "models",
		ModelFileName:  "plant_disease_prediction_model.onnx",
		LabelsFileName: "class_indices.json",
		ImageSize:      224,
		MaxImagePixels: 40_000_000,
		InputLayout:    "NHWC",
		Softmax:        false,
		TopK:           3,
		Sessions:       1,
		MaxUploadMB:    10,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
	loadErr  error
	path     = ""
)

// SetPath must be called before the first C() to take effect.
func SetPath(p string) {
	path = p
}

// Init loads the process configuration once and reports any error.
func Init() error {
	loadOnce.Do(func() {
		p := path
		if p == "" {
			p = os.Getenv(EnvPath)
		}
		explicit := p != ""
		if p == "" {
			p = DefaultPath
		}
		if _, err := os.Stat(p); err != nil {
			if explicit {
				loadErr = fmt.Errorf("config file %s: %w", p, err)
			}
			return
		}
		c, err := Load(p)
		if err != nil {
			loadErr = err
			return
		}
		cfg = *c
	})
	return loadErr
}

func C() Config {
	if err := Init(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a TOML file on top of the defaults.
func Load(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.InputLayout = strings.ToUpper(strings.TrimSpace(c.InputLayout))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("image_size must be positive, got %d", c.ImageSize))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("max_image_pixels must be positive, got %d", c.MaxImagePixels))
	}
	if c.InputLayout != "NHWC" && c.InputLayout != "NCHW" {
		errs = append(errs, fmt.Errorf("input_layout must be NHWC or NCHW, got %q", c.InputLayout))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", c.TopK))
	}
	if c.Sessions <= 0 {
		errs = append(errs, fmt.Errorf("sessions must be positive, got %d", c.Sessions))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB))
	}
	if c.ModelFileName == "" || c.LabelsFileName == "" {
		errs = append(errs, errors.New("model_file_name and labels_file_name are required"))
	}
	return errors.Join(errs...)
}

func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, c.ModelFileName)
}

func (c Config) LabelsPath() string {
	return filepath.Join(c.ModelDir, c.LabelsFileName)
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}
