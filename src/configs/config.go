package configs

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Enabled   bool   `yaml:"enabled"`
		Port      int    `yaml:"port"`
		StaticDir string `yaml:"static_dir"`
	} `yaml:"web"`

	SelectedModule map[string]string `yaml:"selected_module"`

	VLLLM map[string]VLLMConfig `yaml:"VLLLM"`

	Camera CameraConfig `yaml:"camera"`
}

// VLLMConfig VLLLM配置结构（视觉语言大模型）
type VLLMConfig struct {
	Type        string                 `yaml:"type"`        // API类型：openai 或 ollama
	ModelName   string                 `yaml:"model_name"`  // 模型名称，使用支持视觉的模型
	BaseURL     string                 `yaml:"url"`         // API地址
	APIKey      string                 `yaml:"api_key"`     // API密钥（留空则使用编译期注入的密钥）
	Temperature float64                `yaml:"temperature"` // 温度参数
	MaxTokens   int                    `yaml:"max_tokens"`  // 最大令牌数
	TopP        float64                `yaml:"top_p"`       // TopP参数
	Extra       map[string]interface{} `yaml:",inline"`     // 额外配置
}

// CameraConfig 相机取景配置
type CameraConfig struct {
	SnapshotURL       string `yaml:"snapshot_url"`        // 相机快照地址
	PreviewIntervalMS int    `yaml:"preview_interval_ms"` // 预览帧轮询间隔（毫秒）
}

// LoadConfig 从文件加载配置,默认使用.config.yaml
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, path, err
	}

	config.applyDefaults()
	config.applySecrets()

	return config, path, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.PreviewIntervalMS <= 0 {
		c.Camera.PreviewIntervalMS = 200
	}
	if c.Log.LogDir == "" {
		c.Log.LogDir = "logs"
	}
	if c.Log.LogFile == "" {
		c.Log.LogFile = "server.log"
	}
}

// applySecrets 将编译期注入的API密钥填入未显式配置密钥的VLLLM条目
func (c *Config) applySecrets() {
	for name, vc := range c.VLLLM {
		if vc.APIKey == "" {
			vc.APIKey = APIKey
			c.VLLLM[name] = vc
		}
	}
}
