package vlllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"platelens-server-go/src/configs"
	capture "platelens-server-go/src/core/image"
	"platelens-server-go/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// AnalysisPrompt 固定的分析指令，要求远端模型只回JSON
// 这里的JSON形状是与远端服务的约定，本地不做schema校验
const AnalysisPrompt = `You are a nutrition analysis assistant. Analyze the food in this photo and respond with ONLY a JSON object, no extra commentary, in exactly this shape:
{
  "items": [{"item": "food name", "calories": number}],
  "nutrition_summary": {
    "total_calories": number,
    "macronutrients": {"protein_g": number, "carbs_g": number, "fat_g": number, "fiber_g": number},
    "micronutrients": {"sugar_g": number, "sodium_mg": number}
  },
  "general_summary": "one or two sentences about the meal",
  "confidence_score": "High" | "Medium" | "Low",
  "health_tips": "a short piece of advice"
}`

// Config VLLLM配置结构
type Config struct {
	Type        string
	ModelName   string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Provider VLLLM提供者，直接处理多模态API
type Provider struct {
	config *Config
	logger *utils.Logger

	// 直接的API客户端
	openaiClient *openai.Client // 用于OpenAI类型
	httpClient   *http.Client   // 用于Ollama类型
}

// OllamaRequest Ollama API请求结构
type OllamaRequest struct {
	Model    string                 `json:"model"`
	Messages []OllamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// OllamaMessage Ollama消息结构
type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64编码的图片
}

// OllamaResponse Ollama API响应结构
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// NewProvider 根据选中的配置创建VLLLM提供者
func NewProvider(vc *configs.VLLMConfig, logger *utils.Logger) (*Provider, error) {
	provider := &Provider{
		config: &Config{
			Type:        vc.Type,
			ModelName:   vc.ModelName,
			BaseURL:     vc.BaseURL,
			APIKey:      vc.APIKey,
			Temperature: vc.Temperature,
			MaxTokens:   vc.MaxTokens,
			TopP:        vc.TopP,
		},
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	return provider, nil
}

// Initialize 初始化Provider
func (p *Provider) Initialize() error {
	switch strings.ToLower(p.config.Type) {
	case "openai":
		clientConfig := openai.DefaultConfig(p.config.APIKey)
		if p.config.BaseURL != "" {
			clientConfig.BaseURL = p.config.BaseURL
		}
		p.openaiClient = openai.NewClientWithConfig(clientConfig)

	case "ollama":
		// Ollama不需要API key，只需要确保有BaseURL
		if p.config.BaseURL == "" {
			p.config.BaseURL = "http://localhost:11434" // 默认Ollama地址
		}

	default:
		return fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}

	p.logger.Debug("VLLLM Provider初始化成功 %v", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
	})

	return nil
}

// HasCredential 当前类型是否具备调用所需的凭证
// openai类型缺密钥时必须在发起任何网络请求之前拦下
func (p *Provider) HasCredential() bool {
	if strings.ToLower(p.config.Type) == "ollama" {
		return true
	}
	return p.config.APIKey != ""
}

// ModelName 当前使用的模型名
func (p *Provider) ModelName() string {
	return p.config.ModelName
}

// AnalyzeImage 发送固定指令与图片，等待一次完整的文本补全
// 只尝试一次，失败不重试，超时依赖传输层自身的设置
func (p *Provider) AnalyzeImage(ctx context.Context, img capture.CapturedImage) (string, error) {
	p.logger.Debug("开始调用多模态API %v", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
		"image_size": len(img.Base64),
	})

	switch strings.ToLower(p.config.Type) {
	case "openai":
		return p.analyzeWithOpenAIVision(ctx, img)
	case "ollama":
		return p.analyzeWithOllamaVision(ctx, img)
	default:
		return "", fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}
}

// analyzeWithOpenAIVision 使用OpenAI Vision API
func (p *Provider) analyzeWithOpenAIVision(ctx context.Context, img capture.CapturedImage) (string, error) {
	// 构建包含图片的多模态消息
	visionMessage := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: AnalysisPrompt,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: img.DataURI(),
				},
			},
		},
	}

	resp, err := p.openaiClient.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       p.config.ModelName,
			Messages:    []openai.ChatCompletionMessage{visionMessage},
			MaxTokens:   p.config.MaxTokens,
			Temperature: float32(p.config.Temperature),
			TopP:        float32(p.config.TopP),
		},
	)
	if err != nil {
		p.logger.Error(fmt.Sprintf("OpenAI Vision API调用失败: %v", err))
		return "", fmt.Errorf("OpenAI Vision API调用失败: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI Vision API返回空choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// analyzeWithOllamaVision 使用Ollama Vision API
func (p *Provider) analyzeWithOllamaVision(ctx context.Context, img capture.CapturedImage) (string, error) {
	request := OllamaRequest{
		Model: p.config.ModelName,
		Messages: []OllamaMessage{
			{
				Role:    "user",
				Content: AnalysisPrompt,
				Images:  []string{img.Base64}, // Ollama需要纯base64，不需要data URL前缀
			},
		},
		Stream: false,
		Options: map[string]interface{}{
			"temperature": p.config.Temperature,
			"top_p":       p.config.TopP,
			"num_predict": p.config.MaxTokens,
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("Ollama请求序列化失败: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(p.config.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("创建Ollama请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error(fmt.Sprintf("Ollama API调用失败: %v", err))
		return "", fmt.Errorf("Ollama API调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Error(fmt.Sprintf("Ollama API返回错误: %d %s", resp.StatusCode, resp.Status))
		return "", fmt.Errorf("Ollama API返回错误: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("解析Ollama响应失败: %w", err)
	}

	return response.Message.Content, nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	p.logger.Info("VLLLM Provider清理完成")
	return nil
}
