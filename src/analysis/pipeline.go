package analysis

import (
	"context"
	"fmt"
	"time"

	"platelens-server-go/src/core/extract"
	capture "platelens-server-go/src/core/image"
	"platelens-server-go/src/core/providers/vlllm"
	"platelens-server-go/src/core/utils"
	"platelens-server-go/src/nutrition"
)

// Pipeline 分析流水线：图片 → 远端推理 → JSON提取 → 渲染
// 各阶段严格串行，任一阶段失败即终止本次尝试
type Pipeline struct {
	provider *vlllm.Provider
	journal  *Journal
	logger   *utils.Logger
}

// NewPipeline 创建分析流水线
func NewPipeline(provider *vlllm.Provider, journal *Journal, logger *utils.Logger) *Pipeline {
	return &Pipeline{
		provider: provider,
		journal:  journal,
		logger:   logger,
	}
}

// Analyze 执行一次完整分析，返回可直接展示的视图
// 失败时返回分类错误，调用方据此通知用户并把会话重置到初始画面
func (p *Pipeline) Analyze(ctx context.Context, sessionID string, img capture.CapturedImage) (*nutrition.View, error) {
	started := time.Now()

	// 诊断信息只进日志和流水账，从不拒绝图片
	info, decoded := capture.Inspect(img)
	if !decoded {
		p.logger.Debug("图片头无法解码，跳过尺寸诊断")
	}

	// 凭证占位符未替换时在任何网络请求之前拦下
	if !p.provider.HasCredential() {
		err := NewError(KindConfiguration, "API凭证未配置，请通过编译参数注入")
		p.fail(sessionID, info, started, err)
		return nil, err
	}

	completion, err := p.provider.AnalyzeImage(ctx, img)
	if err != nil {
		werr := WrapError(KindTransport, err)
		p.fail(sessionID, info, started, werr)
		return nil, werr
	}

	var result nutrition.AnalysisResult
	if err := extract.Decode(completion, &result); err != nil {
		werr := WrapError(KindExtraction, err)
		p.fail(sessionID, info, started, werr)
		return nil, werr
	}

	view := nutrition.Render(result)

	p.journal.Record(sessionID, p.provider.ModelName(), info, started, "", nil)
	p.logger.Info(fmt.Sprintf("分析完成: session=%s 耗时=%dms 置信度=%s",
		sessionID, time.Since(started).Milliseconds(), view.Confidence))

	return &view, nil
}

// fail 失败收尾：进日志与流水账（用户通知由调用方负责）
func (p *Pipeline) fail(sessionID string, info capture.ImageInfo, started time.Time, err error) {
	p.logger.Error(fmt.Sprintf("分析失败: session=%s %v", sessionID, err))
	p.journal.Record(sessionID, p.provider.ModelName(), info, started, KindOf(err), err)
}
