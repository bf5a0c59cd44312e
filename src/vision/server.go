package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"platelens-server-go/src/analysis"
	"platelens-server-go/src/configs"
	"platelens-server-go/src/core/auth"
	"platelens-server-go/src/core/camera"
	capture "platelens-server-go/src/core/image"
	"platelens-server-go/src/core/providers/vlllm"
	"platelens-server-go/src/core/utils"
	"platelens-server-go/src/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// 最大上传大小为10MB（multipart留内存的上限，不是图片校验）
	maxMultipartMemory = 10 * 1024 * 1024
)

// DefaultVisionService 餐食照片分析HTTP服务
type DefaultVisionService struct {
	logger    *utils.Logger
	config    *configs.Config
	pipeline  *analysis.Pipeline
	provider  *vlllm.Provider
	sessions  *session.Store
	authToken *auth.AuthToken
}

// NewDefaultVisionService 构造函数
func NewDefaultVisionService(config *configs.Config, journal *analysis.Journal, logger *utils.Logger) (*DefaultVisionService, error) {
	service := &DefaultVisionService{
		logger:   logger,
		config:   config,
		sessions: session.NewStore(),
	}

	// 会话token用解锁码派生的密钥签名，解锁码本身不会出现在token里
	service.authToken = auth.NewAuthToken("platelens-session:" + configs.UnlockCode)

	if err := service.initProvider(journal); err != nil {
		return nil, fmt.Errorf("初始化VLLLM provider失败: %v", err)
	}

	return service, nil
}

// initProvider 按配置选择并初始化VLLLM provider
func (s *DefaultVisionService) initProvider(journal *analysis.Journal) error {
	selected := s.config.SelectedModule["VLLLM"]
	if selected == "" {
		return fmt.Errorf("请设置好VLLLM provider配置")
	}

	vlllmConfig, ok := s.config.VLLLM[selected]
	if !ok {
		return fmt.Errorf("未找到VLLLM配置: %s", selected)
	}

	provider, err := vlllm.NewProvider(&vlllmConfig, s.logger)
	if err != nil {
		return fmt.Errorf("创建VLLLM provider失败: %v", err)
	}
	if err := provider.Initialize(); err != nil {
		return fmt.Errorf("初始化VLLLM provider失败: %v", err)
	}

	s.provider = provider
	s.pipeline = analysis.NewPipeline(provider, journal, s.logger)
	s.logger.Info(fmt.Sprintf("VLLLM provider %s 初始化成功", selected))

	return nil
}

// Start 实现 VisionService 接口，注册所有分析相关路由
func (s *DefaultVisionService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	engine.MaxMultipartMemory = maxMultipartMemory

	apiGroup.POST("/unlock", s.handleUnlock)

	apiGroup.GET("/vision", s.handleStatus)
	apiGroup.OPTIONS("/vision", s.handleOptions)

	authed := apiGroup.Group("")
	authed.Use(s.sessionMiddleware())
	authed.POST("/vision", s.handleAnalyzeUpload)
	authed.POST("/vision/camera", s.handleCameraOpen)
	authed.POST("/vision/camera/capture", s.handleCameraCapture)
	authed.DELETE("/vision/camera", s.handleCameraBack)
	authed.GET("/vision/preview", s.handlePreview)
	authed.POST("/vision/dismiss", s.handleDismiss)
	authed.GET("/vision/screen", s.handleScreen)

	s.logger.Info("Vision HTTP服务路由注册完成")
	return nil
}

// handleOptions 处理OPTIONS请求（CORS）
func (s *DefaultVisionService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusOK)
}

// handleStatus 状态检查
func (s *DefaultVisionService) handleStatus(c *gin.Context) {
	s.addCORSHeaders(c)

	var message string
	if s.provider != nil {
		message = fmt.Sprintf("餐食分析接口运行正常，当前模型: %s", s.provider.ModelName())
	} else {
		message = "餐食分析接口运行不正常，没有可用的VLLLM provider"
	}
	c.String(http.StatusOK, message)
}

// handleUnlock 解锁码比对，通过后建会话并签发token
// 解锁码只做静态比对，不做锁定或限速
func (s *DefaultVisionService) handleUnlock(c *gin.Context) {
	s.addCORSHeaders(c)

	var req UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, UnlockResponse{Success: false, Message: "解析请求失败: " + err.Error()})
		return
	}

	if configs.UnlockCode == "" {
		s.logger.Error("解锁码未通过编译参数注入，拒绝解锁")
		c.JSON(http.StatusServiceUnavailable, UnlockResponse{Success: false, Message: "服务未正确配置"})
		return
	}

	if req.Code != configs.UnlockCode {
		c.JSON(http.StatusUnauthorized, UnlockResponse{Success: false, Message: "解锁码不正确"})
		return
	}

	// 借解锁时机清掉token已过期的会话，存储不随时间无限增长
	if reaped := s.sessions.Reap(auth.TokenTTL); reaped > 0 {
		s.logger.Info(fmt.Sprintf("已清理%d个过期会话", reaped))
	}

	sess := s.sessions.Create(uuid.New().String())
	if _, err := sess.Apply(session.EventUnlock, session.Mutation{}); err != nil {
		c.JSON(http.StatusInternalServerError, UnlockResponse{Success: false, Message: err.Error()})
		return
	}

	token, err := s.authToken.GenerateToken(sess.ID)
	if err != nil {
		s.logger.Error(fmt.Sprintf("签发会话token失败: %v", err))
		c.JSON(http.StatusInternalServerError, UnlockResponse{Success: false, Message: "签发会话token失败"})
		return
	}

	s.logger.Info(fmt.Sprintf("会话解锁成功: %s", sess.ID))
	c.JSON(http.StatusOK, UnlockResponse{Success: true, Token: token})
}

// sessionMiddleware 从Bearer token解析会话并挂到上下文
func (s *DefaultVisionService) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.addCORSHeaders(c)

		sess, err := s.sessionFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, AnalyzeResponse{Success: false, Message: err.Error()})
			return
		}
		c.Set("session", sess)
		c.Next()
	}
}

// sessionFromRequest 支持Authorization头或token查询参数（websocket用后者）
func (s *DefaultVisionService) sessionFromRequest(c *gin.Context) (*session.Session, error) {
	token := ""
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = authHeader[7:]
	} else {
		token = c.Query("token")
	}
	if token == "" {
		return nil, fmt.Errorf("缺少会话token")
	}

	isValid, sessionID, err := s.authToken.VerifyToken(token)
	if err != nil || !isValid {
		return nil, fmt.Errorf("无效的会话token或token已过期")
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("会话不存在，请重新解锁")
	}
	return sess, nil
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet("session").(*session.Session)
}

// handleAnalyzeUpload 上传模式：读入文件 → 推理 → 提取 → 渲染
func (s *DefaultVisionService) handleAnalyzeUpload(c *gin.Context) {
	sess := currentSession(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, AnalyzeResponse{Success: false, Message: "缺少图片文件: " + err.Error()})
		return
	}
	defer file.Close()

	img, err := capture.FromReader(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}

	s.logger.Debug("收到上传分析请求 %v", map[string]interface{}{
		"session":  sess.ID,
		"filename": header.Filename,
		"size":     header.Size,
		"mime":     img.MIME,
	})

	attempt, err := sess.Apply(session.EventUpload, session.Mutation{Image: img})
	if err != nil {
		// 只有初始画面才允许发起新分析
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}

	s.runAnalysis(c, sess, attempt, img)
}

// handleCameraOpen 进入相机画面并打开相机流
func (s *DefaultVisionService) handleCameraOpen(c *gin.Context) {
	sess := currentSession(c)

	if sess.Screen() != session.ScreenInitial {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: fmt.Sprintf("画面%s不允许打开相机", sess.Screen())})
		return
	}

	stream, err := camera.Open(c.Request.Context(), s.config.Camera, s.logger)
	if err != nil {
		// 采集失败：通知用户，停留在初始画面，不启动流水线
		s.logger.Warn(fmt.Sprintf("打开相机失败: %v", err))
		c.JSON(http.StatusBadGateway, AnalyzeResponse{
			Success: false,
			Message: "无法访问相机: " + err.Error(),
			Kind:    string(analysis.KindAcquisition),
		})
		return
	}

	if _, err := sess.Apply(session.EventCameraOpen, session.Mutation{Stream: stream}); err != nil {
		stream.Close()
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, ScreenResponse{Screen: string(sess.Screen())})
}

// handleCameraBack 从相机画面退回初始画面并释放相机流
func (s *DefaultVisionService) handleCameraBack(c *gin.Context) {
	sess := currentSession(c)

	if _, err := sess.Apply(session.EventCameraBack, session.Mutation{}); err != nil {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ScreenResponse{Screen: string(sess.Screen())})
}

// handleCameraCapture 抓取当前帧并进入分析
func (s *DefaultVisionService) handleCameraCapture(c *gin.Context) {
	sess := currentSession(c)

	stream := sess.Stream()
	if stream == nil || sess.Screen() != session.ScreenCamera {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: "当前不在相机画面"})
		return
	}

	img, err := stream.Capture()
	if err != nil {
		// 抓帧失败按采集失败处理：退回初始画面并释放流
		s.logger.Warn(fmt.Sprintf("抓帧失败: %v", err))
		if _, aerr := sess.Apply(session.EventCameraBack, session.Mutation{}); aerr != nil {
			s.logger.Warn(fmt.Sprintf("抓帧失败后的回退也失败: %v", aerr))
		}
		c.JSON(http.StatusBadGateway, AnalyzeResponse{
			Success: false,
			Message: "抓取相机帧失败: " + err.Error(),
			Kind:    string(analysis.KindAcquisition),
		})
		return
	}

	// 进入loading的同时释放相机流（EffectReleaseStream）
	attempt, err := sess.Apply(session.EventCapture, session.Mutation{Image: img})
	if err != nil {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}

	s.runAnalysis(c, sess, attempt, img)
}

// runAnalysis 同步执行流水线并按结果迁移画面
// 在途请求不会被中止，但迟到的完成不再更新已离开loading的会话
func (s *DefaultVisionService) runAnalysis(c *gin.Context, sess *session.Session, attempt uint64, img capture.CapturedImage) {
	view, err := s.pipeline.Analyze(c.Request.Context(), sess.ID, img)

	if !sess.StillLoading(attempt) {
		s.logger.Warn(fmt.Sprintf("丢弃迟到的分析结果: session=%s attempt=%d", sess.ID, attempt))
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: "会话已离开分析画面"})
		return
	}

	if err != nil {
		// 所有失败路径收敛到同一恢复动作：丢弃在途状态，回初始画面
		if _, aerr := sess.Apply(session.EventAnalyzeFail, session.Mutation{}); aerr != nil {
			s.logger.Warn(fmt.Sprintf("分析失败后的回退也失败: %v", aerr))
		}
		c.JSON(statusForKind(analysis.KindOf(err)), AnalyzeResponse{
			Success: false,
			Message: err.Error(),
			Kind:    string(analysis.KindOf(err)),
		})
		return
	}

	if _, aerr := sess.Apply(session.EventAnalyzeDone, session.Mutation{View: view}); aerr != nil {
		s.logger.Warn(fmt.Sprintf("进入结果画面失败: %v", aerr))
	}

	c.JSON(http.StatusOK, AnalyzeResponse{Success: true, Result: view})
}

// handleDismiss 离开结果画面，回到初始画面
func (s *DefaultVisionService) handleDismiss(c *gin.Context) {
	sess := currentSession(c)

	if _, err := sess.Apply(session.EventDismiss, session.Mutation{}); err != nil {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ScreenResponse{Screen: string(sess.Screen())})
}

// handleScreen 查询当前画面
func (s *DefaultVisionService) handleScreen(c *gin.Context) {
	sess := currentSession(c)
	c.JSON(http.StatusOK, ScreenResponse{Screen: string(sess.Screen())})
}

// statusForKind 错误分类到HTTP状态码
func statusForKind(kind analysis.Kind) int {
	switch kind {
	case analysis.KindConfiguration:
		return http.StatusServiceUnavailable
	case analysis.KindAcquisition:
		return http.StatusBadGateway
	case analysis.KindTransport:
		return http.StatusBadGateway
	case analysis.KindExtraction:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// addCORSHeaders 添加CORS头
func (s *DefaultVisionService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
}

// Cleanup 清理资源：释放所有会话持有的相机流
func (s *DefaultVisionService) Cleanup() error {
	s.sessions.CloseAll()

	if s.provider != nil {
		if err := s.provider.Cleanup(); err != nil {
			s.logger.Warn(fmt.Sprintf("清理VLLLM provider失败: %v", err))
		}
	}
	s.logger.Info("Vision服务清理完成")
	return nil
}
