package vision

import "platelens-server-go/src/nutrition"

// UnlockRequest 解锁请求体
type UnlockRequest struct {
	Code string `json:"code"` // 解锁码
}

// UnlockResponse 解锁响应
type UnlockResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`   // 会话token（成功时）
	Message string `json:"message,omitempty"` // 错误信息（失败时）
}

// AnalyzeResponse 分析接口标准响应结构
type AnalyzeResponse struct {
	Success bool            `json:"success"`           // 是否成功
	Result  *nutrition.View `json:"result,omitempty"`  // 渲染后的营养视图（成功时）
	Message string          `json:"message,omitempty"` // 错误信息（失败时）
	Kind    string          `json:"kind,omitempty"`    // 错误分类（失败时）
}

// ScreenResponse 画面状态响应
type ScreenResponse struct {
	Screen string `json:"screen"`
}
