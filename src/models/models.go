package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisRecord 运维侧的分析流水账，只留元数据
// 不保存营养结果本身（不缓存历史结果）
type AnalysisRecord struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string `gorm:"index"`
	Model       string
	ImageFormat string
	ImageWidth  int
	ImageHeight int
	ImageBytes  int64
	LatencyMs   int64
	Outcome     string         // ok 或错误分类
	Detail      datatypes.JSON // 失败时的诊断信息
	CreatedAt   time.Time
}
