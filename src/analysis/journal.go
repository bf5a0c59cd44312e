package analysis

import (
	"encoding/json"
	"fmt"
	"time"

	"platelens-server-go/src/core/image"
	"platelens-server-go/src/core/utils"
	"platelens-server-go/src/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Journal 分析流水账，写运维诊断通道用的元数据
// 记账失败只告警，绝不影响分析本身
type Journal struct {
	db     *gorm.DB
	logger *utils.Logger
}

// NewJournal 创建流水账，db为nil时所有记账都是空操作
func NewJournal(db *gorm.DB, logger *utils.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

// Migrate 建表
func (j *Journal) Migrate() error {
	if j.db == nil {
		return nil
	}
	return j.db.AutoMigrate(&models.AnalysisRecord{})
}

// Record 记录一次分析尝试的结果
func (j *Journal) Record(sessionID, model string, info image.ImageInfo, started time.Time, outcome Kind, failure error) {
	if j == nil || j.db == nil {
		return
	}

	record := models.AnalysisRecord{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Model:       model,
		ImageFormat: info.Format,
		ImageWidth:  info.Width,
		ImageHeight: info.Height,
		ImageBytes:  info.Size,
		LatencyMs:   time.Since(started).Milliseconds(),
		Outcome:     "ok",
	}
	if outcome != "" {
		record.Outcome = string(outcome)
	}
	if failure != nil {
		detail, err := json.Marshal(map[string]string{"error": failure.Error()})
		if err == nil {
			record.Detail = datatypes.JSON(detail)
		}
	}

	if err := j.db.Create(&record).Error; err != nil {
		j.logger.Warn(fmt.Sprintf("写入分析流水账失败: %v", err))
	}
}
