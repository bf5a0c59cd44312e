package nutrition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// NotAvailable 缺失读数的占位文案
	NotAvailable = "N/A"

	// NoItemsPlaceholder 未识别出任何食物时的占位行
	NoItemsPlaceholder = "No specific items identified."

	// DefaultHealthTips 模型没给健康建议时的固定鼓励语
	DefaultHealthTips = "Keep up the great work and enjoy balanced meals!"
)

// View 面向用户的渲染结果，所有数值已按各字段的兜底策略转成展示文本
type View struct {
	TotalCalories   string   `json:"total_calories"`   // 取整卡路里，缺失或非数字为 N/A
	Confidence      string   `json:"confidence"`       // 置信度标签，缺失时为 Medium
	ConfidenceClass string   `json:"confidence_class"` // 置信度小写形式，前端用作样式级别
	ProteinG        string   `json:"protein_g"`        // 缺失按0处理，0是合法读数照常显示
	CarbsG          string   `json:"carbs_g"`
	FatG            string   `json:"fat_g"`
	FiberG          string   `json:"fiber_g"`
	SugarG          string   `json:"sugar_g"`   // 缺失为 N/A，不把0当缺失
	SodiumMg        string   `json:"sodium_mg"` // 同上
	Items           []string `json:"items"`
	GeneralSummary  string   `json:"general_summary"`
	HealthTips      string   `json:"health_tips"`
}

// Render 把解析出的营养对象映射为用户视图，逐字段容忍缺失
func Render(r AnalysisResult) View {
	confidence := r.ConfidenceScore
	if confidence == "" {
		confidence = string(MediumConfidence)
	}

	healthTips := r.HealthTips
	if healthTips == "" {
		healthTips = DefaultHealthTips
	}

	summary := r.NutritionSummary
	return View{
		TotalCalories:   renderCalories(summary.TotalCalories),
		Confidence:      confidence,
		ConfidenceClass: strings.ToLower(confidence),
		ProteinG:        renderGrams(summary.Macronutrients.ProteinG.Or(0)),
		CarbsG:          renderGrams(summary.Macronutrients.CarbsG.Or(0)),
		FatG:            renderGrams(summary.Macronutrients.FatG.Or(0)),
		FiberG:          renderGrams(summary.Macronutrients.FiberG.Or(0)),
		SugarG:          renderOptional(summary.Micronutrients.SugarG, "g"),
		SodiumMg:        renderOptional(summary.Micronutrients.SodiumMg, "mg"),
		Items:           renderItems(r.Items),
		GeneralSummary:  r.GeneralSummary,
		HealthTips:      healthTips,
	}
}

// renderCalories 取整显示卡路里，缺失为N/A
func renderCalories(n Number) string {
	if !n.Present() {
		return NotAvailable
	}
	return strconv.Itoa(int(math.Round(n.Value())))
}

// renderGrams 宏量营养素文本，缺失已在上游兜成0
func renderGrams(v float64) string {
	return formatNumber(v) + "g"
}

// renderOptional 微量营养素文本：缺失为N/A，零照常显示
func renderOptional(n Number, unit string) string {
	if !n.Present() {
		return NotAvailable
	}
	return formatNumber(n.Value()) + unit
}

// renderItems 每个食物一行"<名称> (~<取整卡路里> kcal)"，空列表给单行占位
func renderItems(items []Item) []string {
	if len(items) == 0 {
		return []string{NoItemsPlaceholder}
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		kcal := int(math.Round(item.Calories.Or(0)))
		lines = append(lines, fmt.Sprintf("%s (~%d kcal)", item.Item, kcal))
	}
	return lines
}

// formatNumber 数值转文本，去掉多余的小数零
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
