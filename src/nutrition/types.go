package nutrition

import (
	"encoding/json"
)

// ConfidenceLevel 置信度标签，远端模型给出的粗粒度可靠性指示
type ConfidenceLevel string

const (
	HighConfidence   ConfidenceLevel = "High"
	MediumConfidence ConfidenceLevel = "Medium"
	LowConfidence    ConfidenceLevel = "Low"
)

// Number 营养读数，区分“缺失”与“零”：零是合法读数，缺失才走兜底
// 非数字取值按缺失处理，不让单个坏字段拖垮整个对象的解析
type Number struct {
	value   float64
	present bool
}

// NumberOf 构造一个存在的读数，测试和重序列化会用到
func NumberOf(v float64) Number {
	return Number{value: v, present: true}
}

// Present 该读数是否存在
func (n Number) Present() bool {
	return n.present
}

// Value 读数值，缺失时为0
func (n Number) Value() float64 {
	return n.value
}

// Or 存在时返回读数，缺失时返回def
func (n Number) Or(def float64) float64 {
	if n.present {
		return n.value
	}
	return def
}

func (n *Number) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		// null或非数字一律视为缺失
		n.value, n.present = 0, false
		return nil
	}
	n.value, n.present = v, true
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.present {
		return []byte("null"), nil
	}
	return json.Marshal(n.value)
}

// AnalysisResult 远端模型返回的营养估算对象
// 所有字段都可能缺失，渲染时按字段各自的兜底策略处理
type AnalysisResult struct {
	Items            []Item           `json:"items"`
	NutritionSummary NutritionSummary `json:"nutrition_summary"`
	GeneralSummary   string           `json:"general_summary"`
	ConfidenceScore  string           `json:"confidence_score"`
	HealthTips       string           `json:"health_tips"`
}

// Item 识别出的单个食物条目
type Item struct {
	Item     string `json:"item"`
	Calories Number `json:"calories"`
}

// NutritionSummary 营养汇总
type NutritionSummary struct {
	TotalCalories  Number         `json:"total_calories"`
	Macronutrients Macronutrients `json:"macronutrients"`
	Micronutrients Micronutrients `json:"micronutrients"`
}

// Macronutrients 宏量营养素（克）
type Macronutrients struct {
	ProteinG Number `json:"protein_g"`
	CarbsG   Number `json:"carbs_g"`
	FatG     Number `json:"fat_g"`
	FiberG   Number `json:"fiber_g"`
}

// Micronutrients 微量营养素
type Micronutrients struct {
	SugarG   Number `json:"sugar_g"`
	SodiumMg Number `json:"sodium_mg"`
}
