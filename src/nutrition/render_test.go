package nutrition

import (
	"encoding/json"
	"testing"
)

func decodeResult(t *testing.T, raw string) AnalysisResult {
	t.Helper()
	var r AnalysisResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return r
}

func TestRenderMissingSodiumIsNA(t *testing.T) {
	// 缺失钠读数必须渲染N/A而不是0
	r := decodeResult(t, `{"nutrition_summary":{"micronutrients":{"sugar_g":5}}}`)
	view := Render(r)
	if view.SodiumMg != NotAvailable {
		t.Errorf("SodiumMg = %q, want %q", view.SodiumMg, NotAvailable)
	}
	if view.SugarG != "5g" {
		t.Errorf("SugarG = %q, want 5g", view.SugarG)
	}
}

func TestRenderZeroIsNotMissing(t *testing.T) {
	// 零是合法读数：蛋白质为0要显示0g而不是兜底文案
	r := decodeResult(t, `{"nutrition_summary":{"macronutrients":{"protein_g":0},"micronutrients":{"sugar_g":0,"sodium_mg":0}}}`)
	view := Render(r)

	if view.ProteinG != "0g" {
		t.Errorf("ProteinG = %q, want 0g", view.ProteinG)
	}
	if view.SugarG != "0g" {
		t.Errorf("SugarG = %q, want 0g", view.SugarG)
	}
	if view.SodiumMg != "0mg" {
		t.Errorf("SodiumMg = %q, want 0mg", view.SodiumMg)
	}
}

func TestRenderFallbacks(t *testing.T) {
	// 全空对象：逐字段走各自的兜底策略
	view := Render(AnalysisResult{})

	if view.TotalCalories != NotAvailable {
		t.Errorf("TotalCalories = %q, want %q", view.TotalCalories, NotAvailable)
	}
	if view.Confidence != "Medium" {
		t.Errorf("Confidence = %q, want Medium", view.Confidence)
	}
	if view.ConfidenceClass != "medium" {
		t.Errorf("ConfidenceClass = %q, want medium", view.ConfidenceClass)
	}
	for name, got := range map[string]string{
		"ProteinG": view.ProteinG,
		"CarbsG":   view.CarbsG,
		"FatG":     view.FatG,
		"FiberG":   view.FiberG,
	} {
		if got != "0g" {
			t.Errorf("%s = %q, want 0g", name, got)
		}
	}
	if view.SugarG != NotAvailable || view.SodiumMg != NotAvailable {
		t.Errorf("micronutrients = %q/%q, want %q", view.SugarG, view.SodiumMg, NotAvailable)
	}
	if len(view.Items) != 1 || view.Items[0] != NoItemsPlaceholder {
		t.Errorf("Items = %v, want single placeholder %q", view.Items, NoItemsPlaceholder)
	}
	if view.HealthTips != DefaultHealthTips {
		t.Errorf("HealthTips = %q, want default encouragement", view.HealthTips)
	}
}

func TestRenderEmptyItemsPlaceholder(t *testing.T) {
	r := decodeResult(t, `{"items":[]}`)
	view := Render(r)
	if len(view.Items) != 1 || view.Items[0] != NoItemsPlaceholder {
		t.Errorf("Items = %v, want [%q]", view.Items, NoItemsPlaceholder)
	}
}

func TestRenderItemLines(t *testing.T) {
	r := decodeResult(t, `{"items":[{"item":"Fried rice","calories":420.4},{"item":"Egg","calories":77.6}]}`)
	view := Render(r)

	want := []string{"Fried rice (~420 kcal)", "Egg (~78 kcal)"}
	if len(view.Items) != len(want) {
		t.Fatalf("Items = %v, want %v", view.Items, want)
	}
	for i := range want {
		if view.Items[i] != want[i] {
			t.Errorf("Items[%d] = %q, want %q", i, view.Items[i], want[i])
		}
	}
}

func TestRenderTotalCaloriesRounded(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "取整向上", raw: `{"nutrition_summary":{"total_calories":499.6}}`, want: "500"},
		{name: "取整向下", raw: `{"nutrition_summary":{"total_calories":500.4}}`, want: "500"},
		{name: "非数字按缺失", raw: `{"nutrition_summary":{"total_calories":"lots"}}`, want: NotAvailable},
		{name: "null按缺失", raw: `{"nutrition_summary":{"total_calories":null}}`, want: NotAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Render(decodeResult(t, tt.raw))
			if view.TotalCalories != tt.want {
				t.Errorf("TotalCalories = %q, want %q", view.TotalCalories, tt.want)
			}
		})
	}
}

func TestRenderConfidencePassthrough(t *testing.T) {
	r := decodeResult(t, `{"confidence_score":"Low"}`)
	view := Render(r)
	if view.Confidence != "Low" || view.ConfidenceClass != "low" {
		t.Errorf("confidence = %q/%q, want Low/low", view.Confidence, view.ConfidenceClass)
	}
}

func TestNumberDistinguishesAbsence(t *testing.T) {
	var m Macronutrients
	if err := json.Unmarshal([]byte(`{"protein_g":0}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.ProteinG.Present() {
		t.Error("protein_g=0 should be present")
	}
	if m.CarbsG.Present() {
		t.Error("missing carbs_g should be absent")
	}
	if got := m.CarbsG.Or(42); got != 42 {
		t.Errorf("Or(42) on absent = %v, want 42", got)
	}
	if got := m.ProteinG.Or(42); got != 0 {
		t.Errorf("Or(42) on present zero = %v, want 0", got)
	}
}
