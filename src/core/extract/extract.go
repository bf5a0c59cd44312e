package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// 远端模型常把JSON包在markdown围栏或解释性文字里，这里做尽力而为的定位：
// 先找显式标注json的围栏代码块，找不到再取首个顶层花括号对象，先到先得
var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n?(\\{.*?\\})\\s*```")

// Object 从补全文本中定位JSON对象候选串，ok为false表示没有候选
func Object(content string) (string, bool) {
	if matches := fencedJSONPattern.FindStringSubmatch(content); len(matches) > 1 {
		return matches[1], true
	}
	if candidate := firstObject(content); candidate != "" {
		return candidate, true
	}
	return "", false
}

// Decode 定位并解析JSON对象，不做任何宽松修复
// 定位失败或解析失败都视为提取失败，调用方按推理失败同路径处理
func Decode(content string, v interface{}) error {
	candidate, ok := Object(content)
	if !ok {
		return fmt.Errorf("回复中未找到JSON对象")
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return fmt.Errorf("解析JSON失败: %v", err)
	}
	return nil
}

// firstObject 扫描出首个配平的顶层花括号对象，正确跳过字符串与转义
func firstObject(content string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
