package image

// CapturedImage 单张待分析图片，base64编码并自带MIME类型
// 每个会话同一时刻最多存在一张在途图片，送入推理后即丢弃
type CapturedImage struct {
	MIME   string `json:"mime"`   // MIME类型，如 image/jpeg
	Base64 string `json:"base64"` // base64编码的图片数据
}

// Empty 判断是否为空图片
func (c CapturedImage) Empty() bool {
	return c.Base64 == ""
}

// DataURI 拼装成 data:<mime>;base64,<data> 形式
func (c CapturedImage) DataURI() string {
	return "data:" + c.MIME + ";base64," + c.Base64
}

// ImageInfo 诊断用的图片信息，仅用于日志与操作审计，不做拒绝
type ImageInfo struct {
	Format string // 实际格式
	Width  int    // 图片宽度
	Height int    // 图片高度
	Size   int64  // 字节大小
}
