package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"strings"

	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/bmp"  // 注册BMP解码器
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// FromReader 上传模式：完整读入用户选择的文件并按原始字节编码
// 不做类型和大小校验，损坏的文件留给下游推理暴露错误
func FromReader(r io.Reader) (CapturedImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return CapturedImage{}, fmt.Errorf("读取图片数据失败: %v", err)
	}
	if len(data) == 0 {
		return CapturedImage{}, fmt.Errorf("图片数据为空")
	}
	return FromBytes(data), nil
}

// FromBytes 将原始字节封装为CapturedImage，MIME由文件头嗅探得出
func FromBytes(data []byte) CapturedImage {
	return CapturedImage{
		MIME:   "image/" + DetectFormat(data),
		Base64: base64.StdEncoding.EncodeToString(data),
	}
}

// FromDataURI 解析 data:<mime>;base64,<data> 形式的字符串
func FromDataURI(uri string) (CapturedImage, error) {
	if !strings.HasPrefix(uri, "data:") {
		return CapturedImage{}, fmt.Errorf("不是有效的data URI")
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return CapturedImage{}, fmt.Errorf("data URI缺少base64标记")
	}
	mime := rest[:sep]
	payload := rest[sep+len(";base64,"):]
	if payload == "" {
		return CapturedImage{}, fmt.Errorf("data URI数据为空")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return CapturedImage{}, fmt.Errorf("base64解码失败: %v", err)
	}
	return CapturedImage{MIME: mime, Base64: payload}, nil
}

// Inspect 解码图片头获取尺寸等诊断信息，失败时ok为false
// 仅供日志与审计使用，从不因此拒绝图片
func Inspect(c CapturedImage) (ImageInfo, bool) {
	data, err := base64.StdEncoding.DecodeString(c.Base64)
	if err != nil {
		return ImageInfo{}, false
	}
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{Size: int64(len(data))}, false
	}
	return ImageInfo{
		Format: format,
		Width:  config.Width,
		Height: config.Height,
		Size:   int64(len(data)),
	}, true
}

// DetectFormat 检测图片格式，未知时默认jpeg
func DetectFormat(data []byte) string {
	if hasJPEGHeader(data) {
		return "jpeg"
	}
	if hasPNGHeader(data) {
		return "png"
	}
	if hasGIFHeader(data) {
		return "gif"
	}
	if hasBMPHeader(data) {
		return "bmp"
	}
	if hasWebPHeader(data) {
		return "webp"
	}
	return "jpeg" // 默认格式
}

// hasJPEGHeader 检查JPEG文件头
func hasJPEGHeader(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// hasPNGHeader 检查PNG文件头
func hasPNGHeader(data []byte) bool {
	return len(data) >= 8 &&
		data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 &&
		data[4] == 0x0D && data[5] == 0x0A && data[6] == 0x1A && data[7] == 0x0A
}

// hasGIFHeader 检查GIF文件头
func hasGIFHeader(data []byte) bool {
	return len(data) >= 6 &&
		((data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 && data[4] == 0x37 && data[5] == 0x61) ||
			(data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 && data[4] == 0x39 && data[5] == 0x61))
}

// hasBMPHeader 检查BMP文件头
func hasBMPHeader(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x42 && data[1] == 0x4D
}

// hasWebPHeader 检查WebP文件头
func hasWebPHeader(data []byte) bool {
	return len(data) >= 12 &&
		data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50
}
