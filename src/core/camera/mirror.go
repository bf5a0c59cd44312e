package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/png" // 部分相机源输出PNG快照

	_ "golang.org/x/image/bmp" // 注册BMP解码器
)

const jpegQuality = 85

// mirrorJPEG 解码一帧快照，水平镜像后重编码为JPEG
func mirrorJPEG(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码相机帧失败: %v", err)
	}

	dst := mirrorHorizontal(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("编码JPEG失败: %v", err)
	}
	return buf.Bytes(), nil
}

// mirrorHorizontal 生成水平翻转的副本，保持原始分辨率
func mirrorHorizontal(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	width := bounds.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.Set(width-1-(x-bounds.Min.X), y-bounds.Min.Y, src.At(x, y))
		}
	}
	return dst
}
