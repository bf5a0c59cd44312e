package analysis

import (
	"errors"
	"fmt"
)

// Kind 错误分类，四类错误对同一次分析都是终止性的：
// 丢弃在途状态并回到初始画面，不自动重试
type Kind string

const (
	KindConfiguration Kind = "configuration_error" // 凭证占位符未替换
	KindAcquisition   Kind = "acquisition_error"   // 相机权限被拒或设备不可用
	KindTransport     Kind = "transport_error"     // 非成功HTTP状态或网络故障
	KindExtraction    Kind = "extraction_error"    // 补全文本中找不到可解析的JSON
)

// Error 带分类的分析错误
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造指定分类的错误
func NewError(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError 把底层错误归入指定分类
func WrapError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf 取出错误分类，非分析错误返回空
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
