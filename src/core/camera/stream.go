package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"platelens-server-go/src/configs"
	capture "platelens-server-go/src/core/image"
	"platelens-server-go/src/core/utils"
)

const (
	// 单帧最大5MB，防止异常相机源把内存吃光
	maxFrameSize = 5 * 1024 * 1024
)

// Stream 活动相机流，轮询快照地址缓存最新帧
// 同一会话独占持有，退出相机画面或会话重置时必须Close，否则相机常亮
type Stream struct {
	snapshotURL string
	interval    time.Duration
	httpClient  *http.Client
	logger      *utils.TaggedLogger

	mu    sync.RWMutex
	frame []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Open 连接相机快照地址并启动取帧循环
// 首帧拉取失败视为设备不可用，由调用方走采集失败路径
func Open(ctx context.Context, config configs.CameraConfig, logger *utils.Logger) (*Stream, error) {
	if config.SnapshotURL == "" {
		return nil, fmt.Errorf("未配置相机快照地址")
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 限制重定向次数为3次
			if len(via) >= 3 {
				return fmt.Errorf("停止重定向：超过最大重定向次数")
			}
			return nil
		},
	}

	s := &Stream{
		snapshotURL: config.SnapshotURL,
		interval:    time.Duration(config.PreviewIntervalMS) * time.Millisecond,
		httpClient:  httpClient,
		logger:      logger.WithTag("camera"),
		done:        make(chan struct{}),
	}

	// 先拉一帧验证设备可用
	frame, err := s.fetchFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("相机设备不可用: %v", err)
	}
	s.frame = frame

	go s.pollLoop()

	logger.Info("相机流已打开", map[string]interface{}{
		"snapshot_url": config.SnapshotURL,
		"interval_ms":  config.PreviewIntervalMS,
	})

	return s, nil
}

// pollLoop 按间隔刷新最新帧，Close后退出
func (s *Stream) pollLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval*4)
			frame, err := s.fetchFrame(ctx)
			cancel()
			if err != nil {
				s.logger.Warn(fmt.Sprintf("刷新相机帧失败: %v", err))
				continue
			}
			s.mu.Lock()
			s.frame = frame
			s.mu.Unlock()
		}
	}
}

// fetchFrame 拉取一帧快照
func (s *Stream) fetchFrame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.snapshotURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("User-Agent", "PlateLens-Camera/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP响应错误: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("读取帧数据失败: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("帧数据为空")
	}

	return data, nil
}

// Frame 返回最新预览帧的副本
func (s *Stream) Frame() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame := make([]byte, len(s.frame))
	copy(frame, s.frame)
	return frame
}

// Capture 抓取当前帧：按原始分辨率水平镜像后重编码为JPEG
// 镜像是为了与预览取向一致
func (s *Stream) Capture() (capture.CapturedImage, error) {
	frame := s.Frame()
	if len(frame) == 0 {
		return capture.CapturedImage{}, fmt.Errorf("没有可用的相机帧")
	}

	mirrored, err := mirrorJPEG(frame)
	if err != nil {
		return capture.CapturedImage{}, fmt.Errorf("处理相机帧失败: %v", err)
	}

	return capture.FromBytes(mirrored), nil
}

// Close 停止取帧循环并释放相机流，可重复调用
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.Info("相机流已释放")
	})
}
