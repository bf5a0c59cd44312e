package vision

import (
	"fmt"
	"net/http"
	"time"

	"platelens-server-go/src/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var previewUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handlePreview 相机画面的实时预览：WebSocket推送最新帧
// 连接断开即视为退出相机画面，相机流随之释放
func (s *DefaultVisionService) handlePreview(c *gin.Context) {
	sess := currentSession(c)

	if sess.Screen() != session.ScreenCamera || sess.Stream() == nil {
		c.JSON(http.StatusConflict, AnalyzeResponse{Success: false, Message: "当前不在相机画面"})
		return
	}

	conn, err := previewUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("升级预览WebSocket失败: %v", err))
		return
	}
	defer conn.Close()

	s.logger.Info(fmt.Sprintf("预览连接建立: session=%s", sess.ID))

	// 读取泵只为感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(s.config.Camera.PreviewIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.previewClosed(sess)
			return
		case <-ticker.C:
			stream := sess.Stream()
			if stream == nil || sess.Screen() != session.ScreenCamera {
				// 抓帧或回退已经离开相机画面，预览随之结束
				return
			}
			frame := stream.Frame()
			if len(frame) == 0 {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(interval * 4))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.previewClosed(sess)
				return
			}
		}
	}
}

// previewClosed 客户端断开预览视作退出相机画面
func (s *DefaultVisionService) previewClosed(sess *session.Session) {
	if sess.Screen() != session.ScreenCamera {
		return
	}
	if _, err := sess.Apply(session.EventCameraBack, session.Mutation{}); err != nil {
		s.logger.Warn(fmt.Sprintf("预览断开后的回退失败: %v", err))
		return
	}
	s.logger.Info(fmt.Sprintf("预览断开，相机流已释放: session=%s", sess.ID))
}
