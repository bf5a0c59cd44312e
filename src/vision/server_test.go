package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"platelens-server-go/src/analysis"
	"platelens-server-go/src/configs"
	"platelens-server-go/src/core/utils"
	"platelens-server-go/src/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const goodCompletion = "```json\n{\"items\":[{\"item\":\"Noodles\",\"calories\":320}],\"nutrition_summary\":{\"total_calories\":500,\"macronutrients\":{\"protein_g\":10,\"carbs_g\":50,\"fat_g\":20,\"fiber_g\":5},\"micronutrients\":{\"sugar_g\":5,\"sodium_mg\":300}},\"general_summary\":\"ok\",\"confidence_score\":\"High\",\"health_tips\":\"tip\"}\n```"

func newTestLogger(t *testing.T) *utils.Logger {
	t.Helper()
	config := &configs.Config{}
	config.Log.LogDir = t.TempDir()
	config.Log.LogFile = "test.log"
	logger, err := utils.NewLogger(config)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

// ollamaStub 模拟远端推理端点
func ollamaStub(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]interface{}{
			"model":   "llava",
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestServer 装配完整服务，返回gin引擎与服务实例
func newTestServer(t *testing.T, upstreamURL string) (*gin.Engine, *DefaultVisionService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	configs.UnlockCode = "4321"
	t.Cleanup(func() { configs.UnlockCode = "" })

	config := &configs.Config{}
	config.SelectedModule = map[string]string{"VLLLM": "test"}
	config.VLLLM = map[string]configs.VLLMConfig{
		"test": {Type: "ollama", ModelName: "llava", BaseURL: upstreamURL},
	}
	config.Camera.PreviewIntervalMS = 50

	logger := newTestLogger(t)
	service, err := NewDefaultVisionService(config, analysis.NewJournal(nil, logger), logger)
	if err != nil {
		t.Fatalf("NewDefaultVisionService: %v", err)
	}

	router := gin.New()
	apiGroup := router.Group("/api")
	if err := service.Start(context.Background(), router, apiGroup); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return router, service
}

func unlock(t *testing.T, router *gin.Engine, code string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(UnlockRequest{Code: code})
	req := httptest.NewRequest("POST", "/api/unlock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func unlockToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := unlock(t, router, "4321")
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp UnlockResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal unlock response: %v", err)
	}
	if !resp.Success || resp.Token == "" {
		t.Fatalf("unlock response = %+v", resp)
	}
	return resp.Token
}

func uploadImage(t *testing.T, router *gin.Engine, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "meal.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10})
	mw.Close()

	req := httptest.NewRequest("POST", "/api/vision", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sessionOf(t *testing.T, service *DefaultVisionService, token string) *session.Session {
	t.Helper()
	_, sessionID, err := service.authToken.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	sess, ok := service.sessions.Get(sessionID)
	if !ok {
		t.Fatal("session not found")
	}
	return sess
}

func TestUnlockWrongCode(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, _ := newTestServer(t, upstream.URL)

	if w := unlock(t, router, "0000"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAnalyzeRequiresSessionToken(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("POST", "/api/vision", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAnalyzeUploadSuccess(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, service := newTestServer(t, upstream.URL)
	token := unlockToken(t, router)

	w := uploadImage(t, router, token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp AnalyzeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success || resp.Result == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Result.TotalCalories != "500" {
		t.Errorf("TotalCalories = %q, want 500", resp.Result.TotalCalories)
	}
	if len(resp.Result.Items) != 1 || resp.Result.Items[0] != "Noodles (~320 kcal)" {
		t.Errorf("Items = %v", resp.Result.Items)
	}

	// 成功后停在结果画面
	if got := sessionOf(t, service, token).Screen(); got != session.ScreenResults {
		t.Errorf("screen = %s, want results", got)
	}
}

func TestAnalyzeTransportFailureResets(t *testing.T) {
	upstream := ollamaStub(t, http.StatusInternalServerError, "")
	router, service := newTestServer(t, upstream.URL)
	token := unlockToken(t, router)

	w := uploadImage(t, router, token)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body = %s", w.Code, w.Body.String())
	}

	var resp AnalyzeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success {
		t.Error("response should report failure")
	}
	if resp.Kind != string(analysis.KindTransport) {
		t.Errorf("kind = %q, want %q", resp.Kind, analysis.KindTransport)
	}
	if resp.Message == "" {
		t.Error("user must be notified with status detail")
	}

	// 完整重置：回到初始画面，不残留已采集的图片
	sess := sessionOf(t, service, token)
	if sess.Screen() != session.ScreenInitial {
		t.Errorf("screen = %s, want initial", sess.Screen())
	}
	if !sess.Image().Empty() {
		t.Error("captured image should be discarded after failure")
	}
}

func TestAnalyzeExtractionFailureResets(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, "Sorry, I cannot help.")
	router, service := newTestServer(t, upstream.URL)
	token := unlockToken(t, router)

	w := uploadImage(t, router, token)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp AnalyzeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Kind != string(analysis.KindExtraction) {
		t.Errorf("kind = %q, want %q", resp.Kind, analysis.KindExtraction)
	}
	if got := sessionOf(t, service, token).Screen(); got != session.ScreenInitial {
		t.Errorf("screen = %s, want initial", got)
	}
}

func TestDismissReturnsToInitial(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, service := newTestServer(t, upstream.URL)
	token := unlockToken(t, router)

	if w := uploadImage(t, router, token); w.Code != http.StatusOK {
		t.Fatalf("upload status = %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/vision/dismiss", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("dismiss status = %d", w.Code)
	}

	sess := sessionOf(t, service, token)
	if sess.Screen() != session.ScreenInitial {
		t.Errorf("screen = %s, want initial", sess.Screen())
	}
	if sess.View() != nil {
		t.Error("result view must not outlive the results screen")
	}
}

// cameraFrame 编码一帧小尺寸JPEG测试图
func cameraFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// snapshotStub 模拟相机快照端点，记录取帧次数
func snapshotStub(t *testing.T, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	frame := cameraFrame(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	t.Cleanup(server.Close)
	return server
}

func openCamera(t *testing.T, router *gin.Engine, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/vision/camera", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCleanupReleasesCameraStreams(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, service := newTestServer(t, upstream.URL)

	var fetches atomic.Int64
	snapshot := snapshotStub(t, &fetches)
	service.config.Camera.SnapshotURL = snapshot.URL

	token := unlockToken(t, router)
	if w := openCamera(t, router, token); w.Code != http.StatusOK {
		t.Fatalf("camera open status = %d, body = %s", w.Code, w.Body.String())
	}
	sess := sessionOf(t, service, token)
	if sess.Stream() == nil {
		t.Fatal("camera screen should hold a stream")
	}

	if err := service.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// 关停后取帧循环必须停止，不再访问快照地址
	time.Sleep(100 * time.Millisecond)
	settled := fetches.Load()
	time.Sleep(300 * time.Millisecond)
	if got := fetches.Load(); got != settled {
		t.Errorf("snapshot fetches advanced after Cleanup: %d -> %d", settled, got)
	}
	if sess.Stream() != nil {
		t.Error("camera stream should be released on Cleanup")
	}
	if _, ok := service.sessions.Get(sess.ID); ok {
		t.Error("sessions should be cleared on Cleanup")
	}
}

func TestPreviewDisconnectReleasesStream(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, service := newTestServer(t, upstream.URL)

	var fetches atomic.Int64
	snapshot := snapshotStub(t, &fetches)
	service.config.Camera.SnapshotURL = snapshot.URL

	front := httptest.NewServer(router)
	t.Cleanup(front.Close)

	token := unlockToken(t, router)
	if w := openCamera(t, router, token); w.Code != http.StatusOK {
		t.Fatalf("camera open status = %d, body = %s", w.Code, w.Body.String())
	}
	sess := sessionOf(t, service, token)

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/api/vision/preview?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial preview: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	// 至少收到一帧二进制预览
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read preview frame: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(frame) == 0 {
		t.Errorf("frame type=%d len=%d, want non-empty binary", msgType, len(frame))
	}

	// 客户端断开即退出相机画面并释放相机流
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Screen() == session.ScreenInitial && sess.Stream() == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sess.Screen() != session.ScreenInitial {
		t.Errorf("screen = %s, want initial after preview disconnect", sess.Screen())
	}
	if sess.Stream() != nil {
		t.Error("camera stream should be released after preview disconnect")
	}
}

func TestCameraOpenUnavailableStaysInitial(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, service := newTestServer(t, upstream.URL)
	// 相机快照地址不可达
	service.config.Camera.SnapshotURL = "http://127.0.0.1:1/snapshot"
	token := unlockToken(t, router)

	req := httptest.NewRequest("POST", "/api/vision/camera", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp AnalyzeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Kind != string(analysis.KindAcquisition) {
		t.Errorf("kind = %q, want %q", resp.Kind, analysis.KindAcquisition)
	}

	// 采集失败不启动流水线，停留在初始画面
	if got := sessionOf(t, service, token).Screen(); got != session.ScreenInitial {
		t.Errorf("screen = %s, want initial", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	upstream := ollamaStub(t, http.StatusOK, goodCompletion)
	router, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "/api/vision", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
