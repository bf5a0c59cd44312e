package session

import (
	"fmt"
	"sync"
	"time"

	"platelens-server-go/src/core/camera"
	capture "platelens-server-go/src/core/image"
	"platelens-server-go/src/nutrition"
)

// Screen 会话画面，互斥枚举，任一时刻恰好激活一个
type Screen string

const (
	ScreenLocked  Screen = "locked"  // 未解锁
	ScreenInitial Screen = "initial" // 初始画面，唯一允许发起新采集的入口
	ScreenCamera  Screen = "camera"  // 相机取景中
	ScreenLoading Screen = "loading" // 分析进行中
	ScreenResults Screen = "results" // 展示结果
)

// Event 驱动画面变迁的事件
type Event string

const (
	EventUnlock      Event = "unlock"       // 解锁码通过
	EventCameraOpen  Event = "camera_open"  // 进入相机画面
	EventCameraBack  Event = "camera_back"  // 从相机画面退回
	EventCapture     Event = "capture"      // 抓帧并开始分析
	EventUpload      Event = "upload"       // 上传图片并开始分析
	EventAnalyzeDone Event = "analyze_done" // 分析成功
	EventAnalyzeFail Event = "analyze_fail" // 分析失败
	EventDismiss     Event = "dismiss"      // 离开结果画面
)

// Effect 变迁附带的副作用，由调用方执行
type Effect string

const (
	EffectStartStream   Effect = "start_stream"   // 打开相机流
	EffectReleaseStream Effect = "release_stream" // 释放相机流
	EffectRenderView    Effect = "render_view"    // 渲染结果视图
)

// transitions (画面, 事件) → 新画面与副作用，未列出的组合一律非法
var transitions = map[Screen]map[Event]struct {
	next    Screen
	effects []Effect
}{
	ScreenLocked: {
		EventUnlock: {next: ScreenInitial},
	},
	ScreenInitial: {
		EventCameraOpen: {next: ScreenCamera, effects: []Effect{EffectStartStream}},
		EventUpload:     {next: ScreenLoading},
	},
	ScreenCamera: {
		EventCameraBack: {next: ScreenInitial, effects: []Effect{EffectReleaseStream}},
		EventCapture:    {next: ScreenLoading, effects: []Effect{EffectReleaseStream}},
	},
	ScreenLoading: {
		EventAnalyzeDone: {next: ScreenResults, effects: []Effect{EffectRenderView}},
		EventAnalyzeFail: {next: ScreenInitial},
	},
	ScreenResults: {
		EventDismiss: {next: ScreenInitial},
	},
}

// Transition 纯函数：给定画面和事件求出新画面与副作用
func Transition(s Screen, e Event) (Screen, []Effect, error) {
	events, ok := transitions[s]
	if !ok {
		return s, nil, fmt.Errorf("未知画面: %s", s)
	}
	t, ok := events[e]
	if !ok {
		return s, nil, fmt.Errorf("画面%s不允许事件%s", s, e)
	}
	return t.next, t.effects, nil
}

// Session 单个已解锁客户端的会话状态
// 相机流由会话独占持有，释放路径都经过applyEffects，保证不漏
type Session struct {
	ID        string
	createdAt time.Time

	mu      sync.Mutex
	screen  Screen
	stream  *camera.Stream
	image   capture.CapturedImage // 在途图片，同一时刻至多一张
	view    *nutrition.View
	attempt uint64 // 分析尝试序号，丢弃迟到的完成
}

// New 创建处于锁定画面的会话，解锁码通过后由调用方施加EventUnlock
func New(id string) *Session {
	return &Session{ID: id, createdAt: time.Now(), screen: ScreenLocked}
}

// Screen 当前激活画面
func (s *Session) Screen() Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Stream 当前持有的相机流（可能为nil）
func (s *Session) Stream() *camera.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Image 在途图片
func (s *Session) Image() capture.CapturedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// View 最近一次渲染的结果视图（不在结果画面时为nil）
func (s *Session) View() *nutrition.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Apply 执行一次画面变迁并处理副作用，返回本次尝试序号
// 非法变迁直接报错，状态保持不变
func (s *Session) Apply(e Event, opt Mutation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, effects, err := Transition(s.screen, e)
	if err != nil {
		return 0, err
	}

	for _, effect := range effects {
		switch effect {
		case EffectStartStream:
			s.stream = opt.Stream
		case EffectReleaseStream:
			if s.stream != nil {
				s.stream.Close()
				s.stream = nil
			}
		case EffectRenderView:
			s.view = opt.View
		}
	}

	s.screen = next

	switch e {
	case EventUpload, EventCapture:
		// 进入loading：记录在途图片并开启新一轮尝试
		s.image = opt.Image
		s.attempt++
	case EventAnalyzeDone, EventAnalyzeFail, EventDismiss:
		// 任何收尾路径都丢弃在途状态
		s.image = capture.CapturedImage{}
		if e != EventAnalyzeDone {
			s.view = nil
		}
	}

	return s.attempt, nil
}

// Mutation 变迁时一并写入的负载
type Mutation struct {
	Stream *camera.Stream
	Image  capture.CapturedImage
	View   *nutrition.View
}

// Attempt 当前尝试序号
func (s *Session) Attempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// StillLoading 判断某次尝试是否仍是当前在途的分析
// 在途请求不会被中止，但迟到的完成不得再更新已离开loading画面的会话
func (s *Session) StillLoading(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen == ScreenLoading && s.attempt == attempt
}

// Reset 强制回到初始画面并释放全部在途资源（会话收尾用）
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.image = capture.CapturedImage{}
	s.view = nil
	s.screen = ScreenInitial
}

// Store 会话存储，按会话ID索引
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore 创建会话存储
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create 新建会话并登记
func (st *Store) Create(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := New(id)
	st.sessions[id] = s
	return s
}

// Get 按ID取会话
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Remove 删除会话并释放其资源
func (st *Store) Remove(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.Reset()
	}
}

// Reap 清除存活超过maxAge的会话并释放其资源，返回清除数量
// 存活上限与会话token的有效期对齐，过期token对应的条目不再可达
func (st *Store) Reap(maxAge time.Duration) int {
	st.mu.Lock()
	var expired []*Session
	for id, s := range st.sessions {
		if time.Since(s.createdAt) > maxAge {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.Reset()
	}
	return len(expired)
}

// CloseAll 清空全部会话并释放各自持有的资源（相机流必须随服务关停释放）
func (st *Store) CloseAll() {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for id, s := range st.sessions {
		sessions = append(sessions, s)
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	for _, s := range sessions {
		s.Reset()
	}
}
