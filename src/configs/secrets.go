package configs

// 部署期机密，通过编译参数注入，运行时不读环境变量，也绝不写入日志：
//
//	go build -ldflags "-X platelens-server-go/src/configs.APIKey=sk-xxx \
//	                   -X platelens-server-go/src/configs.UnlockCode=1234"
var (
	// APIKey 远端视觉模型的静态Bearer凭证
	APIKey string

	// UnlockCode 解锁码（纯数字字符串）
	UnlockCode string
)
