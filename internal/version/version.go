// Package version 提供构建信息，便于 healthz、日志与出站请求输出版本指纹。
package version

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Info() BuildInfo {
	return BuildInfo{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}

// UserAgent 用于出站 webhook 请求。
func UserAgent() string {
	return "fleetplane/" + Version
}
