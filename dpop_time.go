package oidcproxy

import (
	"time"

	"github.com/rs/zerolog"
)

// DPoPTimeSkewInfo 描述 proof 的 iat 与服务器时间的偏差。
// Skew = ServerTime - ClientTime，为负表示客户端时钟超前。
type DPoPTimeSkewInfo struct {
	ServerTime time.Time
	ClientTime time.Time
	Skew       time.Duration
}

// Future 判断 proof 是否来自未来
func (d DPoPTimeSkewInfo) Future() bool {
	return d.Skew < 0
}

// MarshalZerologObject 实现 zerolog.LogObjectMarshaler
func (d DPoPTimeSkewInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Time("server_time", d.ServerTime).
		Time("client_time", d.ClientTime).
		Dur("skew", d.Skew).
		Bool("future", d.Future())
}

// DPoPTimeSkewError 是 iat 超出窗口时的错误。
// 偏差细节只写入服务端日志，返回给客户端的是 Err。
type DPoPTimeSkewError struct {
	Info DPoPTimeSkewInfo
	Err  *Error
}

func (e *DPoPTimeSkewError) Error() string {
	return e.Err.Error() + " (skew " + e.Info.Skew.String() + ")"
}

func (e *DPoPTimeSkewError) Unwrap() error {
	return e.Err
}
