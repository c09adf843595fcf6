package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignRequest 计算 HMAC-SHA256(secret, timestamp+method+path+body) 的十六进制签名。
func SignRequest(secret string, tsMillis int64, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(tsMillis, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
