package execution

import (
	"crypto/sha256"

	"github.com/jxskiss/base62"
)

// maxClientOrderIDLen 币安 newClientOrderId 的长度上限
const maxClientOrderIDLen = 36

// ClientOrderID 由幂等键确定性地生成交易所客户端订单号。
// 同一个键永远得到同一个订单号, 重启后可以据此向交易所查询订单。
func ClientOrderID(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	id := prefix + base62.EncodeToString(sum[:16])
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}
