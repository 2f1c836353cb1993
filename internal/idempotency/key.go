package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StableKey derives a deterministic key from the account, action and parameters.
// Parameter order does not matter.
func StableKey(accountID, action string, params map[string]interface{}) string {
	return fmt.Sprintf("%s:%s:%s", action, accountID, paramsDigest(params))
}

// GenerateKey is StableKey salted with the current time, for one-off manual operations
func GenerateKey(accountID, action string, params map[string]interface{}) string {
	return generateKeyAt(accountID, action, params, time.Now())
}

func generateKeyAt(accountID, action string, params map[string]interface{}, at time.Time) string {
	return fmt.Sprintf("%s:%d", StableKey(accountID, action, params), at.UnixNano())
}

func paramsDigest(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
