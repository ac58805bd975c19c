package hooks

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint derives the cache key for a hook invocation. encoding/json
// sorts map keys at every nesting level, so two contexts holding the same
// entries produce the same key regardless of construction order.
func Fingerprint(name string, execCtx map[string]any) string {
	buf := make([]byte, 0, 128)
	buf = append(buf, name...)
	buf = append(buf, 0)
	if len(execCtx) > 0 {
		payload, err := json.Marshal(execCtx)
		if err != nil {
			// Non-serializable contexts still need a stable key; fmt sorts
			// map keys too.
			payload = fmt.Appendf(nil, "%v", execCtx)
		}
		buf = append(buf, payload...)
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
