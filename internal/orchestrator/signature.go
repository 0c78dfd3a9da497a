package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// stableSignature canonicalizes a tool call for cross-iteration dedup. The
// arguments JSON is re-marshaled through a generic map so object keys come
// out sorted (encoding/json's map-key ordering is deterministic), then
// hashed alongside the tool name; this gives deterministic repeat
// detection without claiming general canonical-JSON numeric normalization.
func stableSignature(name, argsJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		// Malformed JSON can't be canonicalized; hash the raw string so
		// signature computation never fails the loop.
		v = argsJSON
	}
	canon, _ := json.Marshal(v)

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}
