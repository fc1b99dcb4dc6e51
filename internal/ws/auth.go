package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// authExpiryWindow is how far in the future the auth expires timestamp is
// set. Bybit rejects frames whose expiry already passed, so the window gives
// the handshake plenty of slack without leaving a long-lived signature.
const authExpiryWindow = 60 * time.Second

// request is the envelope for every frame sent to the stream.
type request struct {
	ReqID string        `json:"req_id,omitempty"`
	Op    string        `json:"op"`
	Args  []interface{} `json:"args,omitempty"`
}

// signAuth computes the v5 websocket auth signature over "GET/realtime" plus
// the millisecond expiry.
func signAuth(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	return hex.EncodeToString(mac.Sum(nil))
}

func authRequest(apiKey, secret string, now time.Time) request {
	expires := now.Add(authExpiryWindow).UnixMilli()
	return request{
		ReqID: uuid.NewString(),
		Op:    "auth",
		Args:  []interface{}{apiKey, expires, signAuth(secret, expires)},
	}
}

func subscribeRequest(topics []string) request {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return request{
		ReqID: uuid.NewString(),
		Op:    "subscribe",
		Args:  args,
	}
}

func pingRequest() request {
	return request{ReqID: uuid.NewString(), Op: "ping"}
}
