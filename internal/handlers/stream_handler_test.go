package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/internal/security"
	"github.com/chatguard/chatguard/pkg/logger"
)

func newStreamServer(t *testing.T, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	v := security.NewMessageValidator(security.DefaultConfig(), LimiterRateCheck(limiter))
	srv := httptest.NewServer(NewStreamHandler(v, "X-User-ID", logger.Discard()))
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, frame interface{}) StreamReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	switch f := frame.(type) {
	case string:
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	default:
		require.NoError(t, conn.WriteJSON(f))
	}

	var reply StreamReply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestStreamHandler_ValidFrame(t *testing.T) {
	conn := dialStream(t, newStreamServer(t, nil), nil)

	reply := exchange(t, conn, StreamMessage{UserID: "u1", Content: "hello <script>x</script>world", Type: "text"})

	assert.True(t, reply.Allowed)
	assert.Empty(t, reply.Reason)
	require.NotNil(t, reply.Format)
	assert.True(t, *reply.Format)
	require.NotNil(t, reply.Result)
	assert.Equal(t, "hello world", reply.Result.SanitizedContent)
	assert.Equal(t, []string{security.MsgSanitized}, reply.Result.Warnings)
}

func TestStreamHandler_RejectedFrames(t *testing.T) {
	conn := dialStream(t, newStreamServer(t, nil), nil)

	t.Run("malformed json", func(t *testing.T) {
		reply := exchange(t, conn, "{nope")
		assert.False(t, reply.Allowed)
		assert.Equal(t, reasonInvalidFrame, reply.Reason)
		assert.Nil(t, reply.Result)
	})

	t.Run("harmful content", func(t *testing.T) {
		reply := exchange(t, conn, StreamMessage{Content: "1' OR '1'='1"})
		assert.False(t, reply.Allowed)
		assert.Equal(t, security.MsgHarmful, reply.Reason)
	})

	t.Run("format mismatch", func(t *testing.T) {
		reply := exchange(t, conn, StreamMessage{Content: "holiday photo", Type: "image"})
		assert.False(t, reply.Allowed)
		assert.Equal(t, reasonInvalidFormat, reply.Reason)
		require.NotNil(t, reply.Format)
		assert.False(t, *reply.Format)
		assert.True(t, reply.Result.IsValid)
	})

	t.Run("unknown type", func(t *testing.T) {
		reply := exchange(t, conn, StreamMessage{Content: "clip.mp4", Type: "video"})
		assert.False(t, reply.Allowed)
		assert.Equal(t, reasonInvalidFormat, reply.Reason)
	})

	t.Run("connection survives rejected frames", func(t *testing.T) {
		reply := exchange(t, conn, StreamMessage{Content: "still here"})
		assert.True(t, reply.Allowed)
	})
}

func TestStreamHandler_RateLimit(t *testing.T) {
	limiter := newMessagesLimiter(t, 2)
	conn := dialStream(t, newStreamServer(t, limiter), nil)

	for i := 0; i < 2; i++ {
		assert.True(t, exchange(t, conn, StreamMessage{UserID: "dave", Content: "hi"}).Allowed)
	}

	reply := exchange(t, conn, StreamMessage{UserID: "dave", Content: "hi"})
	assert.False(t, reply.Allowed)
	assert.Equal(t, security.MsgRateLimited, reply.Reason)

	assert.True(t, exchange(t, conn, StreamMessage{UserID: "erin", Content: "hi"}).Allowed)
}

func TestStreamHandler_FallbackUser(t *testing.T) {
	limiter := newMessagesLimiter(t, 5)
	srv := newStreamServer(t, limiter)

	withHeader := dialStream(t, srv, http.Header{"X-User-ID": []string{"frank"}})
	exchange(t, withHeader, StreamMessage{Content: "hi"})

	info, ok := limiter.Status("user:frank")
	require.True(t, ok)
	assert.Equal(t, 1, info.TotalHits)

	anonymous := dialStream(t, srv, nil)
	exchange(t, anonymous, StreamMessage{Content: "hi"})
	assert.Equal(t, 2, limiter.Len(), "anonymous connections are charged by address")
}

func TestStreamHandler_HeaderIdentityPinsConnection(t *testing.T) {
	limiter := newMessagesLimiter(t, 3)
	srv := newStreamServer(t, limiter)

	t.Run("rotating frame user ids share one budget", func(t *testing.T) {
		conn := dialStream(t, srv, http.Header{"X-User-ID": []string{"mallory"}})

		allowed := 0
		for i := 0; i < 10; i++ {
			reply := exchange(t, conn, StreamMessage{UserID: fmt.Sprintf("rotating-%d", i), Content: "hi"})
			if reply.Allowed {
				allowed++
			} else {
				assert.Equal(t, security.MsgRateLimited, reply.Reason)
			}
		}
		assert.Equal(t, 3, allowed)

		_, ok := limiter.Status("user:rotating-0")
		assert.False(t, ok, "frame user ids are not charged")
	})

	t.Run("frames cannot spend another user's budget", func(t *testing.T) {
		attacker := dialStream(t, srv, http.Header{"X-User-ID": []string{"oscar"}})
		for i := 0; i < 4; i++ {
			exchange(t, attacker, StreamMessage{UserID: "victim", Content: "hi"})
		}

		victim := dialStream(t, srv, http.Header{"X-User-ID": []string{"victim"}})
		assert.True(t, exchange(t, victim, StreamMessage{Content: "hi"}).Allowed)
	})
}

func TestStreamHandler_RequiresUpgrade(t *testing.T) {
	srv := newStreamServer(t, nil)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
