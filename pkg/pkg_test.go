package pkg

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestShortAddress(t *testing.T) {
	a := ShortAddress("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n")
	require.NotEmpty(t, a)
	require.Equal(t, a, ShortAddress("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"))
	require.NotEqual(t, a, ShortAddress("other"))
	require.Empty(t, ShortAddress(""))
}

func TestConv(t *testing.T) {
	require.Equal(t, int64(1<<40+7), BytesToInt64(Int64ToBytes(1<<40+7)))
	// big endian keeps byte order equal to numeric order
	require.Equal(t, -1, bytes.Compare(Int64ToBytes(255), Int64ToBytes(256)))
}

func TestPaginate(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	require.Equal(t, []int{0, 1}, Paginate(items, 0, 2))
	require.Equal(t, []int{4}, Paginate(items, 2, 2))
	require.Empty(t, Paginate(items, 3, 2))
	require.Empty(t, Paginate(items, -1, 2))
	require.Empty(t, Paginate(items, 0, 0))
}

func TestLogMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	engine := gin.New()
	engine.Use(LogMiddleware(zap.New(core)), CORSMiddleware())
	var seen []byte
	engine.POST("/block", func(c *gin.Context) {
		seen, _ = c.GetRawData()
		c.Status(http.StatusOK)
	})

	body := strings.Repeat("a", 2*maxLoggedBody)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/block", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, body, string(seen))

	entries := logs.FilterMessage("/block").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Len(t, entries[0].ContextMap()["body"], maxLoggedBody)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/block", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
