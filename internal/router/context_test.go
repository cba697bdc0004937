package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrove/apphost/internal/httpengine"
)

func newStreamCtx(t *testing.T) (*Context, *pairConn) {
	t.Helper()
	conn := newPairConn(nil)
	e := httpengine.New(httpengine.RoleServer, conn)
	return &Context{engine: e}, conn
}

func TestStreamWriterRejectsOverwrite(t *testing.T) {
	ctx, _ := newStreamCtx(t)
	w, err := ctx.Stream(200, "text/plain", 5)
	require.NoError(t, err)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = w.Write([]byte("!"))
	assert.Error(t, err, "writing past the declared Content-Length must fail")
}

func TestStreamWriterCloseForcesShortWriteClosed(t *testing.T) {
	ctx, conn := newStreamCtx(t)
	w, err := ctx.Stream(200, "text/plain", 5)
	require.NoError(t, err)

	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.True(t, conn.closed, "short write must force the connection closed")
}

func TestStreamWriterCloseNoopWhenLengthSatisfied(t *testing.T) {
	ctx, conn := newStreamCtx(t)
	w, err := ctx.Stream(200, "text/plain", 5)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.False(t, conn.closed)
}
