package reqctx

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDFromHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set(HeaderRequestID, "req-abc")
	rc := New(r)
	assert.Equal(t, "req-abc", rc.RequestID)
}

func TestRequestIDGenerated(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	rc := New(r)
	_, err := uuid.Parse(rc.RequestID)
	assert.NoError(t, err)
}

func TestClientIPFromForwardedFor(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 192.168.1.1")
	rc := New(r)
	assert.Equal(t, "10.0.0.1", rc.ClientIP)
}

func TestMetadata(t *testing.T) {
	rc := New(httptest.NewRequest("POST", "/v1/messages", nil))
	rc.SetMeta(MetaModel, "claude-3-5-sonnet")
	rc.AddMetaInt(MetaTokensInput, 10)
	rc.AddMetaInt(MetaTokensInput, 5)

	assert.Equal(t, int64(15), rc.MetaInt(MetaTokensInput))
	snap := rc.MetaSnapshot()
	assert.Equal(t, "claude-3-5-sonnet", snap[MetaModel])
	assert.Equal(t, rc.RequestID, snap["request_id"])
	assert.Contains(t, snap, MetaDurationMS)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	rc := New(httptest.NewRequest("POST", "/v1/messages", nil))
	var calls int
	var failed bool
	rc.OnFinalize(func(f bool, reason string) {
		calls++
		failed = f
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				rc.Finalize()
			} else {
				rc.Fail("client_disconnected")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	_ = failed
}

func TestFailRecordsReason(t *testing.T) {
	rc := New(httptest.NewRequest("POST", "/v1/messages", nil))
	var gotReason string
	rc.OnFinalize(func(f bool, reason string) {
		require.True(t, f)
		gotReason = reason
	})
	rc.Fail("client_disconnected")
	rc.Finalize()

	assert.Equal(t, "client_disconnected", gotReason)
	v, ok := rc.Meta(MetaError)
	require.True(t, ok)
	assert.Equal(t, "client_disconnected", v)
}

func TestAmbientLookup(t *testing.T) {
	rc := New(httptest.NewRequest("GET", "/", nil))
	ctx := WithContext(context.Background(), rc)
	assert.Same(t, rc, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
