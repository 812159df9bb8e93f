package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, nil)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestDoDecodesSuccessAndSendsBearer(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "x", body["phone"])
		w.Write([]byte(`{"ok":true}`))
	})
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/a", Body: map[string]string{"phone": "x"}, Bearer: "tok"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   Kind
		msg    string
		code   string
	}{
		{401, `{"message":"expired","code":"TOKEN_EXPIRED"}`, KindUnauthorized, "expired", "TOKEN_EXPIRED"},
		{403, ``, KindUnauthorized, "Request failed (403)", ""},
		{409, `{"message":"Task already assigned"}`, KindConflict, "Task already assigned", ""},
		{422, `{"message":"bad otp","details":{"field":"otp"}}`, KindRejected, "bad otp", ""},
		{500, `<html>boom</html>`, KindServer, "Request failed (500)", ""},
		{502, `{"message":12}`, KindServer, "Request failed (502)", ""},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
			require.Error(t, err)
			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tc.kind, gerr.Kind)
			assert.Equal(t, tc.status, gerr.Status)
			assert.Equal(t, tc.msg, gerr.Message)
			assert.Equal(t, tc.code, gerr.Code)
		})
	}
}

func TestErrorDetailsKept(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		io.WriteString(w, `{"message":"bad","details":{"field":"otp"}}`)
	})
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, map[string]any{"field": "otp"}, gerr.Details)
}

func TestMalformedSuccessBody(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `not json`)
	})
	var out map[string]any
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Retries: Retries(3)}, &out)
	assert.Equal(t, KindServer, KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(503)
			return
		}
		io.WriteString(w, `{}`)
	})
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Retries: Retries(3)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *waits)
}

func TestDefaultIsSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(500)
	})
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	assert.Equal(t, KindServer, KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNoRetryOnAuthOrConflict(t *testing.T) {
	for _, status := range []int{401, 403, 409} {
		var calls atomic.Int32
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		})
		err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x", Retries: Retries(4)}, nil)
		require.Error(t, err)
		assert.EqualValues(t, 1, calls.Load(), "status %d", status)
	}
}

func TestTimeoutIsTransportAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow", Timeout: 50 * time.Millisecond, Retries: Retries(2)}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransportErrorRetried(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	var waits int
	c.sleep = func(context.Context, time.Duration) error { waits++; return nil }
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Retries: Retries(2)}, nil)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, 2, waits)
}

func TestMultipartBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ARRIVAL", r.FormValue("stage"))
		f, hdr, err := r.FormFile("selfie")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "jpegbytes", string(data))
		assert.Equal(t, "me.jpg", hdr.Filename)
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))
		io.WriteString(w, `{}`)
	})
	mp := &Multipart{}
	mp.Add("stage", "ARRIVAL")
	mp.Files = append(mp.Files, File{Field: "selfie", Name: "me.jpg", ContentType: "image/jpeg", Data: []byte("jpegbytes")})
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/u", Multipart: mp}, nil))
}

func TestPathEscape(t *testing.T) {
	assert.Equal(t, "/api/v1/tasks/a%2Fb/accept", PathEscape("/api/v1/tasks", "a/b", "accept"))
}
