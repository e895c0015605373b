package urlcall

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	var gotMethod, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotType = r.Header.Get("Content-Type")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(time.Second)
	status, err := c.Do(context.Background(), "POST", srv.URL+"/ring", []byte("a=1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "a=1", gotBody)
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)

	status, err = c.Do(context.Background(), "GET", srv.URL+"/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Empty(t, gotType)
}

func TestDoTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := New(50*time.Millisecond).Do(context.Background(), "GET", srv.URL, nil)
	assert.Error(t, err)
}

func TestDoRejectsBadURL(t *testing.T) {
	_, err := New(time.Second).Do(context.Background(), "GET", "://nope", nil)
	assert.Error(t, err)
}
