package backendtest

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRecordsConcurrentRequests(t *testing.T) {
	const expectedRequests = 4
	recorder := NewRecorder()
	defer recorder.Close()

	var g errgroup.Group
	for range expectedRequests {
		g.Go(func() error {
			resp, err := http.Post(recorder.URL()+"/foo?bar=baz", "text/plain", strings.NewReader("hello"))
			if err != nil {
				return err
			}

			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if string(b) != "hello" {
				t.Errorf("unexpected response body: %q", b)
			}

			return resp.Body.Close()
		})
	}

	require.NoError(t, g.Wait())

	requests := recorder.Requests()
	require.Len(t, requests, expectedRequests)
	for _, r := range requests {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/foo", r.Path)
		assert.Equal(t, "bar=baz", r.Query)
		assert.Equal(t, "hello", r.Body)
	}
}

func TestCustomResponse(t *testing.T) {
	recorder := NewRecorder()
	defer recorder.Close()

	recorder.Response = func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusTeapot)
	}

	resp, err := http.Get(recorder.URL())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Len(t, recorder.Requests(), 1)
}
