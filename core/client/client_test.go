package client

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientWithURL(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			if atomic.AddInt32(&gets, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"sessionId": 1}`))
		case http.MethodPost:
			w.WriteHeader(http.StatusServiceUnavailable)
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"name":"x"}`, string(body))
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail": "No such sample"}`))
		}
	}))
	defer srv.Close()

	c := NewWithURL("expeye", srv.URL+"/").WithToken("secret").WithRetry(5 * time.Second)

	var session struct {
		SessionID int `json:"sessionId"`
	}
	status, err := c.RawGet("/proposals/cm1/sessions/1", &session)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, session.SessionID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&gets))

	status, err = c.RawPost("/samples", map[string]string{"name": "x"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Error(t, err)

	status, err = c.RawPatch("/samples/1", map[string]string{"name": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "No such sample", statusErr.Detail)
}

func TestClientWithRouter(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 7}`))
	}).Methods(http.MethodPost)

	c := NewWithRouter(router).WithHeader("X-Test", "1")
	var created struct {
		ID int `json:"id"`
	}
	status, err := c.RawPost("/things", map[string]string{}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 7, created.ID)

	status, err = c.RawGet("/things", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Error(t, err)
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "broken", (&Response{Body: []byte(`{"detail":"broken"}`)}).Detail())
	assert.Equal(t, "plain text", (&Response{Body: []byte("plain text\n")}).Detail())
}
