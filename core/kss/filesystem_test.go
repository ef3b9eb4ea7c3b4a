package kss_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/kss"
)

func newLocal(t *testing.T) (*kss.LocalFilesystem, client.Client) {
	router := mux.NewRouter()
	u, err := url.Parse("https://localhost/api")
	require.NoError(t, err)
	f, err := kss.NewLocalFilesystem(router, kss.LocalConfiguration{BasePath: t.TempDir()}, *u)
	require.NoError(t, err)
	return f, client.NewWithRouter(router)
}

func relative(t *testing.T, signed string) string {
	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/api/kss/filesystem", u.Path)
	return "/kss/filesystem?" + u.RawQuery
}

func TestLocalUploadList(t *testing.T) {
	f, _ := newLocal(t)
	ctx := context.Background()

	require.NoError(t, f.Upload(ctx, "shipments/1/a.json", []byte(`{"a":1}`)))
	require.NoError(t, f.Upload(ctx, "shipments/1/b.json", []byte(`{"b":2}`)))
	require.NoError(t, f.Upload(ctx, "shipments/2/a.json", []byte(`{}`)))

	keys, err := f.ListAllWithPrefix(ctx, "shipments/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shipments/1/a.json", "shipments/1/b.json"}, keys)

	data, err := f.Download(ctx, "shipments/1/b.json")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	require.NoError(t, f.DeleteAllWithPrefix(ctx, "shipments/1/"))
	keys, err = f.ListAllWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"shipments/2/a.json"}, keys)

	assert.Error(t, f.Upload(ctx, "../escape", nil))
}

func TestLocalPresignedURL(t *testing.T) {
	f, cl := newLocal(t)
	ctx := context.Background()

	put, err := f.GetPreSignedURL(ctx, kss.Put, "snapshots/x.json", time.Minute)
	require.NoError(t, err)
	res, err := cl.Do(http.MethodPut, relative(t, put), []byte(`{"x":true}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.Status)

	get, err := f.GetPreSignedURL(ctx, kss.Get, "snapshots/x.json", time.Minute)
	require.NoError(t, err)
	res, err = cl.Do(http.MethodGet, relative(t, get), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, `{"x":true}`, string(res.Body))

	// a GET url cannot be used to upload
	res, err = cl.Do(http.MethodPut, relative(t, get), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	expired, err := f.GetPreSignedURL(ctx, kss.Get, "snapshots/x.json", -time.Minute)
	require.NoError(t, err)
	res, err = cl.Do(http.MethodGet, relative(t, expired), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	tampered := strings.Replace(relative(t, get), "token=", "token=x", 1)
	res, err = cl.Do(http.MethodGet, tampered, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
}

func TestParseDriverType(t *testing.T) {
	d, err := kss.ParseDriverType("AWSS3")
	require.NoError(t, err)
	assert.Equal(t, kss.DriverTypeAWSS3, d)
	_, err = kss.ParseDriverType("ftp")
	assert.Error(t, err)
}
