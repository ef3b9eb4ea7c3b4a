package kss

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
)

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
	// Secret signs the URLs. A random secret is generated if empty.
	Secret []byte
}

// LocalFilesystem stores objects below a base folder and serves them on /kss/filesystem
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	secret     []byte
}

type urlClaims struct {
	Key    string `json:"key"`
	Method Method `json:"method"`
	jwt.RegisteredClaims
}

// NewLocalFilesystem returns a new LocalFilesystem. Pre-signed URLs point to publicURL.
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	secret := config.Secret
	if len(secret) == 0 {
		logger.Default().Warn("No secret provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{baseFolder: config.BasePath, publicURL: publicURL, secret: secret}
	logger.Default().Debugln("filesystem routes enabled")
	logger.Default().Debugln("  handle route: /kss/filesystem GET,PUT")
	router.Handle("/kss/filesystem", http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut)
	return f, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	var claims urlClaims
	_, err := jwt.ParseWithClaims(r.URL.Query().Get("token"), &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return f.secret, nil
	})
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("invalid signature for", r.URL.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if string(claims.Method) != r.Method {
		logger.FromContext(r.Context()).Errorf("Signature valid for %s, but was used for %s", claims.Method, r.Method)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	filePath, err := f.path(claims.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.FromContext(r.Context()).Infof("Filesystem: [%s] key: '%s'", r.Method, claims.Key)
	switch r.Method {
	case http.MethodGet:
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("Error 1201: Could not read body key: '%s'", claims.Key)
			http.Error(w, "Error 1201", http.StatusInternalServerError)
			return
		}
		if err := f.Upload(r.Context(), claims.Key, data); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("Error 1203: Could not store key: '%s'", claims.Key)
			http.Error(w, "Error 1203", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Upload stores data under key
func (f *LocalFilesystem) Upload(_ context.Context, key string, data []byte) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// Download returns the data stored under key
func (f *LocalFilesystem) Download(_ context.Context, key string) ([]byte, error) {
	filePath, err := f.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filePath)
}

// ListAllWithPrefix returns all keys starting with prefix, sorted
func (f *LocalFilesystem) ListAllWithPrefix(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.baseFolder, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// GetPreSignedURL returns a URL that can be used with method until expireIn has passed
func (f *LocalFilesystem) GetPreSignedURL(_ context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	if _, err := f.path(key); err != nil {
		return "", err
	}
	claims := urlClaims{
		Key:    key,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expireIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return "", err
	}
	u := f.publicURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/kss/filesystem"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Delete deletes the key
func (f *LocalFilesystem) Delete(_ context.Context, key string) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	return os.RemoveAll(filePath)
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
