package contentstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestIPFS(cfg config.ContentConfig) *IPFS {
	store := NewIPFS(&cfg, zap.NewNop())
	store.retryInterval = time.Millisecond
	return store
}

func TestIPFS_KuboUpload(t *testing.T) {
	var gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/add", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		body, _ := io.ReadAll(file)
		gotName, gotBody = header.Filename, string(body)
		_, _ = w.Write([]byte(`{"Name":"x","Hash":"bafyupload","Size":"5"}`))
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{APIURL: srv.URL + "/"})
	id, err := store.Put(context.Background(), "round_1_parameters", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "bafyupload", id)
	require.Equal(t, "round_1_parameters", gotName)
	require.Equal(t, "hello", gotBody)
}

func TestIPFS_PinataUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"IpfsHash":"bafypinned"}`))
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{PinataJWT: "jwt-token", PinURL: srv.URL + "/pinning/pinFileToIPFS"})
	id, err := store.Put(context.Background(), "initial_parameters", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "bafypinned", id)
}

func TestIPFS_UploadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Hash":"bafyretry"}`))
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{APIURL: srv.URL})
	id, err := store.Put(context.Background(), "n", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "bafyretry", id)
	require.Equal(t, int32(3), calls.Load())
}

func TestIPFS_UploadClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{PinataJWT: "bad", PinURL: srv.URL})
	_, err := store.Put(context.Background(), "n", []byte("x"))
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "put", storeErr.Op)
	require.Contains(t, err.Error(), "401")
	require.Equal(t, int32(1), calls.Load())
}

func TestIPFS_UploadWithoutBackend(t *testing.T) {
	store := newTestIPFS(config.ContentConfig{})
	_, err := store.Put(context.Background(), "n", []byte("x"))
	require.Error(t, err)
}

func TestIPFS_GetFallsBackAcrossGateways(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ipfs/bafyfound", r.URL.Path)
		_, _ = w.Write([]byte("payload"))
	}))
	defer up.Close()

	store := newTestIPFS(config.ContentConfig{Gateways: []string{down.URL + "/ipfs/", up.URL + "/ipfs"}})
	data, err := store.Get(context.Background(), "bafyfound")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestIPFS_GetPrefersNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/cat", r.URL.Path)
		assert.Equal(t, "bafynode", r.URL.Query().Get("arg"))
		_, _ = w.Write([]byte("from node"))
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{APIURL: srv.URL, Gateways: []string{"http://127.0.0.1:1/ipfs/"}})
	data, err := store.Get(context.Background(), "bafynode")
	require.NoError(t, err)
	require.Equal(t, []byte("from node"), data)
}

func TestIPFS_GetAllGatewaysFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := newTestIPFS(config.ContentConfig{Gateways: []string{srv.URL + "/a/", srv.URL + "/b/"}})
	_, err := store.Get(context.Background(), "bafymissing")
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "bafymissing", storeErr.ID)
}
