package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/resilience"
)

type fakeTransferer struct {
	remote   map[string][]byte
	uploads  []string
	failWith error
}

func newFakeTransferer() *fakeTransferer {
	return &fakeTransferer{remote: make(map[string][]byte)}
}

func (f *fakeTransferer) Upload(_ context.Context, _ SFTPTarget, remotePath string, data []byte) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.remote[remotePath] = append([]byte(nil), data...)
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *fakeTransferer) Download(_ context.Context, _ SFTPTarget, remotePath string) ([]byte, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	d, ok := f.remote[remotePath]
	if !ok {
		return nil, errors.New("no such file")
	}
	return d, nil
}

func newSFTPHarness() (*SFTPExecutor, *memObjectStore, *fakeTransferer) {
	objects := newMemObjectStore()
	transfer := newFakeTransferer()
	e := NewSFTPExecutor(objects, transfer, resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig()))
	return e, objects, transfer
}

func TestSFTPUploadPushesObjectToRemote(t *testing.T) {
	e, objects, transfer := newSFTPHarness()
	require.NoError(t, objects.Put(context.Background(), "reports/daily.csv", []byte("id\n1\n"), "text/csv"))

	out, err := e.Execute(context.Background(), map[string]any{
		"operation":   "upload",
		"host":        "sftp.partner.example",
		"username":    "feed",
		"password":    "secret",
		"remote_path": "/inbound/daily.csv",
		"source_key":  "reports/daily.csv",
	})
	require.NoError(t, err)

	assert.Equal(t, "/inbound/daily.csv", out["remote_path"])
	assert.Equal(t, []byte("id\n1\n"), transfer.remote["/inbound/daily.csv"])
}

func TestSFTPDownloadStoresRemoteFile(t *testing.T) {
	e, objects, transfer := newSFTPHarness()
	transfer.remote["/outbound/ack.txt"] = []byte("ok")

	out, err := e.Execute(context.Background(), map[string]any{
		"operation":   "download",
		"host":        "sftp.partner.example",
		"port":        float64(2222),
		"username":    "feed",
		"password":    "secret",
		"remote_path": "/outbound/ack.txt",
		"target_key":  "inbound/ack.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "inbound/ack.txt", out["key"])

	blob, err := objects.Get(context.Background(), "inbound/ack.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), blob)
}

func TestSFTPMissingCredentialsIsPermanent(t *testing.T) {
	e, _, _ := newSFTPHarness()
	_, err := e.Execute(context.Background(), map[string]any{
		"operation":   "upload",
		"host":        "sftp.partner.example",
		"remote_path": "/x",
		"source_key":  "k",
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestSFTPTransferFailureIsRetryable(t *testing.T) {
	e, objects, transfer := newSFTPHarness()
	require.NoError(t, objects.Put(context.Background(), "k", []byte("x"), ""))
	transfer.failWith = errors.New("connection reset")

	_, err := e.Execute(context.Background(), map[string]any{
		"operation":   "upload",
		"host":        "sftp.partner.example",
		"username":    "feed",
		"password":    "secret",
		"remote_path": "/x",
		"source_key":  "k",
	})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
