package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"stepflow/pkg/logger"
	"stepflow/pkg/models"
	"stepflow/pkg/resilience"
	"stepflow/pkg/storage"
)

// Transferer moves bytes between the platform and a remote SFTP host. The
// indirection keeps the network dial out of the worker tests.
type Transferer interface {
	Upload(ctx context.Context, target SFTPTarget, remotePath string, data []byte) error
	Download(ctx context.Context, target SFTPTarget, remotePath string) ([]byte, error)
}

// SFTPTarget identifies one remote endpoint and its credentials.
type SFTPTarget struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (t SFTPTarget) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// SFTPExecutor runs sftp steps: upload pushes an object-store blob to a
// remote path, download pulls a remote file into the object store.
type SFTPExecutor struct {
	objects  storage.ObjectStore
	transfer Transferer
	breakers *resilience.Registry
	log      *zap.Logger
}

func NewSFTPExecutor(objects storage.ObjectStore, transfer Transferer, breakers *resilience.Registry) *SFTPExecutor {
	if transfer == nil {
		transfer = &sshTransferer{dialTimeout: 15 * time.Second}
	}
	return &SFTPExecutor{
		objects:  objects,
		transfer: transfer,
		breakers: breakers,
		log:      logger.Get().With(zap.String("executor", "sftp")),
	}
}

func (e *SFTPExecutor) Type() models.StepType { return models.StepTypeSFTP }

// Execute input:
//
//	operation    upload or download
//	host         (required)
//	port         22 when absent
//	username     (required)
//	password     (required)
//	remote_path  (required)
//	source_key   object key to upload (upload only)
//	target_key   object key to write (download only)
func (e *SFTPExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	operation, err := requireString(input, "operation")
	if err != nil {
		return nil, err
	}
	target, err := targetFromInput(input)
	if err != nil {
		return nil, err
	}
	remotePath, err := requireString(input, "remote_path")
	if err != nil {
		return nil, err
	}

	breaker := e.breakers.Get(target.Host)

	switch operation {
	case "upload":
		sourceKey, err := requireString(input, "source_key")
		if err != nil {
			return nil, err
		}
		data, err := e.objects.Get(ctx, sourceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read source %s: %w", sourceKey, err)
		}
		err = breaker.Execute(ctx, func() error {
			return e.transfer.Upload(ctx, target, remotePath, data)
		})
		if err != nil {
			return nil, fmt.Errorf("sftp upload to %s: %w", target.Host, err)
		}
		return map[string]any{
			"remote_path": remotePath,
			"size":        len(data),
		}, nil

	case "download":
		targetKey, err := requireString(input, "target_key")
		if err != nil {
			return nil, err
		}
		var data []byte
		err = breaker.Execute(ctx, func() error {
			var dlErr error
			data, dlErr = e.transfer.Download(ctx, target, remotePath)
			return dlErr
		})
		if err != nil {
			return nil, fmt.Errorf("sftp download from %s: %w", target.Host, err)
		}
		if err := e.objects.Put(ctx, targetKey, data, "application/octet-stream"); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", targetKey, err)
		}
		return map[string]any{
			"key":  targetKey,
			"size": len(data),
		}, nil

	default:
		return nil, Permanent(fmt.Errorf("unknown sftp operation %q", operation))
	}
}

func targetFromInput(input map[string]any) (SFTPTarget, error) {
	host, err := requireString(input, "host")
	if err != nil {
		return SFTPTarget{}, err
	}
	username, err := requireString(input, "username")
	if err != nil {
		return SFTPTarget{}, err
	}
	password, err := requireString(input, "password")
	if err != nil {
		return SFTPTarget{}, err
	}

	port := 0
	switch v := input["port"].(type) {
	case float64:
		port = int(v)
	case int:
		port = v
	}
	return SFTPTarget{Host: host, Port: port, Username: username, Password: password}, nil
}

// sshTransferer dials a fresh SSH connection per transfer. Steps are
// infrequent enough that connection pooling is not worth the state.
type sshTransferer struct {
	dialTimeout time.Duration
}

func (t *sshTransferer) connect(target SFTPTarget) (*sftp.Client, func(), error) {
	conn, err := ssh.Dial("tcp", target.addr(), &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.dialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", target.addr(), err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp session on %s: %w", target.addr(), err)
	}
	cleanup := func() {
		client.Close()
		conn.Close()
	}
	return client, cleanup, nil
}

func (t *sshTransferer) Upload(_ context.Context, target SFTPTarget, remotePath string, data []byte) error {
	client, cleanup, err := t.connect(target)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return nil
}

func (t *sshTransferer) Download(_ context.Context, target SFTPTarget, remotePath string) ([]byte, error) {
	client, cleanup, err := t.connect(target)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}
