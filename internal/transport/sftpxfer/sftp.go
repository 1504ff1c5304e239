// Package sftpxfer implements the SFTP transfer state machine
// (SPEC_FULL.md §4.6): one SSH/SFTP session shared by N workers performing
// positioned reads over disjoint byte ranges, mirroring the HTTP handler's
// split plan but using sftp.File.ReadAt instead of a Range header.
package sftpxfer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rescale/matris/internal/chunkqueue"
	"github.com/rescale/matris/internal/matriserr"
	"github.com/rescale/matris/internal/pathres"
	"github.com/rescale/matris/internal/retry"
	"github.com/rescale/matris/internal/transport"
)

// Handler implements transport.Handler for the sftp scheme.
type Handler struct{}

// New returns a fresh SFTP transfer handler.
func New() transport.Handler { return &Handler{} }

func (h *Handler) RunDownload(p transport.RunParams) (transport.Result, error) {
	target, err := parseTarget(p.URL)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}

	maxTries := p.Config.MaxTries
	if p.Overrides.MaxTries > 0 {
		maxTries = p.Overrides.MaxTries
	}
	maxSplits := p.Config.MaxSplits
	if p.Overrides.MaxSplits > 0 {
		maxSplits = p.Overrides.MaxSplits
	}
	policy := retry.Policy{
		MaxTries: maxTries,
		Classify: retry.ClassifyFTPSFTP,
		OnRetry: func(attempt int, class retry.Class, err error) {
			if p.Logger != nil {
				p.Logger.Debugf("sftp retry: url=%s attempt=%d class=%d err=%v", p.URL, attempt, class, err)
			}
		},
	}

	var sshClient *ssh.Client
	var sftpClient *sftp.Client
	if err := policy.Do(p.Ctx, func(attempt int) error {
		c, s, err := dial(p, target)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		sshClient, sftpClient = c, s
		return nil
	}); err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}
	defer sftpClient.Close()
	defer sshClient.Close()

	var size int64
	if err := policy.Do(p.Ctx, func(attempt int) error {
		info, err := sftpClient.Stat(target.path)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		size = info.Size()
		return nil
	}); err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}

	desiredPath, err := p.Resolver("", p.URL)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}
	finalPath, tempPath, err := pathres.Claim(desiredPath, p.Overwrite)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: desiredPath, URL: p.URL, Cause: err}
	}
	localFile, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	defer localFile.Close()

	var fp transport.FileProgress
	if p.Progress != nil {
		fp = p.Progress.StartFile(p.Token, filepath.Base(finalPath), size)
	}

	var ranges []transport.ByteRange
	if maxSplits > 1 && size > 0 {
		ranges = transport.GenerateRanges(size, maxSplits)
	}

	chunks := make(chan transport.Chunk, maxSplits*2+1)
	writeErrCh := make(chan error, 1)
	go func() {
		writeErrCh <- chunkqueue.Run(localFile, chunks, func(n int) {
			if fp != nil {
				fp.Add(n)
			}
		})
	}()

	workerErr := runWorkers(p.Ctx, sftpClient, target.path, ranges, p.Config.ChunkSize, chunks, policy, p.URL)
	close(chunks)
	writeErr := <-writeErrCh

	if workerErr != nil {
		if fp != nil {
			fp.Complete(workerErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: workerErr}
	}
	if writeErr != nil {
		if fp != nil {
			fp.Complete(writeErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: writeErr}
	}

	if err := localFile.Close(); err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	promoted, err := pathres.Promote(tempPath)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	if fp != nil {
		fp.Complete(nil)
	}

	return transport.Result{URL: p.URL, FilePath: promoted, TempFilePath: tempPath}, nil
}

// runWorkers fans out one goroutine per range (or a single unranged worker
// when ranges is empty) and waits for all of them, returning the first error.
// The first failure cancels the context the remaining workers run under.
func runWorkers(
	ctx context.Context,
	client *sftp.Client,
	remotePath string,
	ranges []transport.ByteRange,
	chunkSize int,
	chunks chan<- transport.Chunk,
	policy retry.Policy,
	url string,
) error {
	if len(ranges) == 0 {
		return fetchRange(ctx, client, remotePath, nil, chunkSize, chunks, policy, url)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(ranges))
	for i := range ranges {
		rng := ranges[i]
		go func() {
			errCh <- fetchRange(ctx, client, remotePath, &rng, chunkSize, chunks, policy, url)
		}()
	}
	var firstErr error
	for range ranges {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// fetchRange performs positioned reads over [start, end) (or the whole file
// when rng is nil), retrying the whole range from its start offset on
// failure — positioned writes downstream make that replay idempotent.
func fetchRange(
	ctx context.Context,
	client *sftp.Client,
	remotePath string,
	rng *transport.ByteRange,
	chunkSize int,
	chunks chan<- transport.Chunk,
	policy retry.Policy,
	url string,
) error {
	startOffset := int64(0)
	endOffset := int64(-1)
	if rng != nil {
		startOffset = rng.Start
		endOffset = rng.End
	}

	return policy.Do(ctx, func(attempt int) error {
		f, err := client.Open(remotePath)
		if err != nil {
			return wrapProto(url, err)
		}
		defer f.Close()

		pos := startOffset
		buf := make([]byte, chunkSize)
		for {
			if endOffset >= 0 && pos >= endOffset {
				return nil
			}
			readLen := len(buf)
			if endOffset >= 0 {
				if remaining := endOffset - pos; remaining < int64(readLen) {
					readLen = int(remaining)
				}
			}
			n, rerr := f.ReadAt(buf[:readLen], pos)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- transport.Chunk{Offset: pos, Data: data}:
				case <-ctx.Done():
					return ctx.Err()
				}
				pos += int64(n)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return wrapProto(url, rerr)
			}
		}
	})
}

type sftpTarget struct {
	host     string
	port     string
	path     string
	user     string
	password string
}

func parseTarget(rawURL string) (sftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return sftpTarget{}, err
	}

	remotePath := u.Path
	if remotePath == "" || remotePath == "/" {
		return sftpTarget{}, &matriserr.ProtocolError{Protocol: "sftp", URL: rawURL, Err: errEmptyPath}
	}

	user, password := "anonymous", ""
	if u.User != nil {
		user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}

	host, port := u.Host, "22"
	if h, prt, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, prt
	}

	return sftpTarget{host: host, port: port, path: remotePath, user: user, password: password}, nil
}

var errEmptyPath = errors.New("empty or root path in SFTP URL: a remote file path is required")

func dial(p transport.RunParams, target sftpTarget) (*ssh.Client, *sftp.Client, error) {
	config := &ssh.ClientConfig{
		User:            target.user,
		Auth:            []ssh.AuthMethod{ssh.Password(target.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.Config.Timeout,
	}

	address := net.JoinHostPort(target.host, target.port)
	sshClient, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return nil, nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}

	return sshClient, sftpClient, nil
}

func wrapProto(url string, err error) error {
	return &matriserr.ProtocolError{Protocol: "sftp", URL: url, Err: err}
}
