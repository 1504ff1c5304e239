// Package ftpxfer implements the FTP/FTPS transfer state machine
// (SPEC_FULL.md §4.5): a single streaming RETR, no byte-range splitting —
// FTP's control/data channel pairing makes concurrent ranged reads over one
// connection unsafe, so this handler always uses exactly one worker.
package ftpxfer

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/rescale/matris/internal/chunkqueue"
	"github.com/rescale/matris/internal/matriserr"
	"github.com/rescale/matris/internal/pathres"
	"github.com/rescale/matris/internal/retry"
	"github.com/rescale/matris/internal/transport"
)

// Handler implements transport.Handler for the ftp and ftps schemes.
type Handler struct{}

// New returns a fresh FTP transfer handler.
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
	policy := retry.Policy{
		MaxTries: maxTries,
		Classify: retry.ClassifyFTPSFTP,
		OnRetry: func(attempt int, class retry.Class, err error) {
			if p.Logger != nil {
				p.Logger.Debugf("ftp retry: url=%s attempt=%d class=%d err=%v", p.URL, attempt, class, err)
			}
		},
	}

	var size int64
	if err := policy.Do(p.Ctx, func(attempt int) error {
		conn, err := dial(p, target)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		defer conn.Quit()
		sz, err := conn.FileSize(target.path)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		size = sz
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
	file, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	defer file.Close()

	var fp transport.FileProgress
	if p.Progress != nil {
		fp = p.Progress.StartFile(p.Token, filepath.Base(finalPath), size)
	}

	chunks := make(chan transport.Chunk, 2)
	writeErrCh := make(chan error, 1)
	go func() {
		writeErrCh <- chunkqueue.Run(file, chunks, func(n int) {
			if fp != nil {
				fp.Add(n)
			}
		})
	}()

	transferErr := policy.Do(p.Ctx, func(attempt int) error {
		conn, err := dial(p, target)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		defer conn.Quit()
		if err := conn.Type(ftp.TransferTypeBinary); err != nil {
			return wrapProto(p.URL, err)
		}
		resp, err := conn.Retr(target.path)
		if err != nil {
			return wrapProto(p.URL, err)
		}
		defer resp.Close()

		chunkSize := p.Config.ChunkSize
		buf := make([]byte, chunkSize)
		pos := int64(0)
		for {
			n, rerr := resp.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- transport.Chunk{Offset: pos, Data: data}:
				case <-p.Ctx.Done():
					return p.Ctx.Err()
				}
				pos += int64(n)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return wrapProto(p.URL, rerr)
			}
		}
	})
	close(chunks)
	writeErr := <-writeErrCh

	if transferErr != nil {
		if fp != nil {
			fp.Complete(transferErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: transferErr}
	}
	if writeErr != nil {
		if fp != nil {
			fp.Complete(writeErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: writeErr}
	}

	if err := file.Close(); err != nil {
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

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
	useTLS   bool
}

// parseTarget mirrors the ftp:// / ftps:// URL convention used across the
// pack: userinfo carries credentials (default anonymous/anonymous), the
// host defaults to port 21, and the URL path is the remote file path.
func parseTarget(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, err
	}

	remotePath := u.Path
	if remotePath == "" || remotePath == "/" {
		return ftpTarget{}, &matriserr.ProtocolError{Protocol: "ftp", URL: rawURL, Err: errEmptyPath}
	}

	user, password := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":21"
	}

	return ftpTarget{
		host:     host,
		path:     remotePath,
		user:     user,
		password: password,
		useTLS:   strings.EqualFold(u.Scheme, "ftps"),
	}, nil
}

var errEmptyPath = errors.New("empty or root path in FTP URL: a remote file path is required")

func dial(p transport.RunParams, target ftpTarget) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(p.Config.Timeout),
		ftp.DialWithContext(p.Ctx),
	}
	if target.useTLS {
		hostname := target.host
		if h, _, err := net.SplitHostPort(target.host); err == nil {
			hostname = h
		}
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName: hostname,
			MinVersion: tls.VersionTLS12,
		}))
	}

	conn, err := ftp.Dial(target.host, opts...)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(target.user, target.password); err != nil {
		conn.Quit()
		return nil, err
	}
	return conn, nil
}

func wrapProto(url string, err error) error {
	return &matriserr.ProtocolError{Protocol: "ftp", URL: url, Err: err}
}
