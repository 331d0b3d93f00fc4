package feed

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP drop-folder fetcher.
type FTPOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

// FTPFetcher downloads fact batches from FTP drop folders. Credentials
// come from the URL userinfo; without them the login is anonymous.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &FTPFetcher{opts: opts}
}

// ftpTarget is a parsed ftp:// URL.
type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "feed: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("feed: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" {
		return ftpTarget{}, eris.New("feed: empty path in ftp url")
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.password = pw
		}
	}
	return t, nil
}

// ftpConnReader ties the data connection to the control connection so
// closing the reader also quits the session.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "feed: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "feed: quit ftp connection")
	}
	return nil
}

// Download retrieves the file behind an ftp:// URL. Transient dial and
// transfer failures are retried with backoff. The caller must close the
// returned reader to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	target, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}

	return retryVal(ctx, defaultRetryConfig(f.opts.MaxRetries), "ftp download",
		func(ctx context.Context) (io.ReadCloser, error) {
			return f.retrieve(ctx, target)
		})
}

func (f *FTPFetcher) retrieve(ctx context.Context, target ftpTarget) (io.ReadCloser, error) {
	zap.L().Debug("feed: ftp connecting", zap.String("host", target.host), zap.String("path", target.path))

	conn, err := ftp.Dial(target.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, markTransient(eris.Wrap(err, "feed: ftp dial"))
	}

	if err := conn.Login(target.user, target.password); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "feed: ftp login")
	}

	resp, err := conn.Retr(target.path)
	if err != nil {
		conn.Quit() //nolint:errcheck
		return nil, markTransient(eris.Wrap(err, "feed: ftp retrieve"))
	}

	return &ftpConnReader{resp: resp, conn: conn}, nil
}

// DownloadBytes retrieves the file fully into memory.
func (f *FTPFetcher) DownloadBytes(ctx context.Context, ftpURL string) ([]byte, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	bs, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrap(err, "feed: read ftp body")
	}
	return bs, nil
}
