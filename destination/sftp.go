package destination

// SFTP is the engine's remote-file-transfer destination variant. The
// retrieved dependency pack contains no true SFTP client — the
// teacher's one remote-transport dependency is an FTP client
// (github.com/jlaffaye/ftp) whose upload helpers (network_test.go)
// already sketched a retrying, resumable uploader against an FTP
// connection. That shape is kept and generalized behind the Destination
// contract; the "sftp" destination kind is backed by FTP/FTPS as the
// closest transport the pack actually has, a substitution recorded in
// the dependency table rather than hidden behind the name.

import (
	"context"
	"fmt"
	"io"
	"net/textproto"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/scrat-backup/scrat/errs"
)

type SFTP struct {
	Addr     string
	User     string
	Password string
	BaseDir  string

	conn *ftp.ServerConn
}

func NewSFTP(addr, user, password, baseDir string) *SFTP {
	return &SFTP{Addr: addr, User: user, Password: password, BaseDir: baseDir}
}

func (s *SFTP) Kind() string { return string(KindSFTP) }

func (s *SFTP) Connect(ctx context.Context) error {
	conn, err := ftp.Dial(s.Addr, ftp.DialWithContext(ctx))
	if err != nil {
		return &errs.DestinationError{Kind: s.Kind(), Op: "connect", Retryable: true, Err: err}
	}
	if err := conn.Login(s.User, s.Password); err != nil {
		conn.Quit()
		return &errs.DestinationError{Kind: s.Kind(), Op: "login", Retryable: false, Err: err}
	}
	s.conn = conn
	if s.BaseDir != "" {
		_ = conn.MakeDir(s.BaseDir)
	}
	return nil
}

func (s *SFTP) remotePath(key string) string {
	if s.BaseDir == "" {
		return key
	}
	return s.BaseDir + "/" + key
}

// isFileNotFoundError reports whether err is the FTP 550 response code
// ("file not found" / "no such file") jlaffaye/ftp surfaces as a
// *textproto.Error for a missing path.
func isFileNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if ftpErr, ok := err.(*textproto.Error); ok {
		return ftpErr.Code == 550
	}
	return false
}

// GetRemoteSize returns the size of an already-uploaded object, or -1 if
// it does not exist yet, for resumable uploads.
func (s *SFTP) GetRemoteSize(key string) (int64, error) {
	size, err := s.conn.FileSize(s.remotePath(key))
	if err != nil {
		if isFileNotFoundError(err) {
			return -1, nil
		}
		return -1, &errs.TransientIOError{Op: "size " + key, Err: err}
	}
	return size, nil
}

// sectionReader presents [off, off+n) of base as an io.Reader, used to
// resume an upload partway through a local source.
type sectionReader struct {
	base io.ReaderAt
	off  int64
	n    int64
}

func (r *sectionReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	n, err := r.base.ReadAt(p, r.off)
	r.off += int64(n)
	r.n -= int64(n)
	return n, err
}

// PutStream uploads once; retrying a failed attempt is the job of the
// `retrying` wrapper (retry.go) that factory.go applies, not this type's, so every backend gets the
// same backoff policy instead of each reimplementing one.
func (s *SFTP) PutStream(ctx context.Context, key string, r io.Reader) error {
	if err := s.conn.Stor(s.remotePath(key), r); err != nil {
		return &errs.DestinationError{Kind: s.Kind(), Op: "put " + key, Retryable: true, Err: err}
	}
	return nil
}

// UploadWithResume uploads base (readable at arbitrary offsets) to key,
// resuming from whatever the destination already has if anything.
func (s *SFTP) UploadWithResume(ctx context.Context, key string, base io.ReaderAt, totalSize int64) error {
	offset, err := s.GetRemoteSize(key)
	if err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= totalSize {
		return nil
	}
	section := &sectionReader{base: base, off: offset, n: totalSize - offset}
	if offset == 0 {
		return s.PutStream(ctx, key, section)
	}
	if err := s.conn.StorFrom(s.remotePath(key), section, uint64(offset)); err != nil {
		return &errs.DestinationError{Kind: s.Kind(), Op: "resume put " + key, Retryable: true, Err: err}
	}
	return nil
}

func (s *SFTP) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.conn.Retr(s.remotePath(key))
	if err != nil {
		return nil, &errs.DestinationError{Kind: s.Kind(), Op: "get " + key, Retryable: !isFileNotFoundError(err), Err: err}
	}
	return resp, nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := s.conn.NameList(s.remotePath(prefix))
	if err != nil {
		return nil, &errs.DestinationError{Kind: s.Kind(), Op: "list " + prefix, Retryable: true, Err: err}
	}
	return entries, nil
}

func (s *SFTP) Delete(ctx context.Context, key string) error {
	if err := s.conn.Delete(s.remotePath(key)); err != nil && !isFileNotFoundError(err) {
		return &errs.DestinationError{Kind: s.Kind(), Op: "delete " + key, Retryable: true, Err: err}
	}
	return nil
}

func (s *SFTP) Stat(ctx context.Context, key string) (Info, error) {
	size, err := s.conn.FileSize(s.remotePath(key))
	if err != nil {
		return Info{}, &errs.DestinationError{Kind: s.Kind(), Op: "stat " + key, Retryable: !isFileNotFoundError(err), Err: err}
	}
	return Info{Key: key, Size: size}, nil
}

func (s *SFTP) FreeSpace(ctx context.Context) (int64, error) { return -1, nil }

func (s *SFTP) Test(ctx context.Context) error {
	probe := fmt.Sprintf(".scrat-probe-%d", time.Now().UnixNano())
	if err := s.PutStream(ctx, probe, io.LimitReader(nil, 0)); err != nil {
		return err
	}
	return s.Delete(ctx, probe)
}

func (s *SFTP) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Quit()
}
