package sysupdate

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// notifyBufferMax bounds the datagram read buffer. Oversize datagrams are
// discarded per spec.md §4.2/§6.
const notifyBufferMax = 16 * 1024

// notification is one parsed worker status datagram, with the keys spec.md
// §4.2/§6 recognizes. A field is present (non-nil/non-zero) only if its key
// appeared in the datagram. PROGRESS and ERRNO are carried as raw strings:
// numeric validation happens in dispatch, which is where a rejected value can
// actually be logged.
type notification struct {
	version     *string
	rawProgress *string
	rawErrno    *string
	ready       bool
}

// notifyListener owns the credential-authenticated datagram socket workers
// report progress on (C2). Each accepted datagram is matched to a live job
// by sender pid and routed to it via the dispatch callback.
type notifyListener struct {
	conn   *net.UnixConn
	path   string
	logger hclog.Logger
}

// newNotifyListener binds a SOCK_DGRAM unix socket at <dir>/notify with
// credential passing enabled, creating the runtime directory if needed and
// removing any stale socket file left over from a previous run.
func newNotifyListener(dir string, logger hclog.Logger) (*notifyListener, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "notify")
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	return &notifyListener{conn: conn, path: path, logger: logger.Named("notify")}, nil
}

func (l *notifyListener) close() error {
	return l.conn.Close()
}

// pidMatcher resolves a sender pid to the job whose worker owns it, so an
// unrecognized peer (spec.md's documented trust-model caveat) can be
// discarded.
type pidMatcher func(pid int32) (*Job, bool)

// serve reads datagrams until the listener is closed, dispatching each one
// to the job its sender pid identifies. It is meant to run in its own
// goroutine; closing the listener (from any goroutine) unblocks the
// in-flight Read.
func (l *notifyListener) serve(match pidMatcher) {
	buf := make([]byte, notifyBufferMax+1)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		n, oobn, flags, _, err := l.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if isClosedErr(err) {
				return
			}
			l.logger.Warn("notify socket read failed, ignoring", "error", err)
			continue
		}

		if flags&unix.MSG_TRUNC != 0 {
			l.logger.Warn("got overly long notification datagram, ignoring")
			continue
		}

		cred, err := parseCredentials(oob[:oobn])
		if err != nil || cred == nil || cred.Pid <= 0 {
			l.logger.Warn("got notification datagram lacking credential information, ignoring")
			continue
		}

		job, ok := match(cred.Pid)
		if !ok {
			l.logger.Warn("got notification datagram from unexpected peer, ignoring", "pid", cred.Pid)
			continue
		}

		l.dispatch(job, buf[:n])
	}
}

func parseCredentials(oob []byte) (*unix.Ucred, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS {
			return unix.ParseUnixCredentials(&m)
		}
	}
	return nil, nil
}

// dispatch applies the parsed datagram's keys to job, ordered exactly as
// spec.md §4.2/§5 requires: version and progress and errno before readiness,
// since processing readiness may detach the job. Malformed PROGRESS/ERRNO
// values are rejected with a warning, the same way serve already warns on a
// truncated datagram or an unrecognized sender, rather than being dropped
// silently.
func (l *notifyListener) dispatch(job *Job, buf []byte) {
	note := parseNotification(buf)

	if note.version != nil {
		job.onVersion(*note.version)
	}
	if note.rawProgress != nil {
		if p, ok := parseProgress(*note.rawProgress); ok {
			job.onProgress(p)
		} else {
			l.logger.Warn("got notification datagram with malformed progress value, ignoring", "value", *note.rawProgress)
		}
	}
	if note.rawErrno != nil {
		if e, ok := parseErrno(*note.rawErrno); ok {
			job.onErrno(e)
		} else {
			l.logger.Warn("got notification datagram with malformed errno value, ignoring", "value", *note.rawErrno)
		}
	}
	if note.ready {
		job.onReady()
	}
}

// parseProgress validates a raw X_SYSUPDATE_PROGRESS value against spec.md's
// [0,100] range.
func parseProgress(raw string) (uint32, bool) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n > 100 {
		return 0, false
	}
	return uint32(n), true
}

// parseErrno validates a raw ERRNO value.
func parseErrno(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseNotification scans a datagram's newline-separated KEY=VALUE lines for
// the four recognized keys. PROGRESS and ERRNO are extracted as raw strings;
// numeric validation happens in dispatch.
func parseNotification(buf []byte) notification {
	var note notification
	for _, line := range strings.Split(string(buf), "\n") {
		switch {
		case strings.HasPrefix(line, "X_SYSUPDATE_VERSION="):
			v := strings.TrimPrefix(line, "X_SYSUPDATE_VERSION=")
			note.version = &v
		case strings.HasPrefix(line, "X_SYSUPDATE_PROGRESS="):
			raw := strings.TrimPrefix(line, "X_SYSUPDATE_PROGRESS=")
			note.rawProgress = &raw
		case strings.HasPrefix(line, "ERRNO="):
			raw := strings.TrimPrefix(line, "ERRNO=")
			note.rawErrno = &raw
		case line == "READY=1":
			note.ready = true
		}
	}
	return note
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
