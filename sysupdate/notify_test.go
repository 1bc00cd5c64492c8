package sysupdate

import (
	"testing"

	hclog "github.com/hashicorp/go-hclog"
)

func TestParseNotificationAllFields(t *testing.T) {
	buf := []byte("X_SYSUPDATE_VERSION=2.0\nX_SYSUPDATE_PROGRESS=55\nREADY=1\n")
	note := parseNotification(buf)
	if note.version == nil || *note.version != "2.0" {
		t.Errorf("version = %v, want 2.0", note.version)
	}
	if note.rawProgress == nil || *note.rawProgress != "55" {
		t.Errorf("rawProgress = %v, want 55", note.rawProgress)
	}
	if !note.ready {
		t.Error("expected ready=true")
	}
	if note.rawErrno != nil {
		t.Errorf("rawErrno = %v, want nil", note.rawErrno)
	}
}

func TestParseNotificationErrno(t *testing.T) {
	note := parseNotification([]byte("ERRNO=5\n"))
	if note.rawErrno == nil || *note.rawErrno != "5" {
		t.Errorf("rawErrno = %v, want 5", note.rawErrno)
	}
}

func TestParseNotificationIgnoresUnknownKeys(t *testing.T) {
	note := parseNotification([]byte("SOME_OTHER_KEY=value\n"))
	if note.version != nil || note.rawProgress != nil || note.rawErrno != nil || note.ready {
		t.Errorf("expected empty notification, got %+v", note)
	}
}

func TestParseProgressRejectsOutOfRange(t *testing.T) {
	if _, ok := parseProgress("150"); ok {
		t.Error("expected out-of-range progress to be rejected")
	}
}

func TestParseProgressRejectsMalformed(t *testing.T) {
	if _, ok := parseProgress("notanumber"); ok {
		t.Error("expected malformed progress to be rejected")
	}
}

func TestParseErrnoRejectsMalformed(t *testing.T) {
	if _, ok := parseErrno("notanumber"); ok {
		t.Error("expected malformed errno to be rejected")
	}
}

func TestDispatchWarnsOnMalformedProgress(t *testing.T) {
	logs := &captureSink{}
	logger := hclog.New(&hclog.LoggerOptions{Output: logs})
	l := &notifyListener{logger: logger}
	job := newJob(1, JobUpdate, &Target{ID: "host"}, nil, nil)

	l.dispatch(job, []byte("X_SYSUPDATE_PROGRESS=150\n"))

	if job.progress() != 0 {
		t.Errorf("progress = %d, want 0 (rejected value must not apply)", job.progress())
	}
	if !logs.sawWarn {
		t.Error("expected a warning to be logged for the out-of-range progress value")
	}
}

func TestDispatchWarnsOnMalformedErrno(t *testing.T) {
	logs := &captureSink{}
	logger := hclog.New(&hclog.LoggerOptions{Output: logs})
	l := &notifyListener{logger: logger}
	job := newJob(1, JobUpdate, &Target{ID: "host"}, nil, nil)

	l.dispatch(job, []byte("ERRNO=notanumber\n"))

	if !logs.sawWarn {
		t.Error("expected a warning to be logged for the malformed errno value")
	}
}

// captureSink is an io.Writer that records whether anything resembling an
// hclog warning line was written to it.
type captureSink struct {
	sawWarn bool
}

func (c *captureSink) Write(p []byte) (int, error) {
	if containsWarn(p) {
		c.sawWarn = true
	}
	return len(p), nil
}

func containsWarn(p []byte) bool {
	s := string(p)
	for i := 0; i+len("WARN") <= len(s); i++ {
		if s[i:i+len("WARN")] == "WARN" {
			return true
		}
	}
	return false
}
