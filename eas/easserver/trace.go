package easserver

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spilled.ink/wbxml"
)

// redactTags is the message content hidden from traces when
// redaction is on: addresses, subjects, and body data.
var redactTags = []wbxml.Tag{
	wbxml.ASBData,
	wbxml.ASBPreview,
	wbxml.EmailSubject,
	wbxml.EmailThreadTopic,
	wbxml.EmailFrom,
	wbxml.EmailTo,
	wbxml.EmailCc,
	wbxml.EmailReplyTo,
	wbxml.EmailDisplayTo,
	wbxml.EmailMIMEData,
	wbxml.CMMime,
	wbxml.SettingsSMTPAddress,
	wbxml.SettingsIMEI,
	wbxml.SettingsPhoneNumber,
}

// Trace writes decoded WBXML exchanges to files for protocol
// debugging. It is wired up by the easd binary when DEBUG is set;
// production servers run without one.
type Trace struct {
	// Dir receives the trace files.
	Dir string

	// Split selects one file per (device, command) instead of a
	// single shared log.
	Split bool

	// Redact replaces message content with length placeholders.
	Redact bool

	// Logf reports trace I/O problems. Nil means silent.
	Logf func(format string, v ...interface{})

	mu    sync.Mutex
	files map[string]*os.File
}

func (t *Trace) logf(format string, v ...interface{}) {
	if t.Logf != nil {
		t.Logf(format, v...)
	}
}

// Request records a decoded client request.
func (t *Trace) Request(deviceID, cmd string, raw []byte, root *wbxml.Node) {
	t.write(deviceID, cmd, "request", raw, root)
}

// Response records an encoded server response.
func (t *Trace) Response(deviceID, cmd string, raw []byte, root *wbxml.Node) {
	t.write(deviceID, cmd, "response", raw, root)
}

func (t *Trace) write(deviceID, cmd, direction string, raw []byte, root *wbxml.Node) {
	name := "eas.log"
	if t.Split {
		name = deviceID + "-" + cmd + ".log"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, found := t.files[name]
	if !found {
		var err error
		f, err = os.OpenFile(filepath.Join(t.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			t.logf("easserver: trace: %v", err)
			return
		}
		if t.files == nil {
			t.files = make(map[string]*os.File)
		}
		t.files[name] = f
	}

	fmt.Fprintf(f, "--- %s %s device=%s cmd=%s (%d bytes)\n",
		time.Now().UTC().Format(time.RFC3339), direction, deviceID, cmd, len(raw))
	if t.Redact {
		fmt.Fprintf(f, "[%d raw bytes redacted]\n", len(raw))
		if err := wbxml.DumpRedacted(f, root, "  ", redactTags); err != nil {
			t.logf("easserver: trace: %v", err)
		}
	} else {
		f.WriteString(hex.Dump(raw))
		if err := wbxml.Dump(f, root, "  "); err != nil {
			t.logf("easserver: trace: %v", err)
		}
	}
}

// Close releases the trace files. The Trace stays usable; files
// reopen on the next write.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for name, f := range t.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.files, name)
	}
	return first
}
