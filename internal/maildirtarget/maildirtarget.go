// Package maildirtarget implements the reserved `maildir` delivery
// target (spec.md §6): an alternative to SMTP/LMTP dispatch that writes
// a message directly into a local {tmp,new,cur} structure per the
// Maildir format, at a path templated per-recipient.
//
// Grounded on the teacher's internal/storage/maildir.Store: the same
// ensureMaildir/tmp-write-then-rename atomicity and maildir.Dir typing,
// generalized from a per-user IMAP mailbox keyed by userID into a
// per-recipient outbound target addressed by a path template. The
// SQL-backed mailbox/UID bookkeeping that store needs for IMAP is not
// relevant to an outbound engine and is not carried over.
package maildirtarget

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	maildir "github.com/emersion/go-maildir"

	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
)

// PathVars are the per-recipient fields available to a target's path
// template.
type PathVars struct {
	Recipient string
	User      string
	Domain    string
}

// Config configures one maildir delivery target.
type Config struct {
	PathTemplate string // text/template source, executed against PathVars
	DirMode      os.FileMode
	FileMode     os.FileMode
}

// Target writes messages into a Maildir structure rooted at a path
// derived from each recipient via PathTemplate.
type Target struct {
	tmpl     *template.Template
	dirMode  os.FileMode
	fileMode os.FileMode
	logger   *logging.Logger
}

// New parses cfg.PathTemplate and returns a Target. DirMode/FileMode
// default to 0750/0640 when unset.
func New(cfg Config, logger *logging.Logger) (*Target, error) {
	tmpl, err := template.New("maildir_path").Parse(cfg.PathTemplate)
	if err != nil {
		return nil, fmt.Errorf("maildirtarget: parsing path template: %w", err)
	}
	dirMode := cfg.DirMode
	if dirMode == 0 {
		dirMode = 0o750
	}
	fileMode := cfg.FileMode
	if fileMode == 0 {
		fileMode = 0o640
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Target{tmpl: tmpl, dirMode: dirMode, fileMode: fileMode, logger: logger.Storage()}, nil
}

// ParseMode parses an octal mode string like "0750", falling back to def
// when s is empty.
func ParseMode(s string, def os.FileMode) (os.FileMode, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("maildirtarget: invalid mode %q: %w", s, err)
	}
	return os.FileMode(v), nil
}

func (t *Target) resolvePath(recipient string) (string, error) {
	user, domain := splitAddress(recipient)
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, PathVars{Recipient: recipient, User: user, Domain: domain}); err != nil {
		return "", fmt.Errorf("maildirtarget: executing path template for %q: %w", recipient, err)
	}
	return buf.String(), nil
}

func splitAddress(addr string) (user, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// ensureMaildir creates the {tmp,new,cur} subdirectories under path if
// they don't already exist.
func (t *Target) ensureMaildir(path string) (maildir.Dir, error) {
	dir := maildir.Dir(path)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(path, sub), t.dirMode); err != nil {
			return dir, fmt.Errorf("maildirtarget: creating %s: %w", sub, err)
		}
	}
	return dir, nil
}

// Deliver writes h's message data into recipient's maildir. The write
// is atomic: data lands in tmp/ first and is only linked into new/ once
// fully written and synced to disk, so a crash mid-write never leaves a
// partial message visible to a reader of new/.
func (t *Target) Deliver(ctx context.Context, h *message.Handle, recipient string) error {
	path, err := t.resolvePath(recipient)
	if err != nil {
		return err
	}
	if _, err := t.ensureMaildir(path); err != nil {
		return err
	}

	data, err := h.LoadData(ctx)
	if err != nil {
		return fmt.Errorf("maildirtarget: loading message data: %w", err)
	}

	key := generateKey()
	tmpPath := filepath.Join(path, "tmp", key)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, t.fileMode)
	if err != nil {
		return fmt.Errorf("maildirtarget: creating tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("maildirtarget: writing message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("maildirtarget: syncing message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("maildirtarget: closing message: %w", err)
	}

	newPath := filepath.Join(path, "new", key)
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("maildirtarget: moving message into new: %w", err)
	}

	t.logger.InfoContext(ctx, "maildir delivery complete", "message_id", string(h.ID()), "path", newPath)
	return nil
}

// generateKey builds a maildir-unique filename the same way the
// teacher's generateMaildirKey does: a nanosecond timestamp plus random
// hex, which is unique enough without a left-to-right lock file.
func generateKey() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d.%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}
