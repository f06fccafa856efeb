package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-desk/internal/session"
)

const maxAttachmentBytes = 25 << 20

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// downloadAttachments saves message attachments under the attachment dir,
// one directory per thread, and returns the local paths. Attachments that
// fail are skipped; the first error is returned alongside the rest.
func (l *Listener) downloadAttachments(ctx context.Context, key session.ThreadKey, msg *discordgo.Message) ([]string, error) {
	if l.opts.AttachmentDir == "" || len(msg.Attachments) == 0 {
		return nil, nil
	}
	dir := filepath.Join(l.opts.AttachmentDir, safeName(key.RootMessageID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	var (
		paths    []string
		firstErr error
	)
	for _, att := range msg.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if att.Size > maxAttachmentBytes {
			l.logger.Printf("attachment skipped thread=%s name=%s size=%d reason=too_large", key, att.Filename, att.Size)
			continue
		}
		path := filepath.Join(dir, safeName(msg.ID)+"-"+safeName(att.Filename))
		if err := l.download(ctx, att.URL, path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("download %s: %w", att.Filename, err)
			}
			continue
		}
		paths = append(paths, path)
	}
	return paths, firstErr
}

func (l *Listener) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxAttachmentBytes+1))
	closeErr := f.Close()
	if copyErr == nil && n > maxAttachmentBytes {
		copyErr = errors.New("attachment exceeds size limit")
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}
