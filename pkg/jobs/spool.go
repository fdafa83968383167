package jobs

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openspool/printd/pkg/types"
)

// AddFile spools a document for the job from r. The type is detected
// when mediaType is empty or application/octet-stream. Returns the
// stored file record.
func (s *Store) AddFile(id int, r io.Reader, mediaType, name string, compressed bool) (*types.JobFile, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if j.State.Terminal() || j.State == types.JobProcessing {
		s.mu.Unlock()
		return nil, ErrNotPossible
	}
	seq := len(j.Files) + 1
	if _, intake := s.intake[id]; intake {
		s.intake[id] = time.Now()
	}
	s.mu.Unlock()

	path := filepath.Join(s.spoolDir, fmt.Sprintf("d%05d-%03d", id, seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spooling job %d: %w", id, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("spooling job %d: %w", id, err)
	}

	if mediaType == "" || mediaType == "application/octet-stream" {
		detected, derr := s.mime.TypeOf(path, name)
		if derr != nil {
			detected = "application/octet-stream"
		}
		mediaType = detected
	}

	jf := types.JobFile{Path: path, MimeType: mediaType, Compressed: compressed}

	s.mu.Lock()
	j.Files = append(j.Files, jf)
	j.KOctets += int((n + 1023) / 1024)
	s.mu.Unlock()

	s.logger.Debug().Int("job_id", id).Str("type", mediaType).Int64("bytes", n).Msg("document spooled")
	s.dirty()
	return &jf, nil
}

// removeFiles deletes the job's spool files and forgets them.
func (s *Store) removeFiles(j *types.Job) {
	s.mu.Lock()
	files := j.Files
	j.Files = nil
	s.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", f.Path).Msg("spool file removal failed")
		}
	}
}

// StoreCredentials writes up to three authentication values for the
// job to a root-only file, padded with random newlines so the file
// length does not reveal the credential lengths.
func (s *Store) StoreCredentials(id int, values []string, uid int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if len(values) > 3 {
		values = values[:3]
	}
	j.NumCreds = len(values)
	j.AuthUID = uid
	s.mu.Unlock()

	path := s.credentialsPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o400)
	if err != nil {
		return fmt.Errorf("storing credentials for job %d: %w", id, err)
	}
	defer f.Close()

	for _, v := range values {
		if _, err := fmt.Fprintln(f, v); err != nil {
			return err
		}
		if err := writePadding(f); err != nil {
			return err
		}
	}
	s.dirty()
	return nil
}

// Credentials reads back the stored authentication values, skipping
// the padding lines.
func (s *Store) Credentials(id int) ([]string, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	n := 0
	if ok {
		n = j.NumCreds
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if n == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(s.credentialsPath(id))
	if err != nil {
		return nil, err
	}

	var values []string
	start := 0
	for i := 0; i < len(data) && len(values) < n; i++ {
		if data[i] != '\n' {
			continue
		}
		if i > start {
			values = append(values, string(data[start:i]))
		}
		start = i + 1
	}
	return values, nil
}

func (s *Store) credentialsPath(id int) string {
	return filepath.Join(s.spoolDir, fmt.Sprintf("a%05d", id))
}

func (s *Store) removeCredentials(j *types.Job) {
	if j.NumCreds == 0 {
		return
	}
	if err := os.Remove(s.credentialsPath(j.ID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Int("job_id", j.ID).Msg("credential file removal failed")
	}
}

// writePadding emits 1-32 blank lines of random count.
func writePadding(w io.Writer) error {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	for i := 0; i < int(b[0]%32)+1; i++ {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
