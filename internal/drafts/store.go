// Package drafts is the directory-based staging area for outbound messages
// awaiting human approval.
//
// A draft is approved by renaming it with the "-OK" suffix or by adding a
// line reading APPROVED to its body. Both signals are re-detected on every
// scan, so the store keeps no state of its own.
package drafts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("draft not found")
	// ErrMarkerInBody rejects a body that would read as approved on the next
	// scan.
	ErrMarkerInBody = errors.New("draft body contains an approval marker line")
)

const DefaultPattern = "**/*" + Ext

// Draft is a staged outbound message.
type Draft struct {
	ID       string    `yaml:"draft_id"`
	Identity string    `yaml:"identity"`
	Label    string    `yaml:"label"`
	ToName   string    `yaml:"to_name,omitempty"`
	To       string    `yaml:"to"`
	CC       []string  `yaml:"cc,omitempty"`
	Subject  string    `yaml:"subject"`
	Created  time.Time `yaml:"created"`
	Followup int       `yaml:"followup,omitempty"`
	Body     string    `yaml:"-"`
}

// Entry is a draft found on disk.
type Entry struct {
	Path     string
	Draft    Draft
	ByRename bool
	ByMarker bool
}

// Approved reports whether either approval signal is present.
func (e Entry) Approved() bool { return e.ByRename || e.ByMarker }

// Invalid is a file under the store root that could not be read as a draft.
type Invalid struct {
	Path string
	Err  error
}

type Store struct {
	Fs afero.Fs
	// Root is scanned recursively for drafts.
	Root string
	// Outbox is the directory under Root new drafts are written to.
	Outbox string
	// ArchiveDir receives drafts once sent. It is skipped when under Root.
	ArchiveDir string
	// Pattern is a doublestar glob relative to Root.
	Pattern string
}

func New(fs afero.Fs, root, outbox, archive string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{Fs: fs, Root: root, Outbox: outbox, ArchiveDir: archive, Pattern: DefaultPattern}
}

func (s *Store) pattern() string {
	if s.Pattern != "" {
		return s.Pattern
	}
	return DefaultPattern
}

// Scan lists every draft under Root. Files that match the pattern but are not
// drafts are returned separately and never acted on.
func (s *Store) Scan() ([]Entry, []Invalid, error) {
	exists, err := afero.DirExists(s.Fs, s.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("check drafts directory: %w", err)
	}
	if !exists {
		return nil, nil, nil
	}
	archive := filepath.Clean(s.ArchiveDir)
	var (
		entries []Entry
		invalid []Invalid
	)
	err = afero.Walk(s.Fs, s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if s.ArchiveDir != "" && filepath.Clean(path) == archive {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		ok, err := doublestar.Match(s.pattern(), filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("match %s: %w", rel, err)
		}
		if !ok || strings.HasPrefix(info.Name(), ".") || strings.EqualFold(info.Name(), "README.md") {
			return nil
		}
		entry, err := s.read(path)
		if err != nil {
			invalid = append(invalid, Invalid{Path: path, Err: err})
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk drafts directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, invalid, nil
}

func (s *Store) read(path string) (Entry, error) {
	name, err := ParseName(filepath.Base(path))
	if err != nil {
		return Entry{}, err
	}
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return Entry{}, fmt.Errorf("read draft: %w", err)
	}
	d, marker, err := Parse(data)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if d.ID != name.DraftID {
		return Entry{}, fmt.Errorf("%s: file name draft id %q does not match front matter %q", filepath.Base(path), name.DraftID, d.ID)
	}
	return Entry{Path: path, Draft: d, ByRename: name.Approved, ByMarker: marker}, nil
}

// Find returns the draft with the given id.
func (s *Store) Find(draftID string) (Entry, error) {
	entries, _, err := s.Scan()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Draft.ID == draftID {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%s: %w", draftID, ErrNotFound)
}

// Write stages d in the outbox. A draft with the same id already under Root
// is left as is and its path returned.
func (s *Store) Write(d Draft) (string, error) {
	if d.ID == "" || d.Identity == "" {
		return "", errors.New("draft id and identity are required")
	}
	if existing, err := s.Find(d.ID); err == nil {
		return existing.Path, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if d.Created.IsZero() {
		d.Created = time.Now()
	}
	d.Created = d.Created.UTC().Truncate(time.Second)
	dir := filepath.Join(s.Root, s.Outbox)
	if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	data, err := Format(d)
	if err != nil {
		return "", err
	}
	name := Name{Label: d.Label, DraftID: d.ID, Created: d.Created}.FileName()
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := afero.WriteFile(s.Fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write draft: %w", err)
	}
	if err := s.Fs.Rename(tmp, final); err != nil {
		_ = s.Fs.Remove(tmp)
		return "", fmt.Errorf("publish draft: %w", err)
	}
	return final, nil
}

// Approve applies the rename signal to a draft. Approving twice is a no-op.
func (s *Store) Approve(draftID string) (Entry, error) {
	e, err := s.Find(draftID)
	if err != nil {
		return Entry{}, err
	}
	if e.ByRename {
		return e, nil
	}
	name, err := ParseName(filepath.Base(e.Path))
	if err != nil {
		return Entry{}, err
	}
	name.Approved = true
	dest := filepath.Join(filepath.Dir(e.Path), name.FileName())
	if err := s.Fs.Rename(e.Path, dest); err != nil {
		return Entry{}, fmt.Errorf("approve %s: %w", draftID, err)
	}
	e.Path = dest
	e.ByRename = true
	return e, nil
}

// Archive moves a sent draft into ArchiveDir. It is safe to repeat: when the
// archive already holds the file the remaining copy is removed.
func (s *Store) Archive(e Entry) (string, error) {
	if s.ArchiveDir == "" {
		return "", errors.New("archive directory not configured")
	}
	dest := filepath.Join(s.ArchiveDir, filepath.Base(e.Path))
	srcExists, err := afero.Exists(s.Fs, e.Path)
	if err != nil {
		return "", err
	}
	destExists, err := afero.Exists(s.Fs, dest)
	if err != nil {
		return "", err
	}
	switch {
	case !srcExists && destExists:
		return dest, nil
	case !srcExists:
		return "", fmt.Errorf("%s: %w", e.Path, ErrNotFound)
	case destExists:
		if err := s.Fs.Remove(e.Path); err != nil {
			return "", fmt.Errorf("remove archived duplicate: %w", err)
		}
		return dest, nil
	}
	if err := s.Fs.MkdirAll(s.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if err := s.Fs.Rename(e.Path, dest); err == nil {
		return dest, nil
	}
	// Rename fails across devices, e.g. from a synced folder to local disk.
	if err := s.copyFile(e.Path, dest); err != nil {
		return "", fmt.Errorf("archive %s: %w", e.Path, err)
	}
	if err := s.Fs.Remove(e.Path); err != nil {
		return "", fmt.Errorf("remove archived source: %w", err)
	}
	return dest, nil
}

func (s *Store) copyFile(src, dst string) error {
	in, err := s.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := s.Fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IsMarker reports whether a body line is the approval marker.
func IsMarker(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), ApprovalMarker)
}

// Format renders a draft file: YAML front matter followed by the body. A
// body carrying a marker line is refused, so a new draft never starts out
// approved.
func Format(d Draft) ([]byte, error) {
	for _, line := range strings.Split(strings.ReplaceAll(d.Body, "\r", "\n"), "\n") {
		if IsMarker(line) {
			return nil, fmt.Errorf("%s: %w", d.ID, ErrMarkerInBody)
		}
	}
	meta, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(d.Body, "\n"))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Parse reads a draft file. The returned bool reports whether the body
// carries the approval marker; marker lines are removed from the body.
func Parse(data []byte) (Draft, bool, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return Draft{}, false, errors.New("missing front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			end = len(rest) - len("\n---")
		} else {
			return Draft{}, false, errors.New("unterminated front matter")
		}
	}
	var d Draft
	if err := yaml.Unmarshal([]byte(rest[:end]), &d); err != nil {
		return Draft{}, false, fmt.Errorf("invalid front matter: %w", err)
	}
	if d.ID == "" || d.Identity == "" {
		return Draft{}, false, errors.New("front matter requires draft_id and identity")
	}
	body := ""
	if start := end + len("\n---\n"); start <= len(rest) {
		body = rest[start:]
	}
	var (
		kept   []string
		marker bool
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if IsMarker(line) {
			marker = true
			continue
		}
		kept = append(kept, line)
	}
	if err := sc.Err(); err != nil {
		return Draft{}, false, err
	}
	d.Body = strings.TrimSpace(strings.Join(kept, "\n"))
	return d, marker, nil
}
