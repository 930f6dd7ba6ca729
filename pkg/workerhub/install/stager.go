package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/repository"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

// EntryBase is the base name of the staged handler; the extension follows
// the source or the configured default.
const EntryBase = "handler"

// maxSourceSize bounds a fetched handler.
const maxSourceSize = 16 << 20

// Staged is the on-disk result of staging a descriptor.
type Staged struct {
	Dir       string
	Entry     string
	Bootstrap string
}

// Stager materializes worker sources under a build root. Each worker gets
// <root>/<descriptor id>; staging the same id again rewrites that directory's
// files in place.
type Stager struct {
	root     string
	entryExt string
	client   *http.Client
	now      func() time.Time
}

// StagerOption configures a Stager.
type StagerOption func(*Stager)

// WithSourceClient sets the HTTP client used to fetch http(s) sources.
func WithSourceClient(c *http.Client) StagerOption {
	return func(s *Stager) { s.client = c }
}

// NewStager creates a stager rooted at root. entryExt is used when neither the
// descriptor nor the source URL implies an extension; it defaults to ".lua".
func NewStager(root, entryExt string, opts ...StagerOption) *Stager {
	if entryExt == "" {
		entryExt = ".lua"
	}
	if !strings.HasPrefix(entryExt, ".") {
		entryExt = "." + entryExt
	}
	s := &Stager{root: root, entryExt: entryExt, client: http.DefaultClient, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the build root.
func (s *Stager) Root() string {
	return s.root
}

// Stage fetches d's source into the worker's build directory and writes the
// bootstrap manifest. Failures are StagingErrors.
func (s *Stager) Stage(ctx context.Context, d repository.Descriptor, ref event.Reference) (Staged, error) {
	fail := func(op string, err error) (Staged, error) {
		return Staged{}, wherrors.Staging(op, err).WithWorker(d.ID).WithEvent(ref.ID)
	}

	root, err := filepath.Abs(s.root)
	if err != nil {
		return fail("resolve root", err)
	}
	dir := filepath.Join(root, d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail("create build dir", err)
	}

	source, err := s.fetch(ctx, d.URL)
	if err != nil {
		return fail("fetch source", err)
	}

	entry := d.Entry
	if entry == "" {
		entry = EntryBase + s.extFor(d.URL)
	}
	if err := writeFileAtomic(filepath.Join(dir, entry), source); err != nil {
		return fail("write entry", err)
	}

	manifest, err := json.MarshalIndent(worker.Bootstrap{
		ID:        d.ID,
		Entry:     entry,
		EventID:   ref.ID,
		CreatedAt: s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fail("encode bootstrap", err)
	}
	bootstrap := filepath.Join(dir, worker.BootstrapFile)
	if err := writeFileAtomic(bootstrap, manifest); err != nil {
		return fail("write bootstrap", err)
	}

	return Staged{Dir: dir, Entry: filepath.Join(dir, entry), Bootstrap: bootstrap}, nil
}

func (s *Stager) extFor(source string) string {
	p := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		p = u.Path
	}
	if ext := path.Ext(p); ext != "" {
		return ext
	}
	return s.entryExt
}

func (s *Stager) fetch(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	switch {
	case u.Scheme == "file":
		return readLimited(u.Path)
	case u.Scheme == "" && filepath.IsAbs(source):
		return readLimited(source)
	case u.Scheme == "http" || u.Scheme == "https":
		return s.fetchHTTP(ctx, source)
	default:
		return nil, fmt.Errorf("unsupported source %q", source)
	}
}

func (s *Stager) fetchHTTP(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, wherrors.Transport("get source", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &wherrors.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)), Endpoint: source}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize+1))
	if err != nil {
		return nil, wherrors.Transport("read source", err)
	}
	if len(data) > maxSourceSize {
		return nil, errors.New("source exceeds size limit")
	}
	return data, nil
}

func readLimited(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if info.Size() > maxSourceSize {
		return nil, errors.New("source exceeds size limit")
	}
	return os.ReadFile(p)
}

// writeFileAtomic replaces name so a concurrently starting process never
// reads a partial file.
func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
