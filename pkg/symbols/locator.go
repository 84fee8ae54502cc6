package symbols

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/metrics"
	"github.com/go-delve/vmi/pkg/pe"
)

// ErrStoreNotFound is returned by Locate when no symbol path or server has
// the requested program database.
var ErrStoreNotFound = errors.New("symbol store not found")

const maxDownloadSize = 256 << 20

// Locator finds the program database of a module from its CodeView record.
// Directories are searched using the symbol server cache layout:
//
//	<dir>/<pdb name>/<key>/<pdb name>
type Locator struct {
	Fs afero.Fs
	// Paths are the directories searched, in order.
	Paths []string
	// Server is the base URL of a symbol server, empty to disable
	// downloads.
	Server string
	// Cache is the directory where downloaded stores are saved, empty to
	// keep them in memory only.
	Cache string
	// Client is the http client used for downloads, http.DefaultClient
	// with a timeout when nil.
	Client *http.Client

	metrics *metrics.SymbolsMetrics
	log     *logrus.Entry
}

// NewLocator returns a locator searching paths on fs. m may be nil.
func NewLocator(fs afero.Fs, paths []string, m *metrics.SymbolsMetrics) *Locator {
	if m == nil {
		m = metrics.NewSymbolsMetrics(nil)
	}
	return &Locator{Fs: fs, Paths: paths, metrics: m, log: logflags.SymbolsLogger()}
}

func pdbBase(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// relPath returns the path of the store of cv relative to a symbol path
// directory.
func relPath(cv *pe.CodeView) string {
	name := pdbBase(cv.PDBName)
	return filepath.Join(name, cv.Key(), name)
}

// Locate returns the content of the program database described by cv.
func (l *Locator) Locate(cv *pe.CodeView) ([]byte, error) {
	rel := relPath(cv)
	for _, dir := range l.Paths {
		data, err := afero.ReadFile(l.Fs, filepath.Join(dir, rel))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warnf("reading %s: %v", filepath.Join(dir, rel), err)
		}
	}
	if l.Cache != "" {
		if data, err := afero.ReadFile(l.Fs, filepath.Join(l.Cache, rel)); err == nil {
			return data, nil
		}
	}
	if l.Server == "" {
		l.metrics.LoadErrors.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreNotFound, cv)
	}
	return l.download(cv)
}

func (l *Locator) download(cv *pe.CodeView) ([]byte, error) {
	name := pdbBase(cv.PDBName)
	url := strings.TrimSuffix(l.Server, "/") + "/" + name + "/" + cv.Key() + "/" + name
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Microsoft-Symbol-Server/10.0.0.0")
	if logflags.Symbols() {
		l.log.Debugf("downloading %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		l.metrics.LoadErrors.WithLabelValues("download").Inc()
		return nil, fmt.Errorf("downloading %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		l.metrics.LoadErrors.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreNotFound, cv)
	}
	if resp.StatusCode != http.StatusOK {
		l.metrics.LoadErrors.WithLabelValues("download").Inc()
		return nil, fmt.Errorf("downloading %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		l.metrics.LoadErrors.WithLabelValues("download").Inc()
		return nil, fmt.Errorf("downloading %s: %v", url, err)
	}
	l.metrics.Downloads.Inc()

	if l.Cache != "" {
		dst := filepath.Join(l.Cache, relPath(cv))
		err := l.Fs.MkdirAll(filepath.Dir(dst), 0o755)
		if err == nil {
			err = afero.WriteFile(l.Fs, dst, data, 0o644)
		}
		if err != nil {
			l.log.Warnf("caching %s: %v", dst, err)
		}
	}
	return data, nil
}

// LoadModule locates the program database described by cv and inserts it
// in e under name for the module mapped at span.
func (e *Engine) LoadModule(name string, span guest.Span, cv *pe.CodeView) error {
	if e.locator == nil {
		return fmt.Errorf("no symbol locator to find %v", cv)
	}
	if _, ok := e.stores[Sanitize(name)]; ok {
		return StoreExistsError{Sanitize(name)}
	}
	data, err := e.locator.Locate(cv)
	if err != nil {
		return err
	}
	return e.Insert(name, span, data)
}
