package sparse

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// OperatorNotFoundError is returned when no registered module exports the
// referenced operator.
type OperatorNotFoundError struct {
	Operator string
}

func (e *OperatorNotFoundError) Error() string {
	return fmt.Sprintf("a module containing operator %q could not be found", e.Operator)
}

type operatorFactory struct {
	create   func() OperatorCall
	batching bool
}

// Module is a named code bundle: a zip archive of Go source files interpreted
// at placement time. The exported symbols of the module package form its
// operator factory table:
//
//	func(batch []interface{}) []interface{}          a stateless operator
//	func() func(batch []interface{}) []interface{}   a factory, invoked once per placement
//
// An exported Unbatched []string symbol disables input batching for the named
// operators. Modules are content-anonymous: the name is the identity.
type Module struct {
	Name        string
	ArchivePath string

	mu        sync.Mutex
	factories map[string]operatorFactory
}

// load unpacks and interprets the module on first use and returns its
// operator factory table.
func (m *Module) load(repoPath string, log *logrus.Entry) (map[string]operatorFactory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factories != nil {
		return m.factories, nil
	}

	dir := filepath.Join(repoPath, "sparseapp_"+m.Name)
	if err := unpackArchive(m.ArchivePath, dir); err != nil {
		return nil, fmt.Errorf("unpacking module %s: %w", m.Name, err)
	}

	sources, err := moduleSources(dir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("module %s contains no source files", m.Name)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading interpreter symbols: %w", err)
	}

	pkgName := ""
	for _, path := range sources {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if pkgName == "" {
			pkgName = packageClause(string(src))
		}
		if _, err := i.Eval(string(src)); err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", filepath.Base(path), err)
		}
	}

	exports, ok := i.Symbols(pkgName)[pkgName]
	if !ok {
		return nil, fmt.Errorf("module %s exports no package %q", m.Name, pkgName)
	}

	unbatched := map[string]bool{}
	if v, ok := exports["Unbatched"]; ok {
		if names, ok := v.Interface().([]string); ok {
			for _, name := range names {
				unbatched[name] = true
			}
		}
	}

	factories := map[string]operatorFactory{}
	for name, v := range exports {
		switch fn := v.Interface().(type) {
		case func([]interface{}) []interface{}:
			call := OperatorCall(fn)
			factories[name] = operatorFactory{
				create:   func() OperatorCall { return call },
				batching: !unbatched[name],
			}
		case func() func([]interface{}) []interface{}:
			factories[name] = operatorFactory{
				create:   func() OperatorCall { return fn() },
				batching: !unbatched[name],
			}
		}
	}

	log.Infof("loaded module %s with %d operator factories", m.Name, len(factories))
	m.factories = factories
	return factories, nil
}

// ModuleRepository stores the code bundles received or uploaded to this node
// and resolves operator names to factories.
type ModuleRepository struct {
	repoPath string
	log      *logrus.Entry

	mu      sync.Mutex
	modules []*Module
}

func newModuleRepository(repoPath string, log *logrus.Entry) *ModuleRepository {
	return &ModuleRepository{repoPath: repoPath, log: log}
}

// Add registers a module archive under the given name. Adding a name that is
// already registered returns the existing module.
func (r *ModuleRepository) Add(name, archivePath string) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.modules {
		if m.Name == name {
			return m
		}
	}

	m := &Module{Name: name, ArchivePath: archivePath}
	r.modules = append(r.modules, m)
	r.log.Infof("registered module %s", name)
	return m
}

// Modules returns a snapshot of the registered modules.
func (r *ModuleRepository) Modules() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Module(nil), r.modules...)
}

// OperatorFactory scans the registered modules for an exported factory with
// the given name, loading archives on demand.
func (r *ModuleRepository) OperatorFactory(name string) (OperatorCall, bool, error) {
	for _, m := range r.Modules() {
		factories, err := m.load(r.repoPath, r.log)
		if err != nil {
			r.log.Warnf("skipping module %s: %v", m.Name, err)
			continue
		}
		if f, ok := factories[name]; ok {
			return f.create(), f.batching, nil
		}
	}
	return nil, false, &OperatorNotFoundError{Operator: name}
}

// Watch registers archives dropped into the repository directory until the
// context is cancelled. Each new archive is reported through onAdded.
func (r *ModuleRepository) Watch(ctx context.Context, onAdded func(*Module)) error {
	if err := os.MkdirAll(r.repoPath, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.repoPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, ".zip") {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".zip")
				r.log.Infof("found module archive %s", event.Name)
				m := r.Add(name, event.Name)
				if onAdded != nil {
					onAdded(m)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warnf("module watcher: %v", err)
			}
		}
	}()

	return nil
}

func moduleSources(dir string) ([]string, error) {
	var sources []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".go") {
			sources = append(sources, path)
		}
		return nil
	})
	return sources, err
}

func packageClause(src string) string {
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	return "main"
}

func unpackArchive(archivePath, dir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, file := range reader.File {
		target := filepath.Join(dir, file.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes module directory", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		in, err := file.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			in.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
