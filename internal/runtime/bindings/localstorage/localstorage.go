// Package localstorage is the "bindings.localstorage" output binding. It
// keeps files under a root directory.
package localstorage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

const (
	ComponentType = "bindings.localstorage"

	// MetadataFileName selects the file of an operation.
	MetadataFileName = "fileName"
)

func init() {
	components.Register(ComponentType, func(_ context.Context, spec components.Spec, _ components.Deps) (any, error) {
		root, err := spec.Metadata.Required("rootPath")
		if err != nil {
			return nil, err
		}
		return New(root)
	})
}

// Binding stores one file per fileName below root.
type Binding struct {
	root string
}

// New creates root when missing.
func New(root string) (*Binding, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Binding{root: abs}, nil
}

func (b *Binding) Operations() []string {
	return []string{bindings.OperationCreate, bindings.OperationGet, bindings.OperationList, bindings.OperationDelete}
}

func (b *Binding) Invoke(_ context.Context, req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	switch req.Operation {
	case bindings.OperationCreate:
		return b.create(req)
	case bindings.OperationGet:
		return b.get(req)
	case bindings.OperationList:
		return b.list()
	case bindings.OperationDelete:
		return b.delete(req)
	default:
		return bindings.InvokeResponse{}, errspkg.OperationNotSupported("localstorage.invoke", req.Operation, b.Operations())
	}
}

// resolve keeps name inside the root directory.
func (b *Binding) resolve(name string) (string, error) {
	if name == "" {
		return "", errspkg.InvalidArgument("localstorage", "metadata %q is required", MetadataFileName)
	}
	full := filepath.Join(b.root, filepath.Clean("/"+name))
	rel, err := filepath.Rel(b.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errspkg.InvalidArgument("localstorage", "invalid file name %q", name)
	}
	return full, nil
}

func (b *Binding) create(req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	name := req.Metadata[MetadataFileName]
	if name == "" {
		name = idspkg.CreateULID()
	}
	path, err := b.resolve(name)
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return bindings.InvokeResponse{}, err
	}
	if err := os.WriteFile(path, req.Data, 0o640); err != nil {
		return bindings.InvokeResponse{}, err
	}
	return bindings.InvokeResponse{Metadata: map[string]string{MetadataFileName: name}}, nil
}

func (b *Binding) get(req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	path, err := b.resolve(req.Metadata[MetadataFileName])
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return bindings.InvokeResponse{}, errspkg.InvalidArgument("localstorage.get", "file %q not found", req.Metadata[MetadataFileName])
	}
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	return bindings.InvokeResponse{Data: data, Metadata: map[string]string{MetadataFileName: req.Metadata[MetadataFileName]}}, nil
}

func (b *Binding) list() (bindings.InvokeResponse, error) {
	names := []string{}
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	sort.Strings(names)
	data, err := jsoncodec.Marshal(names)
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	return bindings.InvokeResponse{Data: data}, nil
}

func (b *Binding) delete(req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	path, err := b.resolve(req.Metadata[MetadataFileName])
	if err != nil {
		return bindings.InvokeResponse{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return bindings.InvokeResponse{}, err
	}
	return bindings.InvokeResponse{}, nil
}
