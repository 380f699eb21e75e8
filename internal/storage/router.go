// Package storage implements the path router, the stream cache and the storage backends.
package storage

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/fieldref"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementations satisfy interfaces.
var _ storage.Router = (*TemplateRouter)(nil)

// DefaultFailureFilename is the failure path segment used when none is configured.
const DefaultFailureFilename = "_filepath_failures"

// TemplateRouter resolves records to absolute paths from a %{...} path template.
//
// Everything derivable from the template alone (anchoring, static root, failure
// path) is computed once in NewTemplateRouter.
type TemplateRouter struct {
	template    string
	hasFieldRef bool
	staticRoot  string
	failurePath string
}

// NewTemplateRouter creates a router for template. Relative templates are anchored
// at the current working directory. failureName is joined under the static root
// unless it is absolute.
func NewTemplateRouter(template, failureName string) (*TemplateRouter, error) {
	if strings.TrimSpace(template) == "" {
		return nil, &apperrors.ConfigError{Field: "sink.path", Reason: "must not be empty", Err: apperrors.ErrInvalidTemplate}
	}
	if failureName == "" {
		return nil, &apperrors.ConfigError{Field: "sink.filename_failure", Reason: "must not be empty"}
	}
	if fieldref.HasRef(failureName) {
		return nil, &apperrors.ConfigError{Field: "sink.filename_failure", Reason: "must not contain field references"}
	}

	anchored, err := anchor(template)
	if err != nil {
		return nil, &apperrors.ConfigError{Field: "sink.path", Reason: "cannot resolve working directory", Err: err}
	}

	root, err := StaticRoot(anchored)
	if err != nil {
		return nil, err
	}

	failurePath := path.Join(root, failureName)
	if path.IsAbs(failureName) {
		failurePath = path.Clean(failureName)
	}

	return &TemplateRouter{
		template:    anchored,
		hasFieldRef: fieldref.HasRef(anchored),
		staticRoot:  root,
		failurePath: failurePath,
	}, nil
}

// Route returns the cleaned absolute path the record resolves to.
func (r *TemplateRouter) Route(record *event.Record) string {
	return path.Clean(fieldref.Expand(r.template, record))
}

// HasFieldRef reports whether the template has dynamic segments.
func (r *TemplateRouter) HasFieldRef() bool {
	return r.hasFieldRef
}

// StaticRoot returns the sandbox every dynamic path must stay under.
func (r *TemplateRouter) StaticRoot() string {
	return r.staticRoot
}

// FailurePath returns the catch-all destination.
func (r *TemplateRouter) FailurePath() string {
	return r.failurePath
}

// Contains reports whether resolved lies inside the static root.
func (r *TemplateRouter) Contains(resolved string) bool {
	return InsideRoot(resolved, r.staticRoot)
}

// HasFieldRef reports whether template contains at least one field reference.
func HasFieldRef(template string) bool {
	return fieldref.HasRef(template)
}

// StaticRoot returns the longest leading run of path components of an absolute
// template that contains no field reference. For a template without references
// it is the parent directory.
func StaticRoot(template string) (string, error) {
	cleaned := path.Clean(template)

	idx := fieldref.Index(cleaned)
	if idx < 0 {
		return path.Dir(cleaned), nil
	}

	prefix := cleaned[:idx]
	slash := strings.LastIndex(prefix, "/")
	if slash <= 0 {
		return "", &apperrors.ConfigError{
			Field:  "sink.path",
			Reason: "field reference in first path component of " + template,
			Err:    apperrors.ErrInvalidTemplate,
		}
	}
	return prefix[:slash], nil
}

// InsideRoot reports whether resolved, once cleaned, lies strictly under root.
// "/data/out2/x" is not inside "/data/out".
func InsideRoot(resolved, root string) bool {
	return strings.HasPrefix(path.Clean(resolved), strings.TrimSuffix(root, "/")+"/")
}

func anchor(template string) (string, error) {
	if path.IsAbs(template) {
		return template, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(cwd) + "/" + strings.TrimPrefix(template, "./"), nil
}
