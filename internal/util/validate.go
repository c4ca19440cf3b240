package util

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// CheckPathWritable verifies that a directory exists (creating it if needed) and is writable.
func CheckPathWritable(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		slog.Error("path writability check failed", "path", path, "error", err, "step", "mkdir")
		return fmt.Errorf("path %q is not writable", path)
	}

	probe := filepath.Join(path, fmt.Sprintf(".recorder-write-test-%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		slog.Error("path writability check failed", "path", path, "error", err, "step", "create")
		return fmt.Errorf("path %q is not writable", path)
	}

	_, werr := f.Write(make([]byte, 1024))
	cerr := f.Close()
	rerr := os.Remove(probe)
	if werr != nil || cerr != nil || rerr != nil {
		slog.Error("path writability check failed", "path", path, "write", werr, "close", cerr, "remove", rerr)
		return fmt.Errorf("path %q is not writable", path)
	}
	return nil
}

// NewValidator returns a validator that reports JSON tag names in its errors.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ToValidationError converts validator errors to a *types.ValidationError.
// prefix is prepended to every field path. Other errors are returned unchanged.
func ToValidationError(err error, prefix string) error {
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	verr := types.NewValidationError()
	for _, e := range validationErrors {
		field := fieldPath(e)
		if prefix != "" {
			field = prefix + "." + field
		}
		verr.Add(field, FormatValidationMessage(e), e.Value())
	}
	return verr
}

// fieldPath returns the dotted JSON path of e without the root struct name.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return e.Field()
}

// FormatValidationMessage creates a human-readable message from a validator error.
func FormatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hostname", "hostname_rfc1123":
		return "must be a valid hostname"
	case "startswith":
		return fmt.Sprintf("must start with %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
