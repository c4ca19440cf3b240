package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// validate is the shared validator instance for request validation.
var validate = util.NewValidator()

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error  string             `json:"error"`
	Fields []types.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Errors
	}
	writeJSON(w, status, resp)
}

// decodeAndValidate decodes the JSON body into data and validates it.
// An empty body leaves data at its zero value. It returns false after
// writing a 400 response.
func decodeAndValidate[T any](w http.ResponseWriter, r *http.Request, data *T) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}

	if err := validate.Struct(data); err != nil {
		writeError(w, http.StatusBadRequest, util.ToValidationError(err, ""))
		return false
	}
	return true
}
