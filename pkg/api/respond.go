package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dan-solli/lore/pkg/lore"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps an engine error to a status by its class.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch lore.ClassifyError(err) {
	case lore.ErrTypeNotFound:
		status = http.StatusNotFound
	case lore.ErrTypeValidation:
		status = http.StatusBadRequest
	case lore.ErrTypeConflict:
		status = http.StatusConflict
	case lore.ErrTypeUnavailable:
		status = http.StatusServiceUnavailable
	case lore.ErrTypeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}
