package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cookclip/importer/internal/apperror"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
