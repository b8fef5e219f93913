package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/polyield/internal/domain"
)

func writeError(w http.ResponseWriter, status int, err error) {
	data, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"code":  domain.ErrorCode(err),
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
