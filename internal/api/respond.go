package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

type loggerKey struct{}

func withLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// writeJSON encodes v before touching the response so an encoding failure can
// still be reported as a 500.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		loggerFrom(r.Context()).Error("encoding response failed", zap.String("path", r.URL.Path), zap.Error(err))
		code = http.StatusInternalServerError
		body = []byte(`{"error":{"message":"failed to encode response","type":"api_error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		loggerFrom(r.Context()).Debug("writing response failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, r *http.Request, code int, errType string, format string, args ...any) {
	writeJSON(w, r, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
