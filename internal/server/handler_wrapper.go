// Provides middleware for standardizing HTTP handlers.

package server

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/maheux/kintree/internal/server/dto"
	"github.com/maheux/kintree/internal/server/handlers"
	"github.com/maheux/kintree/internal/server/ratelimit"
)

// checkRateLimit checks the rate limit and wraps the response writer so the
// X-RateLimit headers are injected. Returns the (possibly wrapped) writer and
// whether the request should proceed.
func checkRateLimit(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter) (http.ResponseWriter, bool) {
	if limiter == nil {
		return w, true
	}
	result := limiter.Allow(clientIP(r))
	w = ratelimit.NewResponseWriter(w, result)
	if !result.Allowed {
		writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests", "Retry after "+strconv.Itoa(int(result.RetryAfter.Seconds()))+"s", "")
		return w, false
	}
	return w, true
}

// readAndDecodeBody reads the request body with a size limit and decodes JSON
// into input. Returns false if an error occurred and was written to the
// response.
func readAndDecodeBody[In any](ctx context.Context, w http.ResponseWriter, r *http.Request, input *In, cfg *handlers.Config) bool {
	if cfg != nil && cfg.ServerConfig != nil && cfg.ServerConfig.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.ServerConfig.MaxUploadBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large",
				"Limit is "+strconv.FormatInt(maxBytesErr.Limit, 10)+" bytes", "")
			return false
		}
		slog.ErrorContext(ctx, "Failed to read request body", "err", err)
		writeErrorResponse(w, http.StatusBadRequest, "Failed to read request body", "", "")
		return false
	}

	if len(body) > 0 {
		d := json.NewDecoder(bytes.NewReader(body))
		if err := d.Decode(input); err != nil {
			slog.ErrorContext(ctx, "Failed to decode request body", "err", err)
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error(), "")
			return false
		}
	}
	return true
}

// writeJSONResponse writes a JSON response or, when err is non-nil, the
// failure envelope derived from it.
func writeJSONResponse[Out any](ctx context.Context, w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		statusCode := http.StatusInternalServerError
		public := "Internal server error"
		message := err.Error()

		var ewsErr dto.ErrorWithStatus
		if errors.As(err, &ewsErr) {
			statusCode = ewsErr.StatusCode()
			public = ewsErr.Public()
			message = ""
			if cause := errors.Unwrap(err); cause != nil {
				message = cause.Error()
			}
		}

		slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", statusCode)
		writeErrorResponse(w, statusCode, public, message, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(output); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, *In) (*Out, error)
// where In can be unmarshalled from JSON and Out is a struct.
// Path parameters can be extracted by tagging struct fields with `path:"name"`,
// query parameters with `query:"name"`.
// *In must implement dto.Validatable.
//
// Example:
//
//	type GetTreeRequest struct {
//	    TreeID string `path:"treeId"`
//	}
//
//	func (h *TreeHandler) GetTree(ctx context.Context, req *GetTreeRequest) (*dto.TreeResponse, error)
func Wrap[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), cfg *handlers.Config, limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		w, ok := checkRateLimit(w, r, limiter)
		if !ok {
			return
		}

		input := new(In)
		if !readAndDecodeBody(ctx, w, r, input, cfg) {
			return
		}

		populatePathParams(r, input)
		populateQueryParams(r, input)

		if err := PtrIn(input).Validate(); err != nil {
			handleValidationError(ctx, w, err)
			return
		}

		output, err := fn(ctx, PtrIn(input))
		writeJSONResponse(ctx, w, output, err)
	})
}

// WrapRaw wraps a raw http.HandlerFunc with rate limiting and a body size
// limit. Use this for handlers that need the request directly (multipart
// uploads, file serving).
func WrapRaw(fn http.HandlerFunc, cfg *handlers.Config, limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w, ok := checkRateLimit(w, r, limiter)
		if !ok {
			return
		}

		if cfg != nil && cfg.ServerConfig != nil && cfg.ServerConfig.MaxUploadBytes > 0 {
			// Multipart encoding adds framing overhead on top of the file.
			r.Body = http.MaxBytesReader(w, r.Body, cfg.ServerConfig.MaxUploadBytes+64<<10)
		}

		fn(w, r)
	})
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}

	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}

	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}

		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}

		if field.Type.Kind() == reflect.String {
			elem.Field(i).SetString(paramValue)
		}
	}
}

// populateQueryParams extracts query parameters from the request and populates
// struct fields tagged with `query:"paramName"`.
func populateQueryParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}

	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}

	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}

		paramValue := query.Get(tag)
		if paramValue == "" {
			continue
		}

		fieldVal := elem.Field(i)
		switch field.Type.Kind() {
		case reflect.String:
			fieldVal.SetString(paramValue)
		case reflect.Int:
			if intVal, err := strconv.Atoi(paramValue); err == nil {
				fieldVal.SetInt(int64(intVal))
			}
		case reflect.Bool:
			if boolVal, err := strconv.ParseBool(paramValue); err == nil {
				fieldVal.SetBool(boolVal)
			}
		default:
			// Fall back to encoding.TextUnmarshaler for custom types.
			if fieldVal.CanAddr() {
				if unmarshaler, ok := fieldVal.Addr().Interface().(encoding.TextUnmarshaler); ok {
					_ = unmarshaler.UnmarshalText([]byte(paramValue))
				}
			}
		}
	}
}

// handleValidationError handles a validation error from a request's Validate
// method.
func handleValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	statusCode := http.StatusBadRequest
	public := err.Error()
	message := ""

	var ewsErr dto.ErrorWithStatus
	if errors.As(err, &ewsErr) {
		statusCode = ewsErr.StatusCode()
		public = ewsErr.Public()
	}

	slog.ErrorContext(ctx, "Validation error", "err", err, "statusCode", statusCode)
	writeErrorResponse(w, statusCode, public, message, "")
}

// writeErrorResponse writes the failure envelope as JSON.
func writeErrorResponse(w http.ResponseWriter, statusCode int, errMsg, message, path string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := dto.ErrorResponse{
		Success: false,
		Error:   errMsg,
		Message: message,
		Path:    path,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}
