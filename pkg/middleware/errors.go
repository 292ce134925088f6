package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/zap"
)

// ErrorHandlerConfig configures ErrorHandler.
type ErrorHandlerConfig struct {
	Logger *zap.Logger
	// TrustRequestID reuses a well-formed X-Request-ID sent by the client
	// instead of generating a new one.
	TrustRequestID bool
}

// errorBody is the JSON document returned for failed requests.
type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

// ErrorHandler is a processor factory that turns errors and panics raised
// further down the chain into JSON error responses. It also assigns the
// request ID, stores it in the context and echoes it in the X-Request-ID
// response header, so it is normally installed as the outermost processor.
func ErrorHandler(next common.Handler, cfg ErrorHandlerConfig) (common.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (resp *common.Response, err error) {
		id := in.GetHeader(RequestIDHeader)
		if !cfg.TrustRequestID || !validRequestID(id) {
			id = NewRequestID()
		}
		ctx = WithRequestID(ctx, id)

		defer func() {
			if rec := recover(); rec != nil {
				resp, err = handleError(logger, in, id, recoverPanic(rec)), nil
			}
			if resp != nil {
				resp.SetHeader(RequestIDHeader, id)
			}
		}()

		resp, err = next.Serve(ctx, in)
		if err != nil {
			return handleError(logger, in, id, err), nil
		}
		if resp == nil {
			resp = common.NoContent()
		}
		return resp, nil
	}), nil
}

// handleError logs err and renders it as a JSON response.
func handleError(logger *zap.Logger, in *common.Interaction, requestID string, err error) *common.Response {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", in.Method),
		zap.String("path", in.Path),
	}

	var panicErr *PanicError
	httpErr, ok := common.AsHTTPError(err)
	switch {
	case errors.As(err, &panicErr):
		logger.Error("Panic recovered",
			append(fields, zap.Any("panic", panicErr.Value), zap.ByteString("stack", panicErr.Stack))...)
		httpErr = common.InternalServerError()
	case ok && httpErr.StatusCode < http.StatusInternalServerError:
		logger.Warn("Request failed",
			append(fields, zap.Int("status", httpErr.StatusCode), zap.String("error", httpErr.Message))...)
	case ok:
		logger.Error("Request failed",
			append(fields, zap.Int("status", httpErr.StatusCode), zap.Error(err))...)
	default:
		logger.Error("Unhandled error", append(fields, zap.Error(err))...)
		httpErr = common.InternalServerError()
	}

	resp, encErr := common.JSON(httpErr.StatusCode, errorBody{
		Error:      httpErr.Message,
		StatusCode: httpErr.StatusCode,
		RequestID:  requestID,
	})
	if encErr != nil {
		resp = common.Text(httpErr.StatusCode, httpErr.Message)
	}
	for key, values := range httpErr.Header {
		for _, v := range values {
			resp.Header.Add(key, v)
		}
	}
	return resp
}
