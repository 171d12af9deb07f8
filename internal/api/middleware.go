package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	requestInfoKey contextKey = "requestInfo"

	// AnalystIDHeader identifies the analyst when token auth is disabled.
	AnalystIDHeader = "X-Analyst-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("harrier-api")

// requestInfo is shared by pointer so values set by inner middleware are
// visible to the request logger.
type requestInfo struct {
	requestID string
	traceID   string
	analystID string
}

func infoFrom(ctx context.Context) *requestInfo {
	if v, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return v
	}
	return nil
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, requestInfoKey, &requestInfo{requestID: requestID, traceID: traceID})

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if info := infoFrom(r.Context()); info != nil {
			attrs = append(attrs,
				"request_id", info.requestID,
				"trace_id", info.traceID,
				"analyst_id", info.analystID,
			)
		}
		slog.Info("http request", attrs...)
	})
}

// AnalystClaims are the claims Harrier reads from bearer tokens.
type AnalystClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AnalystMiddleware establishes who is acting. With auth enabled the analyst
// is the subject of an HMAC-signed bearer token and requests without a valid
// token are refused; otherwise the X-Analyst-ID header is trusted.
func AnalystMiddleware(cfg domain.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analystID := strings.TrimSpace(r.Header.Get(AnalystIDHeader))
			if cfg.Enabled {
				sub, err := analystFromToken(r.Header.Get("Authorization"), cfg)
				if err != nil {
					slog.Debug("rejected bearer token", "error", err)
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
					return
				}
				analystID = sub
			}

			ctx := r.Context()
			if info := infoFrom(ctx); info != nil {
				info.analystID = analystID
			}
			ctx = context.WithValue(ctx, analystKey, analystID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

const analystKey contextKey = "analystID"

func analystFromToken(header string, cfg domain.AuthConfig) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid authorization format")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &AnalystClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// GetAnalystID returns the analyst established for the request.
func GetAnalystID(ctx context.Context) string {
	if v, ok := ctx.Value(analystKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.traceID
	}
	return ""
}

// CORSMiddleware handles Cross-Origin Resource Sharing for browser clients.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Analyst-ID, X-Request-ID, X-Trace-ID, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
