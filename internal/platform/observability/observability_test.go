package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/feiralivre/api/internal/platform/requestctx"
)

func TestRequestLoggerMiddlewareLogsRouteAndMaskedPostalCode(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware("feira"))
	router.Get("/postal-codes/{postalCode}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/postal-codes/39688-123", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/postal-codes/{postalCode}" {
		t.Fatalf("unexpected route field %v", fields["route"])
	}
	if fields["postal_prefix"] != "39688***" {
		t.Fatalf("unexpected postal prefix %v", fields["postal_prefix"])
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected warn level for 404, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"internal_server_error"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestTraceMiddlewareContinuesCloudTraceContext(t *testing.T) {
	var traceID string
	handler := TraceMiddleware("feira")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		traceID = requestctx.TraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if traceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected inherited trace id, got %q", traceID)
	}
	if header := rec.Header().Get(cloudTraceHeader); !strings.HasPrefix(header, traceID+"/") {
		t.Fatalf("expected echoed trace header, got %q", header)
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/zz"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestMaskPostalCode(t *testing.T) {
	if got := MaskPostalCode("01310-100"); got != "01310***" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskPostalCode("123"); got != "" {
		t.Fatalf("expected empty mask, got %q", got)
	}
}

func TestRequestLoggerMiddlewareDemotesProbes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware(""))
	router.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/delivery-sessions/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if logs.Len() != 0 {
		t.Fatalf("probe should log below info, got %d entries", logs.Len())
	}

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/delivery-sessions/dls_01J9Z", nil))
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["delivery_session_id"]; got != "dls_01J9Z" {
		t.Fatalf("unexpected session field %v", got)
	}
}

func TestRequestLoggerMiddlewareLogsPanicAsError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(
		RecoveryMiddleware(nil)(
			RequestLoggerMiddleware("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("quote provider exploded")
			})),
		),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/delivery-sessions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zap.ErrorLevel {
		t.Fatalf("expected an error-level completion entry, got %+v", completed)
	}
	if got := completed[0].ContextMap()["status"]; got != int64(http.StatusInternalServerError) {
		t.Fatalf("unexpected status field %v", got)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestSeverityMatchesCloudLogging(t *testing.T) {
	cases := map[zapcore.Level]string{
		zapcore.DebugLevel: "DEBUG",
		zapcore.WarnLevel:  "WARNING",
		zapcore.ErrorLevel: "ERROR",
		zapcore.FatalLevel: "ALERT",
	}
	for level, want := range cases {
		if got := severity(level); got != want {
			t.Fatalf("severity(%s) = %s, want %s", level, got, want)
		}
	}
	if parseLevel("chatty") != zapcore.InfoLevel || parseLevel(" DEBUG ") != zapcore.DebugLevel {
		t.Fatalf("unexpected level parsing")
	}
}
