package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndActor(t *testing.T) {
	var buf bytes.Buffer
	mw := RequestLogger(logging.NewWithWriter("info", &buf))

	req := httptest.NewRequest(http.MethodPost, "/bookings", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req = req.WithContext(WithActor(req.Context(), Actor{ID: "cust-1", Role: RoleCustomer}))
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})).ServeHTTP(rec, req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request completed", entry["msg"])
	assert.Equal(t, float64(http.StatusCreated), entry["status"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "cust-1", entry["actor_id"])
}
