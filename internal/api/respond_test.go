package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/gymbro/internal/fault"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		code fault.Code
		want int
	}{
		{fault.CodeUnauthenticated, http.StatusUnauthorized},
		{fault.CodeInvalidArgument, http.StatusBadRequest},
		{fault.CodePermissionDenied, http.StatusForbidden},
		{fault.CodeNotFound, http.StatusNotFound},
		{fault.CodeConflict, http.StatusConflict},
		{fault.CodeTransient, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := statusFor(tc.code); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRespondErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	// Wrapped fault errors keep their code and message through the envelope.
	err := errors.Join(errors.New("outer"), fault.New(fault.CodeConflict, "room is full"))
	respondError(c, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success {
		t.Fatal("error envelope flagged success")
	}
	if resp.Error == nil || resp.Error.Code != string(fault.CodeConflict) || resp.Error.Message != "room is full" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestRespondErrorUnclassified(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	respondError(c, errors.New("connection reset by peer"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for unclassified errors", rec.Code)
	}
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Raw error text must not leak to clients.
	if resp.Error == nil || resp.Error.Message != "operation failed" {
		t.Fatalf("error = %+v", resp.Error)
	}
}
