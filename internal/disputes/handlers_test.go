package disputes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voltrust/internal/auth"
)

func setupRouter(r *Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(auth.Middleware())
	h := NewHandler(r)
	v1 := router.Group("/v1", auth.RequireActor())
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin("")))
	return router
}

func doJSON(r *gin.Engine, method, path, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(auth.HeaderActorID, role+"_1")
		req.Header.Set(auth.HeaderActorRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_ResolveAdjust(t *testing.T) {
	store := NewMemoryStore()
	hours := &fakeHours{}
	router := setupRouter(NewResolver(store, hours, nil))
	d := seedHourDispute(t, store)

	w := doJSON(router, "POST", "/v1/admin/disputes/"+d.ID+"/resolve", "admin",
		gin.H{"decision": "adjust", "note": "confirmed 3h only", "adjustedHours": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusResolved, resp.Dispute.InvestigationStatus)
	assert.Equal(t, "admin_1", resp.Dispute.ResolverID)
	require.Len(t, hours.calls, 1)
	assert.Equal(t, 3.0, hours.calls[0].hours)

	w = doJSON(router, "POST", "/v1/admin/disputes/"+d.ID+"/resolve", "admin",
		gin.H{"decision": "reject", "note": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "dispute_already_closed")
}

func TestHandlers_ResolveMissingNote(t *testing.T) {
	store := NewMemoryStore()
	router := setupRouter(NewResolver(store, &fakeHours{}, nil))
	d := seedHourDispute(t, store)

	w := doJSON(router, "POST", "/v1/admin/disputes/"+d.ID+"/resolve", "admin", gin.H{"decision": "reject"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_AdminRoutesRequireAdmin(t *testing.T) {
	store := NewMemoryStore()
	router := setupRouter(NewResolver(store, &fakeHours{}, nil))
	d := seedHourDispute(t, store)

	w := doJSON(router, "POST", "/v1/admin/disputes/"+d.ID+"/dismiss", "", gin.H{"reason": "dup"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, "POST", "/v1/admin/disputes/"+d.ID+"/dismiss", "admin", gin.H{"reason": "dup"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandlers_OpenEventDispute(t *testing.T) {
	events := &fakeEvents{}
	router := setupRouter(NewResolver(NewMemoryStore(), nil, events))

	w := doJSON(router, "POST", "/v1/events/evt_7/disputes", "volunteer", gin.H{"reason": "never happened"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"submitterRole":"volunteer"`)
	assert.Equal(t, []string{"evt_7"}, events.disputed)

	w = doJSON(router, "GET", "/v1/disputes?subjectKind=event&subjectId=evt_7", "volunteer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(router, "GET", "/v1/disputes?subjectKind=invoice&subjectId=evt_7", "volunteer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_ListByStatus(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(store, &fakeHours{}, nil)
	router := setupRouter(r)
	a := seedHourDispute(t, store)
	seedHourDispute(t, store)
	_, err := r.StartInvestigation(context.Background(), a.ID, "admin_1")
	require.NoError(t, err)

	w := doJSON(router, "GET", "/v1/admin/disputes?status=open", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(router, "GET", "/v1/admin/disputes/"+a.ID, "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, "GET", "/v1/disputes/"+a.ID, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"investigationStatus":"investigating"`)
}
