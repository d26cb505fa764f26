package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"breathofnow/internal/core"
	"breathofnow/internal/entitlement"
	"breathofnow/internal/types"
)

// mockEntitlementService implements EntitlementService with function fields.
type mockEntitlementService struct {
	GetFunc       func(ctx context.Context, userID string) (types.EntitlementView, error)
	MutateFunc    func(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error)
	HasAccessFunc func(ctx context.Context, userID, appID string) (bool, error)
}

func (m *mockEntitlementService) Get(ctx context.Context, userID string) (types.EntitlementView, error) {
	return m.GetFunc(ctx, userID)
}

func (m *mockEntitlementService) Mutate(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error) {
	return m.MutateFunc(ctx, userID, action, appID)
}

func (m *mockEntitlementService) HasAccess(ctx context.Context, userID, appID string) (bool, error) {
	return m.HasAccessFunc(ctx, userID, appID)
}

type mockChangeHistory struct {
	gotUser  string
	gotLimit int
	entries  []types.AppChangeLogEntry
	err      error
}

func (m *mockChangeHistory) ListByUser(ctx context.Context, userID string, limit int) ([]types.AppChangeLogEntry, error) {
	m.gotUser, m.gotLimit = userID, limit
	return m.entries, m.err
}

func TestEntitlementHandler_RequiresUser(t *testing.T) {
	h := NewEntitlementHandler(&mockEntitlementService{}, &mockChangeHistory{}, nil, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/entitlements", nil),
		httptest.NewRequest(http.MethodPost, "/entitlements/apps", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodGet, "/entitlements/apps/journal/access", nil),
		httptest.NewRequest(http.MethodGet, "/entitlements/history", nil),
	} {
		rr := serve(h, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", req.Method, req.URL.Path, rr.Code)
		}
	}
}

func TestEntitlementHandler_Get(t *testing.T) {
	changed := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockEntitlementService{
		GetFunc: func(ctx context.Context, userID string) (types.EntitlementView, error) {
			if userID != "u1" {
				t.Errorf("expected u1, got %s", userID)
			}
			return types.EntitlementView{
				Tier:            types.TierFree,
				SelectedApps:    []string{"journal"},
				MaxApps:         1,
				LastAppChange:   &changed,
				DaysUntilChange: 12,
			}, nil
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements", nil), "u1", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var view types.EntitlementView
	decodeData(t, rr, &view)
	if view.Tier != types.TierFree || view.DaysUntilChange != 12 || view.CanChange {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestEntitlementHandler_Get_UnlimitedRendersAll(t *testing.T) {
	svc := &mockEntitlementService{
		GetFunc: func(ctx context.Context, userID string) (types.EntitlementView, error) {
			return types.EntitlementView{Tier: types.TierPro, SelectedApps: []string{}, MaxApps: types.UnlimitedApps, CanChange: true}, nil
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements", nil), "u1", ""))

	if !strings.Contains(rr.Body.String(), `"max_apps":"all"`) {
		t.Errorf("expected max_apps all, got %s", rr.Body.String())
	}
}

func TestEntitlementHandler_Get_ProfileMissing(t *testing.T) {
	svc := &mockEntitlementService{
		GetFunc: func(ctx context.Context, userID string) (types.EntitlementView, error) {
			return types.EntitlementView{}, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements", nil), "u1", ""))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestEntitlementHandler_Mutate(t *testing.T) {
	var gotAction types.EntitlementAction
	var gotApp string
	svc := &mockEntitlementService{
		MutateFunc: func(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error) {
			gotAction, gotApp = action, appID
			return entitlement.MutationResult{Success: true, SelectedApps: []string{"focus", "journal"}}, nil
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/entitlements/apps", strings.NewReader(`{"app_id":"focus","action":"make_primary"}`))
	rr := serve(h, withUser(req, "u1", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotAction != types.ActionMakePrimary || gotApp != "focus" {
		t.Errorf("unexpected call %s/%s", gotAction, gotApp)
	}
	var result entitlement.MutationResult
	decodeData(t, rr, &result)
	if !result.Success || len(result.SelectedApps) != 2 || result.SelectedApps[0] != "focus" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestEntitlementHandler_Mutate_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode types.ErrorCode
		status   int
	}{
		{"unknown action", `{"app_id":"focus","action":"swap"}`, nil, types.ErrCodeValidationInvalidAction, http.StatusBadRequest},
		{"missing app", `{"action":"select"}`, nil, types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{"unknown field", `{"app_id":"focus","action":"select","force":true}`, nil, types.ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{"not json", `select focus`, nil, types.ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{"no slots", `{"app_id":"focus","action":"select"}`, types.NewAppError(types.ErrCodeLimitNoSlots, "no slots", nil), types.ErrCodeLimitNoSlots, http.StatusForbidden},
		{"cooldown", `{"app_id":"focus","action":"make_primary"}`, types.NewAppError(types.ErrCodeLimitCooldown, "cooldown", nil), types.ErrCodeLimitCooldown, http.StatusTooManyRequests},
		{"free deselect", `{"app_id":"focus","action":"deselect"}`, types.NewAppError(types.ErrCodePermissionTierCannotDeselect, "free", nil), types.ErrCodePermissionTierCannotDeselect, http.StatusForbidden},
		{"stale", `{"app_id":"focus","action":"select"}`, types.NewAppError(types.ErrCodeConflictAlreadySelected, "dup", nil), types.ErrCodeConflictAlreadySelected, http.StatusConflict},
		{"database", `{"app_id":"focus","action":"select"}`, errors.New("boom"), types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockEntitlementService{
				MutateFunc: func(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error) {
					called = true
					return entitlement.MutationResult{}, tt.svcErr
				},
			}
			h := NewEntitlementHandler(svc, nil, nil, nil)

			req := httptest.NewRequest(http.MethodPost, "/entitlements/apps", strings.NewReader(tt.body))
			rr := serve(h, withUser(req, "u1", ""))

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if code := decodeErrorCode(t, rr); code != string(tt.wantCode) {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}
			if tt.svcErr == nil && called {
				t.Error("service must not be called for invalid requests")
			}
		})
	}
}

func TestEntitlementHandler_Mutate_AppIDsAreOpaque(t *testing.T) {
	for _, appID := range []string{"FitLog", "my.app", "expenses v2"} {
		var gotApp string
		svc := &mockEntitlementService{
			MutateFunc: func(ctx context.Context, userID string, action types.EntitlementAction, id string) (entitlement.MutationResult, error) {
				gotApp = id
				return entitlement.MutationResult{Success: true, SelectedApps: []string{id}}, nil
			},
		}
		h := NewEntitlementHandler(svc, nil, nil, nil)

		body, _ := json.Marshal(map[string]string{"app_id": appID, "action": "select"})
		rr := serve(h, withUser(httptest.NewRequest(http.MethodPost, "/entitlements/apps", strings.NewReader(string(body))), "u1", ""))

		if rr.Code != http.StatusOK {
			t.Errorf("%q: expected 200, got %d: %s", appID, rr.Code, rr.Body.String())
		}
		if gotApp != appID {
			t.Errorf("%q: service saw %q", appID, gotApp)
		}
	}
}

func TestEntitlementHandler_Mutate_RejectionEchoesRequest(t *testing.T) {
	svc := &mockEntitlementService{
		MutateFunc: func(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error) {
			return entitlement.MutationResult{}, types.NewAppErrorWithDetails(types.ErrCodeLimitNoSlots, "no slots", nil,
				map[string]any{"max_apps": 1})
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/entitlements/apps", strings.NewReader(`{"app_id":"focus","action":"select"}`))
	rr := serve(h, withUser(req, "u1", ""))

	var body core.APIErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	d := body.Error.Details
	if d["app_id"] != "focus" || d["action"] != "select" || d["max_apps"] != float64(1) {
		t.Errorf("unexpected details %v", d)
	}
}

func TestEntitlementHandler_HasAccess(t *testing.T) {
	svc := &mockEntitlementService{
		HasAccessFunc: func(ctx context.Context, userID, appID string) (bool, error) {
			return appID == "journal", nil
		},
	}
	h := NewEntitlementHandler(svc, nil, nil, nil)

	for app, want := range map[string]bool{"journal": true, "focus": false} {
		rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements/apps/"+app+"/access", nil), "u1", ""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var body accessResponse
		decodeData(t, rr, &body)
		if body.AppID != app || body.HasAccess != want {
			t.Errorf("%s: expected %v, got %+v", app, want, body)
		}
	}
}

func TestEntitlementHandler_History(t *testing.T) {
	history := &mockChangeHistory{}
	h := NewEntitlementHandler(&mockEntitlementService{}, history, nil, nil)

	rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements/history", nil), "u1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if history.gotUser != "u1" || history.gotLimit != defaultHistoryLimit {
		t.Errorf("unexpected query %s/%d", history.gotUser, history.gotLimit)
	}
	if !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Errorf("expected empty list, got %s", rr.Body.String())
	}

	rr = serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements/history?limit=5", nil), "u1", ""))
	if rr.Code != http.StatusOK || history.gotLimit != 5 {
		t.Errorf("expected limit 5, got %d (status %d)", history.gotLimit, rr.Code)
	}

	for _, bad := range []string{"0", "-3", "ten"} {
		rr = serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements/history?limit="+bad, nil), "u1", ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestEntitlementHandler_HistoryNotMountedWithoutStore(t *testing.T) {
	h := NewEntitlementHandler(&mockEntitlementService{}, nil, nil, nil)

	rr := serve(h, withUser(httptest.NewRequest(http.MethodGet, "/entitlements/history", nil), "u1", ""))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}
