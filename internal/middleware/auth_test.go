package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/parkride/internal/auth"
	"github.com/hitoshi/parkride/internal/model"
)

// --- モック定義 ---

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, token string) (*auth.Principal, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (*auth.Principal, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, token)
	}
	return nil, model.NewUnauthorizedError()
}

func validTokenAuthenticator() *mockAuthenticator {
	return &mockAuthenticator{
		authenticateFn: func(ctx context.Context, token string) (*auth.Principal, error) {
			switch token {
			case "user-token":
				return &auth.Principal{UserID: "user-123", Role: model.RoleUser, SessionID: "s1"}, nil
			case "admin-token":
				return &auth.Principal{UserID: "admin-1", Role: model.RoleAdmin, SessionID: "s2"}, nil
			}
			return nil, model.NewUnauthorizedError()
		},
	}
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Code
}

// --- テスト ---

func TestAuthMiddleware_ValidToken_InjectsPrincipal(t *testing.T) {
	mw := NewAuthMiddleware(validTokenAuthenticator())

	var capturedUserID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		authn      *mockAuthenticator
		wantStatus int
		wantCode   string
	}{
		{"ヘッダーなし", "", validTokenAuthenticator(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"Bearer以外のスキーム", "Basic dXNlcjpwYXNz", validTokenAuthenticator(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"空のトークン", "Bearer   ", validTokenAuthenticator(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"無効なトークン", "Bearer bogus", validTokenAuthenticator(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{
			"リポジトリエラー", "Bearer user-token",
			&mockAuthenticator{authenticateFn: func(ctx context.Context, token string) (*auth.Principal, error) {
				return nil, context.DeadlineExceeded
			}},
			http.StatusInternalServerError, model.ErrCodeInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware(tt.authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_SchemeIsCaseInsensitive(t *testing.T) {
	handler := NewAuthMiddleware(validTokenAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("Authorization", "bearer user-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"管理者", "admin-token", http.StatusOK},
		{"一般ユーザー", "user-token", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			handler := NewAuthMiddleware(validTokenAuthenticator())(RequireAdmin()(inner))

			req := httptest.NewRequest(http.MethodPut, "/api/rides/r1/status", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireAdmin_WithoutPrincipal_Returns401(t *testing.T) {
	handler := RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	ctx := context.Background()
	_, err := UserIDFromContext(ctx)
	if err == nil {
		t.Error("expected error for missing user ID in context")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
	if p, _ := PrincipalFromContext(ctx); p.IsAdmin() {
		t.Error("ContextWithUserID should inject a non-admin principal")
	}
}
