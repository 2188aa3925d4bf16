package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/parkride/internal/auth"
	"github.com/hitoshi/parkride/internal/middleware"
	"github.com/hitoshi/parkride/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	registerFn func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error)
	loginFn    func(ctx context.Context, email, password string) (*auth.Result, error)
	logoutFn   func(ctx context.Context, sessionID string) error
	profileFn  func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.Result, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) Profile(ctx context.Context, userID string) (*model.User, error) {
	if m.profileFn != nil {
		return m.profileFn(ctx, userID)
	}
	return nil, model.NewUserNotFoundError()
}

func testUser() *model.User {
	return &model.User{
		ID:        "user-123",
		Email:     "taro@example.com",
		FirstName: "Taro",
		LastName:  "Yamada",
		Role:      model.RoleUser,
		CreatedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

// --- POST /api/auth/register ---

func TestAuthHandler_Register_Success(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
			if in.Name != "Taro Yamada" || in.Email != "taro@example.com" || in.Password != "secret123" || in.Phone != "555-0100" {
				t.Errorf("input = %+v", in)
			}
			return &auth.Result{Token: "jwt-token", User: testUser()}, nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Register(w, newJSONRequest(http.MethodPost, "/api/auth/register",
		`{"name":"Taro Yamada","email":"taro@example.com","password":"secret123","phone":"555-0100"}`))

	assertStatus(t, w, http.StatusCreated)
	var body authResponse
	decodeBody(t, w, &body)
	if body.Token != "jwt-token" {
		t.Errorf("token = %q, want %q", body.Token, "jwt-token")
	}
	if body.User.ID != "user-123" || body.User.FirstName != "Taro" || body.User.LastName != "Yamada" || body.User.Role != model.RoleUser {
		t.Errorf("user = %+v", body.User)
	}
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode int
		wantErr  string
	}{
		{"不正なJSON", `{`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"メールアドレス重複", `{"name":"a","email":"a@example.com","password":"secret1"}`, model.NewUserExistsError(), http.StatusBadRequest, model.ErrCodeUserExists},
		{"入力値不正", `{"name":"","email":"a@example.com","password":"secret1"}`, model.NewValidationError("name is required"), http.StatusBadRequest, model.ErrCodeValidationFailed},
		{"内部エラー", `{"name":"a","email":"a@example.com","password":"secret1"}`, errors.New("db down"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
					return nil, tt.svcErr
				},
			}
			w := httptest.NewRecorder()
			NewAuthHandler(svc).Register(w, newJSONRequest(http.MethodPost, "/api/auth/register", tt.body))

			assertStatus(t, w, tt.wantCode)
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantErr {
				t.Errorf("code = %q, want %q", body["code"], tt.wantErr)
			}
		})
	}
}

// --- POST /api/auth/login ---

func TestAuthHandler_Login(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			if email == "taro@example.com" && password == "secret123" {
				return &auth.Result{Token: "jwt-token", User: testUser()}, nil
			}
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc)

	t.Run("成功", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Login(w, newJSONRequest(http.MethodPost, "/api/auth/login", `{"email":"taro@example.com","password":"secret123"}`))

		assertStatus(t, w, http.StatusOK)
		var body authResponse
		decodeBody(t, w, &body)
		if body.Token != "jwt-token" || body.User.Email != "taro@example.com" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("パスワード誤り", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Login(w, newJSONRequest(http.MethodPost, "/api/auth/login", `{"email":"taro@example.com","password":"wrong"}`))

		assertStatus(t, w, http.StatusBadRequest)
		if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidCredentials {
			t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidCredentials)
		}
	})
}

// --- GET /api/auth/profile ---

func TestAuthHandler_Profile(t *testing.T) {
	dob := time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockAuthService{
		profileFn: func(ctx context.Context, userID string) (*model.User, error) {
			u := testUser()
			u.DateOfBirth = &dob
			u.Phone = "555-0100"
			u.Vehicles = []model.Vehicle{{ID: "v1", Make: "Toyota", IsDefault: true}}
			return u, nil
		},
	}

	w := httptest.NewRecorder()
	NewAuthHandler(svc).Profile(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil), "user-123"))

	assertStatus(t, w, http.StatusOK)
	var body map[string]any
	decodeBody(t, w, &body)

	if body["dateOfBirth"] != "1990-04-01" {
		t.Errorf("dateOfBirth = %v, want 1990-04-01", body["dateOfBirth"])
	}
	if body["phone"] != "555-0100" {
		t.Errorf("phone = %v", body["phone"])
	}
	// 空の項目はnullで返す
	if v, ok := body["avatar"]; !ok || v != nil {
		t.Errorf("avatar = %v, want null", v)
	}
	if pm, ok := body["paymentMethods"].([]any); !ok || len(pm) != 0 {
		t.Errorf("paymentMethods = %v, want []", body["paymentMethods"])
	}
	if vs, ok := body["vehicles"].([]any); !ok || len(vs) != 1 {
		t.Errorf("vehicles = %v, want 1 vehicle", body["vehicles"])
	}
	if body["memberSince"] != "2026-01-10T00:00:00Z" {
		t.Errorf("memberSince = %v", body["memberSince"])
	}
}

func TestAuthHandler_Profile_UserNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NewAuthHandler(&mockAuthService{}).Profile(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil), "ghost"))

	assertStatus(t, w, http.StatusNotFound)
}

// --- POST /api/auth/logout ---

func TestAuthHandler_Logout_RevokesSession(t *testing.T) {
	var revoked string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			revoked = sessionID
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req = req.WithContext(middleware.ContextWithPrincipal(req.Context(), &auth.Principal{
		UserID: "user-123", Role: model.RoleUser, SessionID: "session-1",
	}))
	w := httptest.NewRecorder()
	NewAuthHandler(svc).Logout(w, req)

	assertStatus(t, w, http.StatusNoContent)
	if revoked != "session-1" {
		t.Errorf("revoked session = %q, want %q", revoked, "session-1")
	}
}

func TestAuthHandler_Logout_WithoutPrincipal(t *testing.T) {
	w := httptest.NewRecorder()
	NewAuthHandler(&mockAuthService{}).Logout(w, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

	assertStatus(t, w, http.StatusUnauthorized)
}
