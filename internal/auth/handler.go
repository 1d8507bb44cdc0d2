package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Handler exposes the session endpoints under /auth.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	csrf     *shared.CSRFManager
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, csrf *shared.CSRFManager) *Handler {
	return &Handler{logger: logger, service: service, csrf: csrf, validate: validator.New()}
}

// MountRoutes registers the auth routes. Login and logout are on the
// gate's public allow-list; profile and password require a session.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.loginPage)
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Get("/logout", h.logout)
	r.Get("/profile", h.profile)
	r.Post("/profile", h.updateProfile)
	r.Post("/password", h.changePassword)
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<form method="post" action="/auth/login">
<input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
<input type="hidden" name="redirect" value="{{.Redirect}}">
<label>Username <input name="username" autofocus></label>
<label>Password <input name="password" type="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (h *Handler) loginPage(w http.ResponseWriter, r *http.Request) {
	token := ""
	if sess := shared.SessionFromContext(r.Context()); sess != nil && h.csrf != nil {
		if issued, err := h.csrf.EnsureToken(r.Context(), sess); err == nil {
			token = issued
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPage.Execute(w, map[string]string{
		"CSRFField": shared.CSRFFormField,
		"CSRFToken": token,
		"Redirect":  r.URL.Query().Get("redirect"),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Redirect string `json:"redirect"`
}

// login accepts JSON and form encodings. Failures return 401 on both
// paths so the brute-force guard counts browser attempts too.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if httpx.WantsJSON(r) {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid form")
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
		req.Redirect = r.PostFormValue("redirect")
	}

	user, err := h.service.Authenticate(r.Context(), req.Username, req.Password, r.RemoteAddr)
	if err != nil {
		message := "invalid username or password"
		if errors.Is(err, shared.ErrAccountDisabled) {
			message = "account is disabled"
		} else if !errors.Is(err, shared.ErrInvalidCredentials) {
			h.logger.Error("authenticate", slog.Any("error", err))
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		httpx.Error(w, http.StatusUnauthorized, message)
		return
	}

	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetUser(strconv.FormatInt(user.ID, 10))
	}

	target := safeRedirect(req.Redirect)
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, httpx.Envelope{
			Success:  true,
			Message:  "signed in",
			Data:     user,
			Redirect: target,
		})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.ClearUser()
	}
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, httpx.Envelope{Success: true, Message: "signed out", Redirect: "/auth/login"})
		return
	}
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := h.service.Profile(r.Context(), principal.ID)
	if err != nil {
		h.logger.Error("load profile", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.Success(w, "profile retrieved", user)
}

type updateProfileRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req updateProfileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid email address")
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), principal.ID, req.Email)
	if err != nil {
		h.logger.Error("update profile", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.Success(w, "profile updated", user)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.ChangePassword(r.Context(), principal.ID, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		httpx.Success(w, "password changed", nil)
	case errors.Is(err, shared.ErrInvalidCredentials):
		httpx.Error(w, http.StatusForbidden, "current password is incorrect")
	case errors.Is(err, shared.ErrValidation):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("change password", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// safeRedirect keeps post-login redirects on-site.
func safeRedirect(target string) string {
	if target == "" {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" || target[0] != '/' {
		return "/"
	}
	return target
}
