package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/auth"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/service"
)

// AccountHandler serves registration, login and the password-reset flow.
type AccountHandler struct {
	accounts *service.AccountService
	channels *service.ChannelService
	logger   *slog.Logger
}

func NewAccountHandler(accounts *service.AccountService, channels *service.ChannelService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, channels: channels, logger: logger}
}

type registrationResponse struct {
	User    UserView    `json:"user"`
	Channel ChannelView `json:"channel"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/register
// REQUEST BODY: {"name": "Ada", "login": "ada@example.com", "password": "..."}
//
// A failed confirmation send still returns 201: the account exists and the
// client can ask for the confirmation again.
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	reg, err := h.accounts.Register(r.Context(), in)
	if err != nil && (reg == nil || !errors.Is(err, apperror.ErrUpstreamDelivery)) {
		writeError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("registration confirmation not sent",
			slog.String("user_id", reg.User.GlobalID()),
			slog.String("error", err.Error()),
		)
	}

	actor := model.Actor{UserID: reg.User.GlobalID()}
	writeJSON(w, http.StatusCreated, registrationResponse{
		User:    newUserView(reg.User),
		Channel: newChannelView(reg.Channel, actor, h.channels),
	})
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  UserView `json:"user"`
	Token string   `json:"token"`
}

// HandleLogin exchanges a login and password for a token.
//
// HTTP: POST /api/login
//
// The token is returned in the body for API clients and set as an HttpOnly
// cookie for browsers.
func (h *AccountHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.accounts.Login(r.Context(), in.Login, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    res.Token,
		Path:     "/",
		MaxAge:   int(auth.DefaultTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{User: newUserView(res.User), Token: res.Token})
}

// HandleLogout clears the token cookie. The token itself stays valid until it expires.
//
// HTTP: POST /api/logout
func (h *AccountHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the authenticated user.
//
// HTTP: GET /api/me
func (h *AccountHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	h.writeUser(w, r, actor.UserID)
}

// HandleGetUser returns a user the caller may manage.
//
// HTTP: GET /api/users/{userID}
func (h *AccountHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, chi.URLParam(r, "userID"))
}

func (h *AccountHandler) writeUser(w http.ResponseWriter, r *http.Request, userGID string) {
	actor, _ := auth.ActorFromContext(r.Context())
	user, err := h.accounts.GetUser(r.Context(), actor, userGID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user))
}

type forgotPasswordRequest struct {
	Path string `json:"path"`
}

// HandleForgotPassword sends reset codes to every account using an address.
//
// HTTP: POST /api/password/forgot
// REQUEST BODY: {"path": "ada@example.com"}
//
// Always 202, so the endpoint can't be used to probe which addresses exist.
func (h *AccountHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in forgotPasswordRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.Path == "" {
		writeError(w, apperror.ValidationFailed("path", "path is required"))
		return
	}

	sent, err := h.channels.ForgotPasswordByPath(r.Context(), in.Path)
	if err != nil {
		h.logger.Error("forgot password", slog.String("error", err.Error()))
	}
	h.logger.Debug("forgot password handled", slog.Int("sent", sent))
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	ChannelID string `json:"channelId"`
	Code      string `json:"code"`
	Password  string `json:"password"`
}

// HandleResetPassword sets a new password using a code from HandleForgotPassword.
//
// HTTP: POST /api/password/reset
func (h *AccountHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var in resetPasswordRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	err := h.accounts.ResetPassword(r.Context(), in.ChannelID, in.Code, in.Password)
	if err != nil && !errors.Is(err, apperror.ErrUpstreamDelivery) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
