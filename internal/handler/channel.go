package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/auth"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/service"
)

// ChannelHandler serves channel CRUD and lifecycle endpoints.
//
// Routes that change state reply with the channel as it was persisted. When
// the state change succeeded but its notification could not be queued, the
// reply is 502 and the change is kept.
type ChannelHandler struct {
	channels *service.ChannelService
	logger   *slog.Logger
}

func NewChannelHandler(channels *service.ChannelService, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, logger: logger}
}

func actorOf(r *http.Request) model.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func (h *ChannelHandler) view(r *http.Request, ch *model.Channel) ChannelView {
	return newChannelView(ch, actorOf(r), h.channels)
}

// writeChannel sends ch, or the error when there is no channel to send.
func (h *ChannelHandler) writeChannel(w http.ResponseWriter, r *http.Request, status int, ch *model.Channel, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, h.view(r, ch))
}

// HandleList returns a user's channels in position order.
//
// HTTP: GET /api/users/{userID}/channels
func (h *ChannelHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.List(r.Context(), actorOf(r), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelViews(channels, actorOf(r), h.channels))
}

type createChannelRequest struct {
	service.NewChannel
	SendConfirmation bool `json:"sendConfirmation"`
}

// HandleCreate adds a channel.
//
// HTTP: POST /api/users/{userID}/channels
// REQUEST BODY: {"path": "ada@example.com", "pathType": "email", "sendConfirmation": true}
func (h *ChannelHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in createChannelRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	ch, err := h.channels.Create(r.Context(), actorOf(r), chi.URLParam(r, "userID"), in.NewChannel)
	if err != nil {
		writeError(w, err)
		return
	}

	// The channel exists from here on, so a failed confirmation send still
	// answers 201 with the channel the client needs to retry against.
	if in.SendConfirmation && ch.PathType != model.PathPush {
		sent, err := h.channels.RequestConfirmation(r.Context(), actorOf(r), ch.GlobalID(), service.ConfirmationOptions{})
		if sent != nil {
			ch = sent
		}
		if err != nil {
			h.logger.Warn("confirmation not sent for new channel",
				slog.String("channel_id", ch.GlobalID()),
				slog.String("error", err.Error()),
			)
		}
	}
	writeJSON(w, http.StatusCreated, h.view(r, ch))
}

type reorderRequest struct {
	ChannelIDs []string `json:"channelIds"`
}

// HandleReorder moves the listed channels to the front.
//
// HTTP: PUT /api/users/{userID}/channels/order
func (h *ChannelHandler) HandleReorder(w http.ResponseWriter, r *http.Request) {
	var in reorderRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	channels, err := h.channels.Reorder(r.Context(), actorOf(r), chi.URLParam(r, "userID"), in.ChannelIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelViews(channels, actorOf(r), h.channels))
}

type otpChannelRequest struct {
	ChannelID string `json:"channelId"`
}

// HandleSetOTPChannel sets or clears (empty channelId) the user's OTP channel.
//
// HTTP: PUT /api/users/{userID}/otp-channel
func (h *ChannelHandler) HandleSetOTPChannel(w http.ResponseWriter, r *http.Request) {
	var in otpChannelRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.channels.SetOTPChannel(r.Context(), actorOf(r), chi.URLParam(r, "userID"), in.ChannelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user))
}

// HandleGet returns one channel.
//
// HTTP: GET /api/channels/{channelID}
func (h *ChannelHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channels.Get(r.Context(), actorOf(r), chi.URLParam(r, "channelID"))
	h.writeChannel(w, r, http.StatusOK, ch, err)
}

// HandleRetire: POST /api/channels/{channelID}/retire
func (h *ChannelHandler) HandleRetire(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channels.Retire(r.Context(), actorOf(r), chi.URLParam(r, "channelID"))
	h.writeChannel(w, r, http.StatusOK, ch, err)
}

// HandleReactivate: POST /api/channels/{channelID}/reactivate
func (h *ChannelHandler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channels.Reactivate(r.Context(), actorOf(r), chi.URLParam(r, "channelID"))
	h.writeChannel(w, r, http.StatusOK, ch, err)
}

// HandleResetBounceCount: POST /api/channels/{channelID}/reset-bounce-count
func (h *ChannelHandler) HandleResetBounceCount(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channels.ResetBounceCount(r.Context(), actorOf(r), chi.URLParam(r, "channelID"))
	h.writeChannel(w, r, http.StatusOK, ch, err)
}

// HandleRequestConfirmation sends the confirmation code.
//
// HTTP: POST /api/channels/{channelID}/request-confirmation
// REQUEST BODY (optional): {"registration": true}
func (h *ChannelHandler) HandleRequestConfirmation(w http.ResponseWriter, r *http.Request) {
	var opts service.ConfirmationOptions
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &opts); err != nil {
			writeError(w, err)
			return
		}
	}
	ch, err := h.channels.RequestConfirmation(r.Context(), actorOf(r), chi.URLParam(r, "channelID"), opts)
	h.writeChannel(w, r, http.StatusAccepted, ch, err)
}

type confirmRequest struct {
	Code     string `json:"code"`
	Redirect string `json:"redirect"`
}

type confirmResponse struct {
	Channel  ChannelView `json:"channel"`
	Redirect string      `json:"redirect,omitempty"`
}

// HandleConfirm confirms a channel with its code.
//
// HTTP: GET  /api/channels/{channelID}/confirm?code=...&redirect=...  (links in messages)
//
//	POST /api/channels/{channelID}/confirm {"code": "...", "redirect": "..."}
//
// The redirect is followed (GET) or echoed back (POST) only when a trust
// policy accepts it for this channel; otherwise it is dropped.
func (h *ChannelHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	in := confirmRequest{
		Code:     r.URL.Query().Get("code"),
		Redirect: r.URL.Query().Get("redirect"),
	}
	if r.Method == http.MethodPost {
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, err)
			return
		}
	}

	gid := chi.URLParam(r, "channelID")
	ch, err := h.channels.ConfirmWithCode(r.Context(), actorOf(r), gid, in.Code)
	if err != nil && (ch == nil || !errors.Is(err, apperror.ErrUpstreamDelivery)) {
		writeError(w, err)
		return
	}
	if err != nil {
		// Confirmed; only the merge notice failed.
		h.logger.Warn("confirmation side effect failed", slog.String("channel_id", gid), slog.String("error", err.Error()))
	}

	redirect := ""
	if in.Redirect != "" {
		trusted, err := h.channels.TrustedRedirect(r.Context(), gid, in.Redirect)
		if err != nil {
			writeError(w, err)
			return
		}
		if trusted {
			redirect = in.Redirect
		} else {
			h.logger.Warn("untrusted confirmation redirect dropped", slog.String("channel_id", gid))
		}
	}

	if r.Method == http.MethodGet && redirect != "" {
		http.Redirect(w, r, redirect, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Channel: h.view(r, ch), Redirect: redirect})
}

// HandleMergeCandidates lists other users holding the same address.
//
// HTTP: GET /api/channels/{channelID}/merge-candidates?first=true
func (h *ChannelHandler) HandleMergeCandidates(w http.ResponseWriter, r *http.Request) {
	first, _ := strconv.ParseBool(r.URL.Query().Get("first"))

	users, err := h.channels.FindMergeCandidates(r.Context(), actorOf(r), chi.URLParam(r, "channelID"), first)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]UserView, len(users))
	for i := range users {
		views[i] = newUserView(&users[i])
	}
	writeJSON(w, http.StatusOK, views)
}

type sendOTPRequest struct {
	Code string `json:"code"`
}

// HandleSendOTP queues a one-time password. Admin tokens only.
//
// HTTP: POST /api/channels/{channelID}/otp
func (h *ChannelHandler) HandleSendOTP(w http.ResponseWriter, r *http.Request) {
	var in sendOTPRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.channels.SendOTP(r.Context(), actorOf(r), chi.URLParam(r, "channelID"), in.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
