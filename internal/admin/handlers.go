package admin

import (
	"net/http"

	"github.com/casmbu/nodejs-gateway/internal/telemetry"
	"github.com/julienschmidt/httprouter"
)

// handlePublish implements the publish verb: broadcast if the body sets
// broadcast:true, else fan out to body.channel.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx := r.Context()
	if broadcast, _ := body["broadcast"].(bool); broadcast {
		sent := h.session.Broadcast(ctx, body)
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "sent": sent})
		return
	}

	channel, _ := body["channel"].(string)
	if channel == "" {
		writeJSON(w, http.StatusOK, map[string]string{"error": ErrMissingTarget.Error()})
		return
	}
	if !validChannel(channel) {
		writeJSON(w, http.StatusOK, map[string]string{"error": ErrInvalidChannel.Error()})
		return
	}

	sent := h.session.PublishToChannel(ctx, channel, body)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "sent": sent})
}

func (h *Handler) handleKickUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	raw := ps.ByName("uid")
	if !validUID(raw) {
		writeFailed(w, ErrInvalidUID.Error())
		return
	}
	if h.session.KickUID(r.Context(), parseUID(raw)) {
		writeSuccess(w)
		return
	}
	writeFailed(w, "uid not found")
}

func (h *Handler) handleLogoutUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	authToken := ps.ByName("authtoken")
	h.session.LogoutAuthToken(r.Context(), authToken)
	writeSuccess(w)
}

func (h *Handler) handleAddUserToChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	uidRaw := ps.ByName("uid")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if !validUID(uidRaw) {
		writeFailed(w, ErrInvalidUID.Error())
		return
	}

	if h.session.AddUserToChannel(channel, parseUID(uidRaw)) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrNoActiveSession.Error())
}

func (h *Handler) handleRemoveUserFromChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	uidRaw := ps.ByName("uid")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if !validUID(uidRaw) {
		writeFailed(w, ErrInvalidUID.Error())
		return
	}

	if h.session.RemoveUserFromChannel(channel, parseUID(uidRaw)) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrChannelNotFound.Error())
}

func (h *Handler) handleAddChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if h.store.AddChannel(channel) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrChannelExists.Error())
}

func (h *Handler) handleCheckChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "result": h.store.ChannelExists(channel)})
}

func (h *Handler) handleRemoveChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if h.store.RemoveChannel(channel) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrChannelNotFound.Error())
}

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	preAuth, authenticated := h.store.CountSockets()

	contentTokens := make(map[string]bool)
	for _, name := range h.store.AllTokenChannelNames() {
		contentTokens[name] = true
	}

	channels := make(map[string]any)
	for _, summary := range h.store.AllChannelSummaries() {
		channels[summary.Name] = map[string]any{
			"createdAt": summary.CreatedAt,
			"members":   summary.Members,
			"writable":  summary.Writable,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"sockets":       authenticated,
		"preAuthSockets": preAuth,
		"onlineUsers":   h.store.OnlineUserCount(),
		"contentTokens": contentTokens,
		"channels":      channels,
		"version":       adminAPIVersion,
	})
}

func (h *Handler) handleSetUserPresenceList(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uidRaw := ps.ByName("uid")
	uidListRaw := ps.ByName("uidList")
	if !validUID(uidRaw) {
		writeFailed(w, ErrInvalidUID.Error())
		return
	}

	var uidList []int64
	if uidListRaw != "" {
		for _, part := range splitComma(uidListRaw) {
			if !validUID(part) {
				writeFailed(w, "invalid uidList")
				return
			}
			uidList = append(uidList, parseUID(part))
		}
	}

	h.store.SetPresenceList(parseUID(uidRaw), uidList)
	writeSuccess(w)
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func (h *Handler) handleToggleDebug(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeBody(r)
	if err != nil {
		writeFailed(w, "invalid JSON body")
		return
	}
	debug, _ := body["debug"].(bool)
	h.debugEnabled.Store(debug)
	writeSuccess(w)
}

func (h *Handler) handleSetContentToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeBody(r)
	if err != nil {
		writeFailed(w, "invalid JSON body")
		return
	}
	channel, _ := body["channel"].(string)
	token, _ := body["token"].(string)
	if channel == "" || token == "" {
		writeFailed(w, "channel and token required")
		return
	}

	h.store.SetContentToken(channel, token, body)
	writeSuccess(w)
}

func (h *Handler) handleGetContentTokenUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeBody(r)
	if err != nil {
		writeFailed(w, "invalid JSON body")
		return
	}
	channel, _ := body["channel"].(string)

	var uids []int64
	var authTokens []string
	for _, payload := range h.store.TokenChannelSocketPayloads(channel) {
		if uid := payloadUIDFromAdmin(payload); uid > 0 {
			uids = append(uids, uid)
			continue
		}
		if token, ok := payload["authToken"].(string); ok && token != "" {
			authTokens = append(authTokens, token)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"uids": uids, "authTokens": authTokens})
}

func payloadUIDFromAdmin(payload map[string]any) int64 {
	switch v := payload["uid"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (h *Handler) handlePublishMessageToContentChannel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeBody(r)
	if err != nil {
		writeFailed(w, "invalid JSON body")
		return
	}
	channel, _ := body["channel"].(string)
	if !h.store.TokenChannelExists(channel) {
		writeFailed(w, ErrChannelNotFound.Error())
		return
	}

	sent := h.session.PublishToTokenChannel(r.Context(), channel, body)
	telemetry.ChannelMessagesPublishedCounter.Add(r.Context(), int64(sent))
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "sent": sent})
}

func (h *Handler) handleAddAuthTokenToChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	authToken := ps.ByName("authToken")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if h.session.AddAuthTokenToChannel(channel, authToken) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrNoActiveAuthSession.Error())
}

func (h *Handler) handleRemoveAuthTokenFromChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	authToken := ps.ByName("authToken")
	if !validChannel(channel) {
		writeFailed(w, ErrInvalidChannel.Error())
		return
	}
	if h.session.RemoveAuthTokenFromChannel(channel, authToken) {
		writeSuccess(w)
		return
	}
	writeFailed(w, ErrChannelNotFound.Error())
}
