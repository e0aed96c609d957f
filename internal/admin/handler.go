// Package admin implements the HTTP control-plane surface the backend and
// other operators use to publish messages, manage channel membership, and
// observe gateway state.
package admin

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/casmbu/nodejs-gateway/internal"
	"github.com/casmbu/nodejs-gateway/internal/backend"
	"github.com/casmbu/nodejs-gateway/internal/session"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/casmbu/nodejs-gateway/internal/telemetry"
	"github.com/julienschmidt/httprouter"
	"github.com/pitabwire/util"
)

//nolint:gochecknoglobals // compiled once, read-only after init
var (
	channelNameRe = regexp.MustCompile(internal.ChannelNamePattern)
	uidRe         = regexp.MustCompile(internal.UIDPattern)
)

const adminAPIVersion = "1.0.0"

// Handler serves the admin HTTP surface under a configured base path. Every
// request must carry the NodejsServiceKey header unless the service key is
// unconfigured.
type Handler struct {
	router       *httprouter.Router
	store        *store.Store
	session      *session.Manager
	backend      *backend.Client
	baseAuthPath string

	// debugEnabled is the live switch toggleDebug flips; while set, every
	// admin request is additionally logged at Debug level by ServeHTTP.
	debugEnabled atomic.Bool
}

// New builds an admin Handler and registers every route under baseAuthPath.
func New(st *store.Store, sessionMgr *session.Manager, backendClient *backend.Client, baseAuthPath string) *Handler {
	h := &Handler{
		router:       httprouter.New(),
		store:        st,
		session:      sessionMgr,
		backend:      backendClient,
		baseAuthPath: baseAuthPath,
	}
	h.router.NotFound = http.HandlerFunc(notFound)
	h.registerRoutes()
	return h
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found."))
}

func (h *Handler) path(suffix string) string {
	return strings.TrimSuffix(h.baseAuthPath, "/") + "/" + suffix
}

func (h *Handler) registerRoutes() {
	h.router.POST(h.path("publish"), h.handlePublish)
	h.router.POST(h.path("user/kick/:uid"), h.handleKickUser)
	h.router.POST(h.path("user/logout/:authtoken"), h.handleLogoutUser)
	h.router.POST(h.path("user/channel/add/:channel/:uid"), h.handleAddUserToChannel)
	h.router.POST(h.path("user/channel/remove/:channel/:uid"), h.handleRemoveUserFromChannel)
	h.router.POST(h.path("channel/add/:channel"), h.handleAddChannel)
	h.router.GET(h.path("channel/check/:channel"), h.handleCheckChannel)
	h.router.POST(h.path("channel/remove/:channel"), h.handleRemoveChannel)
	h.router.GET(h.path("health/check"), h.handleHealthCheck)
	h.router.GET(h.path("user/presence-list/:uid/:uidList"), h.handleSetUserPresenceList)
	h.router.POST(h.path("debug/toggle"), h.handleToggleDebug)
	h.router.POST(h.path("content/token/users"), h.handleGetContentTokenUsers)
	h.router.POST(h.path("content/token"), h.handleSetContentToken)
	h.router.POST(h.path("content/token/message"), h.handlePublishMessageToContentChannel)
	h.router.POST(h.path("authtoken/channel/add/:channel/:authToken"), h.handleAddAuthTokenToChannel)
	h.router.POST(h.path("authtoken/channel/remove/:channel/:authToken"), h.handleRemoveAuthTokenFromChannel)
}

// ServeHTTP enforces the service-key check for every request under
// baseAuthPath before delegating to the route table, so an unauthenticated
// caller gets the same rejection whether or not the path exists.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !strings.HasPrefix(r.URL.Path, h.baseAuthPath) && r.URL.Path != strings.TrimSuffix(h.baseAuthPath, "/") {
		notFound(w, r)
		return
	}

	if !h.backend.CheckServiceKey(r.Header.Get(internal.HeaderServiceKey)) {
		telemetry.AdminRequestsRejectedCounter.Add(ctx, 1)
		writeJSON(w, http.StatusOK, map[string]string{"error": "Invalid service key."})
		return
	}

	telemetry.AdminRequestsCounter.Add(ctx, 1)
	if h.debugEnabled.Load() {
		util.Log(ctx).WithFields(map[string]any{
			"method": r.Method, "path": r.URL.Path, "query": r.URL.RawQuery,
		}).Debug("admin request")
	}
	h.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeFailed(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "error": msg})
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if r.Body == nil {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func validChannel(name string) bool { return channelNameRe.MatchString(name) }
func validUID(raw string) bool      { return uidRe.MatchString(raw) }

func parseUID(raw string) int64 {
	uid, _ := strconv.ParseInt(raw, 10, 64)
	return uid
}
