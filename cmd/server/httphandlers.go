package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/timelinesync/internal/backend"
	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/middleware"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
	"example.com/timelinesync/internal/timeline"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opLatest = models.OpLatest
	opOldest = models.OpOldest
	opMore   = models.OpMore

	defaultEntryLimit = 50
	maxUploadBytes    = 40 << 20
	uploadMemoryBytes = 8 << 20
)

// --- Responses ---

type timelineItem struct {
	Entry  models.FeedEntry `json:"entry"`
	Status *models.Status   `json:"status,omitempty"`
	Author *models.Author   `json:"author,omitempty"`
}

type syncResponse struct {
	timeline.Outcome
	State string `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSyncError maps sync errors to HTTP statuses.
func writeSyncError(w http.ResponseWriter, module string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncerr.ErrLoadInFlight), errors.Is(err, syncerr.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, syncerr.ErrNoAnchor):
		status = http.StatusPreconditionFailed
	case errors.Is(err, syncerr.ErrNotFrontier):
		status = http.StatusNotFound
	case errors.Is(err, syncerr.ErrUnknownAccount):
		status = http.StatusBadRequest
	case errors.Is(err, syncerr.ErrTransport), errors.Is(err, syncerr.ErrDecode):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logg.Error(module, "Request failed", err)
	} else {
		logg.Info(module, "Request rejected", zap.String("reason", err.Error()))
	}
	http.Error(w, err.Error(), status)
}

// feedKey builds the feed key from the token account and the {kind} path value.
func feedKey(w http.ResponseWriter, r *http.Request) (models.FeedKey, bool) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return models.FeedKey{}, false
	}
	kind := models.TimelineKind(r.PathValue("kind"))
	if !kind.Valid() {
		http.Error(w, "unknown timeline kind", http.StatusNotFound)
		return models.FeedKey{}, false
	}
	return models.FeedKey{Account: account, Kind: kind}, true
}

// --- HTTP Handlers ---

// createAccountHandler registers an access token for an account and returns
// a session token.
// Expects JSON body: {"account": "42@mastodon.social", "access_token": "..."}
func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	type req struct {
		Account     string `json:"account"`
		AccessToken string `json:"access_token"`
	}
	var body req

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logg.Error("http/accounts", "Invalid request body", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	account, err := models.ParseAccountKey(body.Account)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.backends.Resolve(account); err != nil {
		writeSyncError(w, "http/accounts", err)
		return
	}
	if body.AccessToken != "" {
		if err := s.credentials.Set(r.Context(), account, body.AccessToken); err != nil {
			logg.Error("http/accounts", "Failed to store access token", err)
			http.Error(w, "failed to store access token", http.StatusInternalServerError)
			return
		}
	}

	token, err := middleware.IssueToken(s.jwtSecret, account, s.tokenTTL)
	if err != nil {
		logg.Error("http/accounts", "Failed to generate token", err)
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}

	logg.Info("http/accounts", "Account signed in", zap.String("account", logger.Anonymize(account.String())))
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account.String(),
		"token":   token,
	})
}

// deleteAccountHandler signs the account out and removes its feeds.
func (s *Server) deleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	removed, err := s.timelines.RemoveAccount(r.Context(), account)
	if err != nil {
		writeSyncError(w, "http/accounts", err)
		return
	}
	if err := s.credentials.Delete(r.Context(), account); err != nil {
		logg.Error("http/accounts", "Failed to delete access token", err)
		http.Error(w, "failed to delete access token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed_entries": removed})
}

// getTimelineHandler returns the stored feed newest first.
// Query parameters: ?limit=50&target=<user or list id>
func (s *Server) getTimelineHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := feedKey(w, r)
	if !ok {
		return
	}
	if target := r.URL.Query().Get("target"); target != "" {
		s.timelines.SetTarget(key, target)
	}

	limit := defaultEntryLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	entries := s.timelines.Entries(key, limit)
	items := make([]timelineItem, 0, len(entries))
	for _, e := range entries {
		item := timelineItem{Entry: e}
		if st, ok := s.graph.Status(e.StatusID); ok {
			item.Status = &st
			if a, ok := s.graph.Author(st.AuthorID); ok {
				item.Author = &a
			}
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.timelines.State(key).String(),
		"entries": items,
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := feedKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.timelines.State(key).String()})
}

// syncHandler runs one sync cycle of the given op. With ?async=true and a
// command writer configured the cycle is queued for the workers instead.
// "more" expects JSON body: {"anchor": "<platform id of the frontier entry>"}
func (s *Server) syncHandler(op models.SyncOp) http.Handler {
	module := "http/sync/" + string(op)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := feedKey(w, r)
		if !ok {
			return
		}
		if target := r.URL.Query().Get("target"); target != "" {
			s.timelines.SetTarget(key, target)
		}

		var anchor string
		if op == opMore {
			var body struct {
				Anchor string `json:"anchor"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Anchor == "" {
				http.Error(w, "anchor is required", http.StatusBadRequest)
				return
			}
			defer r.Body.Close()
			anchor = body.Anchor
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && s.commands != nil {
			id, err := appkafka.SendSyncCommand(s.commands, models.SyncCommand{
				Account: key.Account.String(), Kind: key.Kind, Op: op, Anchor: anchor,
			})
			if err != nil {
				logg.Error(module, "Failed to queue sync command", err)
				http.Error(w, "failed to queue sync command", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"command_id": id})
			return
		}

		var (
			out timeline.Outcome
			err error
		)
		switch op {
		case opLatest:
			out, err = s.timelines.LoadLatest(r.Context(), key)
		case opOldest:
			out, err = s.timelines.LoadOldest(r.Context(), key)
		case opMore:
			out, err = s.timelines.LoadMore(r.Context(), key, anchor)
		}
		if err != nil {
			writeSyncError(w, module, err)
			return
		}
		writeJSON(w, http.StatusOK, syncResponse{Outcome: out, State: out.State.String()})
	})
}

// resetHandler returns the pagination of a feed to idle so loading can resume.
func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := feedKey(w, r)
	if !ok {
		return
	}
	state, err := s.timelines.ResetPagination(key)
	if err != nil {
		writeSyncError(w, "http/reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state.String()})
}

// streamHandler pushes the feed over a websocket every time it changes.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := feedKey(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logg.Warn("http/stream", "Websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.timelines.Subscribe(key)
	defer cancel()

	// the read loop only notices when the client goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(map[string]any{"feed": key.String(), "entries": snapshot}); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logg.Warn("http/stream", "Websocket write failed", err)
				}
				return
			}
		}
	}
}

// deleteStatusHandler removes a status of the account's backend by platform ID.
func (s *Server) deleteStatusHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deleted, err := s.timelines.DeleteStatus(r.Context(), account, r.PathValue("id"))
	if err != nil {
		writeSyncError(w, "http/statuses", err)
		return
	}
	if !deleted {
		http.Error(w, "status not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadMediaHandler forwards a multipart "file" to the account's backend.
// Optional form field: description.
func (s *Server) uploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	a, err := s.backends.Resolve(account)
	if err != nil {
		writeSyncError(w, "http/media", err)
		return
	}
	uploader, ok := a.(backend.MediaUploader)
	if !ok {
		http.Error(w, "backend does not accept uploads", http.StatusNotImplemented)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	if err := r.ParseMultipartForm(uploadMemoryBytes); err != nil {
		if tooLarge(err) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to parse multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file: "+err.Error(), http.StatusBadRequest)
		return
	}

	att, err := uploader.UploadMedia(r.Context(), account, backend.MediaUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Description: r.FormValue("description"),
	})
	if err != nil {
		writeSyncError(w, "http/media", err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// tooLarge reports whether err came from an exceeded MaxBytesReader. Some
// multipart paths do not wrap the error, so the message is checked too.
func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}
