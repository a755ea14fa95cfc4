package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/service"
	"github.com/go-chi/chi/v5"
)

// PresenceHandler はプレゼンスディレクトリの参照APIを提供します
// スコープ外のWebアプリが「誰がオンラインか」を問い合わせるための
// 読み取り専用の入口です
type PresenceHandler struct {
	svc *service.PresenceService
}

// NewPresenceHandler は新しいPresenceHandlerを作成します
func NewPresenceHandler(s *service.PresenceService) *PresenceHandler { return &PresenceHandler{svc: s} }

// Get はルームの在室状況のスナップショットを返します
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snapshot, err := h.svc.Snapshot(r.Context(), roomId)
	if err != nil {
		if !errors.Is(err, service.ErrRoomNotFound) {
			log.Printf("Get presence error (roomId=%s): %v", roomId, err)
		}
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (h *PresenceHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Touch はルームのディレクトリエントリの有効期限を延長します
func (h *PresenceHandler) Touch(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Touch(r.Context(), roomId); err != nil {
		log.Printf("Touch presence error (roomId=%s): %v", roomId, err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
