package api

import (
	"net/http"

	"agon/internal/economy"
)

func (s *Server) handlePlayGame(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		BetMicros int64  `json:"bet_micros"`
		Choice    string `json:"choice,omitempty"`
		Target    int64  `json:"target,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.PlayGame(r.Context(), economy.GameInput{
		UserID:    user.ID,
		Game:      chiParam(r, "game"),
		BetMicros: in.BetMicros,
		Choice:    in.Choice,
		Target:    in.Target,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGameHistory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.svc.GameHistory(r.Context(), user.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

func (s *Server) handleAssetPrice(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.AssetPrice(r.Context(), chiParam(r, "symbol"), r.URL.Query().Get("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Symbol       string `json:"symbol"`
		Kind         string `json:"kind,omitempty"`
		Side         string `json:"side"`
		MarginMicros int64  `json:"margin_micros"`
		Leverage     int64  `json:"leverage"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.OpenPosition(r.Context(), economy.OpenPositionInput{
		UserID:         user.ID,
		Symbol:         in.Symbol,
		Kind:           in.Kind,
		Side:           in.Side,
		MarginMicros:   in.MarginMicros,
		Leverage:       in.Leverage,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleTradePositions(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.svc.TradePositions(r.Context(), user.ID, r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.ClosePosition(r.Context(), user.ID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
