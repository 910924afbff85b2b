package signaling

import (
	"errors"
	"net/http"

	"github.com/Kaplinskiy/zvonilka/internal/httpserver"
	"github.com/Kaplinskiy/zvonilka/internal/room"
)

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// handleCreateRoom mints a room code that no live room is using. The room
// itself is not created here; it materialises when the first member joins via
// /ws, so abandoned codes cost nothing.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.registry.NewRoomID()
	if err != nil {
		if errors.Is(err, room.ErrCodeSpaceExhausted) {
			httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no room codes available"})
			return
		}
		s.log.Error("room code generation failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	s.log.Debug("room code minted", "room", roomID)
	httpserver.WriteJSON(w, http.StatusOK, createRoomResponse{RoomID: roomID})
}
