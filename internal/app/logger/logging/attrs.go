package logging

import (
	"log/slog"
)

func Error(err error) slog.Attr {
	if err == nil {
		slog.Error("Going to log nil error")
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

func RoomID(roomID string) slog.Attr {
	return slog.String("roomId", roomID)
}

func InternalID(id int32) slog.Attr {
	return slog.Int64("internalId", int64(id))
}

func Slot(slot int) slog.Attr {
	return slog.Int("slot", slot)
}

func PeerAddr(addr string) slog.Attr {
	return slog.String("peerAddr", addr)
}

func PeerName(name string) slog.Attr {
	return slog.String("peerName", name)
}
