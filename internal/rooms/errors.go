package rooms

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNoRoom       = errors.New("connection is not in a room")
	ErrEmptyRoomID  = errors.New("empty room id")
)
