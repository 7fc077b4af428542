package app

import "errors"

var (
	ErrNotLoggedIn           = errors.New("not logged in")
	ErrLoggedOut             = errors.New("session logged out")
	ErrRealtimeNotConfigured = errors.New("realtime is not configured")
)
