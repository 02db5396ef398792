package session

const (
	// LoginPath is the sign-in surface.
	LoginPath = "/login"
	// HomePath is where a signed-in operator lands.
	HomePath = "/"
)

// Route returns the path the operator should be on given the session and
// the current path. Signed-in operators are moved off the sign-in surface;
// signed-out operators are moved onto it. Otherwise path is returned
// unchanged.
func Route(s *Session, path string) string {
	if s != nil && path == LoginPath {
		return HomePath
	}

	if s == nil && path != LoginPath {
		return LoginPath
	}

	return path
}
