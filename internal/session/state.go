package session

// State is the lifecycle position of the session.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case LoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Logout reasons, used as metric labels and event metadata.
const (
	ReasonUser           = "user"
	ReasonRefreshFailed  = "refresh_failed"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonNoSession      = "no_session"
)
