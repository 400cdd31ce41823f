package api

import (
	"errors"
	"strings"
	"unsafe"

	"mindspace-board/domain"
)

// HeaderWorkspaceID selects the workspace of a request. It defaults to the
// caller's user id.
const HeaderWorkspaceID = "X-Workspace-Id"

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken returns the token part of an Authorization header value
// without copying it. Only compact JWS tokens are accepted.
func bearerToken(raw string) ([]byte, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return nil, errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, bearerPrefix)
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return nil, errBadAuthorization
	}
	return readOnlyBytes(token), nil
}

func sessionFor(userID, workspaceHeader string) domain.Session {
	ws := strings.TrimSpace(workspaceHeader)
	if ws == "" {
		ws = userID
	}
	return domain.Session{WorkspaceID: ws, UserID: userID}
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
