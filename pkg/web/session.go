package web

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"instream-live-server/pkg/broadcast"
)

const (
	keyClientID    = "client_id"
	keyLive        = "session_id"
	keyBroadcastID = "broadcast_id"
	keyTitle       = "stream_title"
	keyStartTime   = "start_time"
	keyCookies     = "ig_cookies"
	keyUsername    = "ig_username"
	keyUserID      = "ig_userid"
)

// NewCookieStore returns a signed and encrypted cookie store keyed from
// secret. The browser only ever sees ciphertext of the stored credentials.
func NewCookieStore(secret string, lifetime time.Duration) *sessions.CookieStore {
	hashKey := sha256.Sum256([]byte("sign:" + secret))
	blockKey := sha256.Sum256([]byte("encrypt:" + secret))
	store := sessions.NewCookieStore(hashKey[:], blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(lifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	for _, codec := range store.Codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxLength(8192)
		}
	}
	return store
}

// operatorSession is the browser's cookie session.
type operatorSession struct {
	*sessions.Session
}

func (s *Server) session(r *http.Request) operatorSession {
	sess, err := s.store.Get(r, s.cookieName)
	if err != nil {
		// A cookie signed with an old secret decodes to a fresh session.
		s.logger.WithError(err).Debug("discarding undecodable session cookie")
	}
	return operatorSession{sess}
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, sess operatorSession) {
	if err := sess.Save(r, w); err != nil {
		s.logger.WithError(err).Error("save session")
	}
}

func (o operatorSession) str(key string) string {
	v, _ := o.Values[key].(string)
	return v
}

func (o operatorSession) liveKey() string { return o.str(keyLive) }

func (o operatorSession) credentials() broadcast.Credentials {
	return broadcast.Credentials(o.str(keyCookies))
}

// clientID returns the browser's stable id, minting one on first use.
func (o operatorSession) clientID() string {
	id := o.str(keyClientID)
	if id == "" {
		id = uuid.NewString()
		o.Values[keyClientID] = id
	}
	return id
}

func (o operatorSession) clearLive() {
	for _, k := range []string{keyLive, keyBroadcastID, keyTitle, keyStartTime} {
		delete(o.Values, k)
	}
}
