package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "weekplan/internal/log"
	"weekplan/internal/schedule"
)

const (
	sessionCookie = "weekplan_session"
	// viewHeader carries a per-tab id so tabs sharing a cookie keep
	// separate bucket stores.
	viewHeader = "X-Weekplan-View"
	// maxViews bounds the stores one session may hold; further tabs share
	// the default store.
	maxViews = 32
)

// session is one browser. Each tab (view) gets its own store, so switching
// datasets in one tab does not clear another tab's weeks.
type session struct {
	views    map[string]*schedule.BucketStore
	lastSeen time.Time
}

func newSession(now time.Time) *session {
	return &session{views: make(map[string]*schedule.BucketStore), lastSeen: now}
}

func (sess *session) view(id string) *schedule.BucketStore {
	if st, ok := sess.views[id]; ok {
		return st
	}
	if id != "" && len(sess.views) >= maxViews {
		id = ""
		if st, ok := sess.views[id]; ok {
			return st
		}
	}
	st := schedule.NewBucketStore()
	sess.views[id] = st
	return st
}

func (sess *session) close() {
	for _, st := range sess.views {
		st.Close()
	}
}

// viewID returns the tab id of r, or "" when absent or malformed.
func viewID(r *http.Request) string {
	v := r.Header.Get(viewHeader)
	if v == "" {
		return ""
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return ""
	}
	return id.String()
}

// sessions maps cookie ids to per-browser bucket stores.
type sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[string]*session
}

func newSessions(ttl time.Duration) *sessions {
	return &sessions{ttl: ttl, now: time.Now, m: make(map[string]*session)}
}

// get returns the store of the caller's tab, starting a session (and
// setting the cookie) when the request carries none or an unknown one.
func (s *sessions) get(w http.ResponseWriter, r *http.Request) *schedule.BucketStore {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := viewID(r)
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.m[c.Value]; ok {
			sess.lastSeen = s.now()
			return sess.view(view)
		}
	}

	id := uuid.NewString()
	sess := newSession(s.now())
	s.m[id] = sess
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess.view(view)
}

// sweep closes sessions idle for longer than the ttl, cancelling their
// pending pushes.
func (s *sessions) sweep() int {
	s.mu.Lock()
	var stale []*session
	cutoff := s.now().Add(-s.ttl)
	for id, sess := range s.m {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.m, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.close()
	}
	if len(stale) > 0 {
		appLog.Debug("expired sessions", "count", len(stale))
	}
	return len(stale)
}

func (s *sessions) closeAll() {
	s.mu.Lock()
	all := s.m
	s.m = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
