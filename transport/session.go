package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spineda1208/zenoo/common"
)

// ServerVersion is the identity record returned by the server healthcheck.
type ServerVersion struct {
	ServerVersion string `json:"server_version"`
	ServerSerie   string `json:"server_serie"`
	ProtocolLevel int    `json:"protocol_version"`
}

// Session holds the authentication state and default call context for one
// server connection. A Session is created without any server I/O; the first
// network activity happens on Authenticate, Version or ListDatabases.
//
// Auth state is mutated only by Authenticate and Logout and read by all
// concurrent calls. Records materialized from a session are owned by it;
// sharing them across sessions is undefined.
type Session struct {
	transport *Transport
	log       *logrus.Entry

	mu             sync.RWMutex
	database       string
	uid            int64
	credential     string
	defaultContext map[string]interface{}
}

// NewSession wraps a transport into an unauthenticated session.
func NewSession(t *Transport, logger *logrus.Logger) *Session {
	return &Session{
		transport:      t,
		log:            common.Component(logger, "session"),
		defaultContext: map[string]interface{}{},
	}
}

// Transport exposes the underlying wire layer for callers that need raw
// service calls.
func (s *Session) Transport() *Transport { return s.transport }

// Authenticated reports whether a login has succeeded and not been cleared.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid != 0
}

// UID returns the authenticated user id, or 0 before login.
func (s *Session) UID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// Database returns the database selected at login.
func (s *Session) Database() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.database
}

// DefaultContext returns a copy of the context map sent with every
// execute_kw call (language, timezone and similar server-side options).
func (s *Session) DefaultContext() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]interface{}, len(s.defaultContext))
	for k, v := range s.defaultContext {
		copied[k] = v
	}
	return copied
}

// SetDefaultContext replaces the default call context.
func (s *Session) SetDefaultContext(ctxMap map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultContext = make(map[string]interface{}, len(ctxMap))
	for k, v := range ctxMap {
		s.defaultContext[k] = v
	}
}

// Authenticate performs the login call against the "common" service and, on
// success, stores the database, uid and credential for subsequent
// execute_kw calls. The server returns an integer uid on success and a
// falsy value on bad credentials; falsy is reported as an authentication
// failure.
//
// Authenticate is idempotent: re-authenticating replaces the stored state,
// so a credential rotation does not require a new session.
func (s *Session) Authenticate(ctx context.Context, database, login, credential string) error {
	var raw json.RawMessage
	args := []interface{}{database, login, credential, map[string]interface{}{}}
	if err := s.transport.Call(ctx, "common", "authenticate", args, &raw); err != nil {
		var te *Error
		if AsError(err, &te) {
			return te.WithContext("", "authenticate")
		}
		return err
	}

	uid, ok := decodeUID(raw)
	if !ok || uid == 0 {
		return &Error{
			Kind:    KindAuthentication,
			Message: fmt.Sprintf("authentication failed for %q on database %q", login, database),
			Method:  "authenticate",
		}
	}

	s.mu.Lock()
	s.database = database
	s.uid = uid
	s.credential = credential
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"database": database, "uid": uid}).Info("authenticated")
	return nil
}

// decodeUID accepts the integer uid the server returns on success and the
// assorted falsy shapes (false, null, 0) it returns on failure.
func decodeUID(raw json.RawMessage) (int64, bool) {
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, true
	}
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return 0, !asBool // false is the failure marker
	}
	return 0, false
}

// Logout clears the authentication state. Outstanding calls holding the old
// uid fail fast on their next use of the session.
func (s *Session) Logout() {
	s.mu.Lock()
	s.database = ""
	s.uid = 0
	s.credential = ""
	s.mu.Unlock()
	s.log.Info("logged out")
}

// ExecuteKw invokes model.method on the "object" service with the stored
// credentials. args are the positional arguments of the model method,
// kwargs the keyword arguments; the session's default context is merged
// into kwargs under "context" unless the caller provided one.
//
// Returns an authentication error without any server I/O when the session
// is not logged in.
func (s *Session) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, result interface{}, opts ...CallOption) error {
	s.mu.RLock()
	database, uid, credential := s.database, s.uid, s.credential
	defaultCtx := s.defaultContext
	s.mu.RUnlock()

	if uid == 0 {
		return &Error{
			Kind:    KindAuthentication,
			Message: "session is not authenticated",
			Model:   model,
			Method:  method,
		}
	}

	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	if _, ok := kwargs["context"]; !ok && len(defaultCtx) > 0 {
		merged := make(map[string]interface{}, len(defaultCtx))
		for k, v := range defaultCtx {
			merged[k] = v
		}
		kwargs["context"] = merged
	}
	if args == nil {
		args = []interface{}{}
	}

	callArgs := []interface{}{database, uid, credential, model, method, args, kwargs}
	err := s.transport.Call(ctx, "object", "execute_kw", callArgs, result, opts...)
	if err != nil {
		var te *Error
		if AsError(err, &te) {
			return te.WithContext(model, method)
		}
		return err
	}
	return nil
}

// Version performs the server healthcheck. It never requires
// authentication.
func (s *Session) Version(ctx context.Context) (*ServerVersion, error) {
	var version ServerVersion
	if err := s.transport.Call(ctx, "common", "version", []interface{}{}, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// ListDatabases enumerates the databases the server exposes. It never
// requires authentication.
func (s *Session) ListDatabases(ctx context.Context) ([]string, error) {
	var databases []string
	if err := s.transport.Call(ctx, "db", "list", []interface{}{}, &databases); err != nil {
		return nil, err
	}
	return databases, nil
}

// Close logs out and releases pooled connections. Safe to call multiple
// times and on every exit path.
func (s *Session) Close() {
	s.Logout()
	s.transport.Close()
}
