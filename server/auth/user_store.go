package auth

import (
	"fmt"
	"sync"

	"github.com/mxgateway/gateway/mysqlcrypto"
)

// HashPassword formats password into the "*40HEXDIGITS" form MySQL's
// native-password auth plugin stores, for populating a UserStore.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	return "*" + mysqlcrypto.BinToHex(mysqlcrypto.SHA1Twice([]byte(password)))
}

// UserInfo is one account entry: the stored native-password hash in
// MySQL's "*40HEXDIGITS" format, and the database COM_INIT_DB/the
// handshake response should pin this user to when none is named
// explicitly.
type UserInfo struct {
	User     string
	Host     string
	Password string
	Database string
}

// UserStore is the gateway's own account directory, independent of any
// backend storage engine. The gateway no longer carries an execution
// engine, so account data is injected by the deployment (config file,
// LDAP, a remote ACL service, ...) through this interface rather than
// read off an InnoDB system table.
type UserStore interface {
	LookupUser(user, host string) (*UserInfo, bool)
}

// InMemoryUserStore is the default UserStore: a process-local map, good
// enough for tests and small standalone deployments. Production
// deployments supply their own UserStore.
type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*UserInfo
}

// NewInMemoryUserStore creates an empty in-memory user directory.
func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users: make(map[string]*UserInfo),
	}
}

func userKey(user, host string) string {
	return fmt.Sprintf("%s@%s", user, host)
}

// PutUser registers or replaces a user entry. Host "%" matches any host,
// mirroring MySQL's wildcard grant host.
func (s *InMemoryUserStore) PutUser(info *UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userKey(info.User, info.Host)] = info
}

func (s *InMemoryUserStore) LookupUser(user, host string) (*UserInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.users[userKey(user, host)]
	if !ok && host != "%" {
		info, ok = s.users[userKey(user, "%")]
	}
	return info, ok
}
