package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Role names a privilege granted to an account.
type Role string

const (
	RoleRouter          Role = "router"
	RoleSlasher         Role = "slasher"
	RoleCouncil         Role = "council"
	RoleCouncilAdmin    Role = "council_admin"
	RoleOracle          Role = "oracle"
	RoleReputationAdmin Role = "reputation_admin"
	RoleMinter          Role = "minter"
	RoleTreasurer       Role = "treasurer"
)

// Grant gives role to account. Roles are genesis configuration and are
// not journaled.
func (l *Ledger) Grant(role Role, account common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		l.roles[role] = members
	}
	members[account] = struct{}{}

	l.logger.Debug("Role granted",
		zap.String("role", string(role)),
		zap.String("account", account.Hex()))
}

// Revoke removes role from account.
func (l *Ledger) Revoke(role Role, account common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.roles[role], account)
}

// HasRole reports whether account holds role.
func (l *Ledger) HasRole(role Role, account common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasRole(role, account)
}

func (l *Ledger) hasRole(role Role, account common.Address) bool {
	_, ok := l.roles[role][account]
	return ok
}
