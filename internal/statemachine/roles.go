package statemachine

import (
	"strings"

	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

// Operation names one externally-triggered action.
type Operation string

const (
	OpCreateTransaction  Operation = "transaction.create"
	OpCheckIn            Operation = "transaction.check_in"
	OpSendToHub          Operation = "transaction.send_to_hub"
	OpCompleteTrade      Operation = "transaction.complete"
	OpCancelTrade        Operation = "transaction.cancel"
	OpAdvancePackage     Operation = "package.advance"
	OpStartSession       Operation = "session.start"
	OpSessionCheckIn     Operation = "session.check_in"
	OpSessionVerify      Operation = "session.verify_item"
	OpSessionComplete    Operation = "session.complete"
	OpSessionCancel      Operation = "session.cancel"
	OpSessionClose       Operation = "session.close"
	OpSessionExtend      Operation = "session.extend"
	OpSessionExpire      Operation = "session.expire"
	OpSessionMessage     Operation = "session.message"
	OpOpenDispute        Operation = "dispute.open"
	OpDisputeRespond     Operation = "dispute.respond"
	OpDisputeWithdraw    Operation = "dispute.withdraw"
	OpDisputeMessage     Operation = "dispute.message"
	OpDisputeArbitrate   Operation = "dispute.arbitrate"
	OpDisputeEscalate    Operation = "dispute.escalate"
	OpInitiateRelease    Operation = "release.initiate"
	OpConfirmRelease     Operation = "release.confirm"
	OpRejectRelease      Operation = "release.reject"
	OpExpireRelease      Operation = "release.expire"
	OpVaultDeposit       Operation = "vault.deposit"
	OpVaultReview        Operation = "vault.review"
	OpVaultAssign        Operation = "vault.assign"
	OpVaultShelve        Operation = "vault.shelve"
	OpVaultList          Operation = "vault.list"
	OpVaultSellInPerson  Operation = "vault.sell_in_person"
	OpVaultReturn        Operation = "vault.return"
	OpOrderCheckout      Operation = "order.checkout"
	OpOrderMarkPaid      Operation = "order.mark_paid"
	OpOrderFulfil        Operation = "order.fulfil"
	OpOrderDeliver       Operation = "order.deliver"
	OpOrderDispute       Operation = "order.dispute"
	OpOrderResolve       Operation = "order.resolve"
	OpOrderCancel        Operation = "order.cancel"
	OpOrderRequestRefund Operation = "order.request_refund"
	OpOrderSettle        Operation = "order.settle"
	OpCreatePayoutBatch  Operation = "payout.create_batch"
	OpReadAudit          Operation = "audit.read"
)

var (
	parties   = []models.Role{models.RoleUser}
	staff     = []models.Role{models.RoleModerator, models.RoleAdmin}
	hub       = []models.Role{models.RoleHubStaff, models.RoleAdmin}
	merchants = []models.Role{models.RoleMerchant, models.RoleAdmin}
	system    = []models.Role{models.RoleSystem}
)

func roles(groups ...[]models.Role) []models.Role {
	var out []models.Role
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// capabilities lists the roles allowed to request each operation. Ownership
// (is the caller a party of this trade?) is checked by the orchestrators.
var capabilities = map[Operation][]models.Role{
	OpCreateTransaction:  roles(parties, system),
	OpCheckIn:            roles(parties, merchants, system),
	OpSendToHub:          roles(parties, []models.Role{models.RoleAdmin}),
	OpCompleteTrade:      roles(parties, merchants, system),
	OpCancelTrade:        roles(parties, staff, system),
	OpAdvancePackage:     hub,
	OpStartSession:       roles(parties, merchants),
	OpSessionCheckIn:     roles(parties, merchants),
	OpSessionVerify:      merchants,
	OpSessionComplete:    merchants,
	OpSessionCancel:      roles(parties, merchants),
	OpSessionClose:       merchants,
	OpSessionExtend:      merchants,
	OpSessionExpire:      roles(system, merchants),
	OpSessionMessage:     roles(parties, merchants),
	OpOpenDispute:        parties,
	OpDisputeRespond:     parties,
	OpDisputeWithdraw:    parties,
	OpDisputeMessage:     roles(parties, staff),
	OpDisputeArbitrate:   staff,
	OpDisputeEscalate:    roles(staff, system),
	OpInitiateRelease:    staff,
	OpConfirmRelease:     staff,
	OpRejectRelease:      staff,
	OpExpireRelease:      system,
	OpVaultDeposit:       parties,
	OpVaultReview:        roles(staff, []models.Role{models.RoleHubStaff}),
	OpVaultAssign:        []models.Role{models.RoleAdmin},
	OpVaultShelve:        merchants,
	OpVaultList:          merchants,
	OpVaultSellInPerson:  merchants,
	OpVaultReturn:        roles(parties, merchants),
	OpOrderCheckout:      parties,
	OpOrderMarkPaid:      roles(system, []models.Role{models.RoleAdmin}),
	OpOrderFulfil:        merchants,
	OpOrderDeliver:       roles(merchants, system),
	OpOrderDispute:       parties,
	OpOrderResolve:       staff,
	OpOrderCancel:        roles(parties, merchants, staff),
	OpOrderRequestRefund: staff,
	OpOrderSettle:        roles(staff, system),
	OpCreatePayoutBatch:  []models.Role{models.RoleAdmin},
	OpReadAudit:          staff,
}

// Decision is a typed allow/deny with a reason suitable for clients.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Err converts a denial into a Forbidden transition error.
func (d Decision) Err(entity string) error {
	if d.Allowed {
		return nil
	}
	return pkgerrors.Forbidden(entity, d.Reason)
}

// Authorize checks whether actor's role may request op at all.
func Authorize(op Operation, actor models.Actor) Decision {
	if !actor.Role.Valid() {
		return deny("unknown role")
	}
	allowed, ok := capabilities[op]
	if !ok {
		return deny("operation not permitted")
	}
	for _, r := range allowed {
		if r == actor.Role {
			return allow()
		}
	}
	return deny("role " + string(actor.Role) + " may not perform " + string(op) + "; requires one of " + joinRoles(allowed))
}

// AuthorizeParty additionally requires a USER caller to be one of the given
// owners. Non-USER roles pass through on role alone.
func AuthorizeParty(op Operation, actor models.Actor, owners ...uuid.UUID) Decision {
	d := Authorize(op, actor)
	if !d.Allowed || actor.Role != models.RoleUser {
		return d
	}
	for _, o := range owners {
		if o == actor.ID {
			return allow()
		}
	}
	return deny("caller is not a party to this record")
}

func joinRoles(rs []models.Role) string {
	s := make([]string, len(rs))
	for i, r := range rs {
		s[i] = string(r)
	}
	return strings.Join(s, ", ")
}
