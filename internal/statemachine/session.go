package statemachine

import (
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const entitySession = "escrow_session"

var SessionTable = NewTable(entitySession, map[models.SessionStatus][]models.SessionStatus{
	models.SessionCreated:         {models.SessionCheckinPending, models.SessionCancelled, models.SessionExpired},
	models.SessionCheckinPending:  {models.SessionBuyerCheckedIn, models.SessionSellerCheckedIn, models.SessionCancelled, models.SessionExpired},
	models.SessionBuyerCheckedIn:  {models.SessionBothCheckedIn, models.SessionCancelled, models.SessionExpired},
	models.SessionSellerCheckedIn: {models.SessionBothCheckedIn, models.SessionCancelled, models.SessionExpired},
	models.SessionBothCheckedIn:   {models.SessionItemVerified, models.SessionCancelled, models.SessionExpired},
	models.SessionItemVerified:    {models.SessionCompleted, models.SessionCancelled, models.SessionExpired},
	models.SessionExpired:         {models.SessionCheckinPending, models.SessionCancelled},
})

// CheckInTarget returns the session status after party checks in.
func CheckInTarget(s *models.EscrowSession, party models.Actor) (models.SessionStatus, error) {
	buyer := party.ID == s.BuyerID
	if !buyer && party.ID != s.SellerID {
		return s.Status, pkgerrors.Forbidden(entitySession, "caller is not a participant of this session")
	}
	switch s.Status {
	case models.SessionCheckinPending:
		if buyer {
			return models.SessionBuyerCheckedIn, nil
		}
		return models.SessionSellerCheckedIn, nil
	case models.SessionBuyerCheckedIn:
		if buyer {
			return s.Status, pkgerrors.Precondition(entitySession, "buyer already checked in")
		}
		return models.SessionBothCheckedIn, nil
	case models.SessionSellerCheckedIn:
		if !buyer {
			return s.Status, pkgerrors.Precondition(entitySession, "seller already checked in")
		}
		return models.SessionBothCheckedIn, nil
	}
	return s.Status, pkgerrors.Invalid(entitySession, string(s.Status), "CHECKED_IN", names(SessionTable.Allowed(s.Status)))
}

// CheckClose guards the manual abort. It needs both a merchant/admin role
// and the caller's explicit confirmation flag.
func CheckClose(s *models.EscrowSession, actor models.Actor, confirmed bool) error {
	if d := Authorize(OpSessionClose, actor); !d.Allowed {
		return d.Err(entitySession)
	}
	if !confirmed {
		return pkgerrors.Precondition(entitySession, pkgerrors.ErrConfirmationRequired.Error())
	}
	return SessionTable.Check(s.Status, models.SessionCancelled)
}
