package statemachine

import "github.com/honeynil/TradeCustodyService/internal/models"

var ReleaseTable = NewTable("pending_release", map[models.ReleaseStatus][]models.ReleaseStatus{
	models.ReleasePending: {models.ReleaseApproved, models.ReleaseRejected, models.ReleaseExpired},
})
