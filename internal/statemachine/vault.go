package statemachine

import (
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

const (
	entityVaultItem  = "vault_item"
	entityVaultOrder = "vault_order"
)

// VaultItemTable keeps physical custody ahead of any online offer: nothing
// reaches LISTED_ONLINE without first being IN_CASE.
var VaultItemTable = NewTable(entityVaultItem, map[models.VaultItemStatus][]models.VaultItemStatus{
	models.ItemPendingReview:  {models.ItemAccepted, models.ItemRejected},
	models.ItemAccepted:       {models.ItemAssignedToShop},
	models.ItemAssignedToShop: {models.ItemInCase, models.ItemReturned},
	models.ItemInCase:         {models.ItemListedOnline, models.ItemSold, models.ItemReturned},
	models.ItemListedOnline:   {models.ItemReserved, models.ItemReturned},
	models.ItemReserved:       {models.ItemSold, models.ItemReturned},
})

// inPersonSaleFrom lists where a counter sale may start. It is an action
// rule on top of the table: a listed item sold over the counter is pulled
// from the online listing in the same step.
var inPersonSaleFrom = []models.VaultItemStatus{models.ItemInCase, models.ItemListedOnline}

// reservationRelease is the side channel used when an order is cancelled or
// refunded before settlement: the item goes back on sale.
var reservationRelease = NewTable(entityVaultItem, map[models.VaultItemStatus][]models.VaultItemStatus{
	models.ItemReserved: {models.ItemListedOnline},
})

func CheckInPersonSale(item *models.VaultItem) error {
	for _, s := range inPersonSaleFrom {
		if item.Status == s {
			return nil
		}
	}
	return pkgerrors.Invalid(entityVaultItem, string(item.Status), string(models.ItemSold), names(inPersonSaleFrom))
}

func CheckReservationRelease(item *models.VaultItem) error {
	return reservationRelease.Check(item.Status, models.ItemListedOnline)
}

var VaultOrderTable = NewTable(entityVaultOrder, map[models.VaultOrderStatus][]models.VaultOrderStatus{
	models.OrderPendingPayment: {models.OrderPaid, models.OrderCancelled},
	models.OrderPaid:           {models.OrderFulfilling, models.OrderCancelled, models.OrderRefunded},
	models.OrderFulfilling:     {models.OrderShipped, models.OrderCancelled, models.OrderRefunded},
	models.OrderShipped:        {models.OrderDelivered, models.OrderDisputed, models.OrderRefunded},
	models.OrderDelivered:      {models.OrderDisputed, models.OrderRefunded},
	models.OrderDisputed:       {models.OrderRefunded, models.OrderDelivered},
})
