package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

func (store *Store) CreateOrder(ctx context.Context, order checkout.PaymentOrder) error {
	createdAt := unixOrNow(order.CreatedUnixUTC)
	model := PaymentOrder{
		OrderID:      order.OrderID,
		AccountEmail: order.AccountKey.String(),
		PlanID:       order.PlanID,
		Credits:      order.Credits.Int64(),
		PriceMinor:   order.PriceMinor,
		Token:        order.Token,
		Status:       string(order.Status),
		CreatedAt:    createdAt,
		UpdatedAt:    unixOrNow(order.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderID string) (checkout.PaymentOrder, error) {
	var model PaymentOrder
	err := store.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return checkout.PaymentOrder{}, wrapStoreError(errorSubjectOrder, errorCodeGet, checkout.ErrOrderNotFound)
	}
	if err != nil {
		return checkout.PaymentOrder{}, wrapStoreError(errorSubjectOrder, errorCodeGet, ledger.Unavailable(err))
	}
	order, err := mapOrder(model)
	if err != nil {
		return checkout.PaymentOrder{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

func (store *Store) TransitionOrder(ctx context.Context, orderID string, from []checkout.OrderStatus, to checkout.OrderStatus, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentOrder{}).
		Where("order_id = ? AND status IN ?", orderID, orderStatusStrings(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": unixOrNow(updatedUnixUTC),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectOrder, errorCodeUpdateStatus, ledger.Unavailable(result.Error))
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) SetOrderToken(ctx context.Context, orderID string, token string, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentOrder{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{
			"token":      token,
			"updated_at": unixOrNow(updatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, checkout.ErrOrderNotFound)
	}
	return nil
}

func (store *Store) ListOrdersByStatus(ctx context.Context, statuses []checkout.OrderStatus, updatedBeforeUnixUTC int64, limit int) ([]checkout.PaymentOrder, error) {
	query := store.db.WithContext(ctx).Where("status IN ?", orderStatusStrings(statuses))
	if updatedBeforeUnixUTC > 0 {
		query = query.Where("updated_at < ?", time.Unix(updatedBeforeUnixUTC, 0).UTC())
	}
	var rows []PaymentOrder
	if err := query.Order("updated_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, ledger.Unavailable(err))
	}
	return mapOrders(rows)
}

func (store *Store) ListOrdersAfter(ctx context.Context, statuses []checkout.OrderStatus, afterOrderID string, limit int) ([]checkout.PaymentOrder, error) {
	query := store.db.WithContext(ctx).Where("status IN ?", orderStatusStrings(statuses))
	if afterOrderID != "" {
		query = query.Where("order_id > ?", afterOrderID)
	}
	var rows []PaymentOrder
	if err := query.Order("order_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, ledger.Unavailable(err))
	}
	return mapOrders(rows)
}

func mapOrders(rows []PaymentOrder) ([]checkout.PaymentOrder, error) {
	orders := make([]checkout.PaymentOrder, 0, len(rows))
	for _, row := range rows {
		order, err := mapOrder(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func mapOrder(model PaymentOrder) (checkout.PaymentOrder, error) {
	key, err := ledger.NewAccountKey(model.AccountEmail)
	if err != nil {
		return checkout.PaymentOrder{}, err
	}
	status, err := checkout.ParseOrderStatus(model.Status)
	if err != nil {
		return checkout.PaymentOrder{}, err
	}
	return checkout.PaymentOrder{
		OrderID:        model.OrderID,
		AccountKey:     key,
		PlanID:         model.PlanID,
		Credits:        ledger.Credits(model.Credits),
		PriceMinor:     model.PriceMinor,
		Token:          model.Token,
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func orderStatusStrings(statuses []checkout.OrderStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}
