package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

func (store *Store) CreateRequest(ctx context.Context, request topup.Request) error {
	model := TopupRequest{
		RequestID:    request.ID,
		AccountEmail: request.AccountKey.String(),
		Credits:      request.Credits.Int64(),
		PriceMinor:   request.PriceMinor,
		ReceiptRef:   request.ReceiptRef,
		PlanID:       request.PlanID,
		Status:       string(request.Status),
		CreatedAt:    unixOrNow(request.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectTopup, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) GetRequest(ctx context.Context, requestID string) (topup.Request, error) {
	var model TopupRequest
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return topup.Request{}, wrapStoreError(errorSubjectTopup, errorCodeGet, topup.ErrRequestNotFound)
	}
	if err != nil {
		return topup.Request{}, wrapStoreError(errorSubjectTopup, errorCodeGet, ledger.Unavailable(err))
	}
	request, err := mapTopupRequest(model)
	if err != nil {
		return topup.Request{}, wrapStoreError(errorSubjectTopup, errorCodeInvalid, err)
	}
	return request, nil
}

// TransitionRequest only moves requests that are still pending.
func (store *Store) TransitionRequest(ctx context.Context, requestID string, to topup.Status, reviewer string, reviewedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&TopupRequest{}).
		Where("request_id = ? AND status = ?", requestID, string(topup.StatusPending)).
		Updates(map[string]any{
			"status":      string(to),
			"reviewer":    reviewer,
			"reviewed_at": timeOrNil(reviewedUnixUTC),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTopup, errorCodeUpdateStatus, ledger.Unavailable(result.Error))
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListRequests(ctx context.Context, status topup.Status, limit int) ([]topup.Request, error) {
	query := store.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var rows []TopupRequest
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTopup, errorCodeList, ledger.Unavailable(err))
	}
	requests := make([]topup.Request, 0, len(rows))
	for _, row := range rows {
		request, err := mapTopupRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTopup, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func mapTopupRequest(model TopupRequest) (topup.Request, error) {
	key, err := ledger.NewAccountKey(model.AccountEmail)
	if err != nil {
		return topup.Request{}, err
	}
	status, err := topup.ParseStatus(model.Status)
	if err != nil {
		return topup.Request{}, err
	}
	return topup.Request{
		ID:              model.RequestID,
		AccountKey:      key,
		Credits:         ledger.Credits(model.Credits),
		PriceMinor:      model.PriceMinor,
		ReceiptRef:      model.ReceiptRef,
		PlanID:          model.PlanID,
		Status:          status,
		Reviewer:        model.Reviewer,
		ReviewedUnixUTC: timeOrZero(model.ReviewedAt),
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}
