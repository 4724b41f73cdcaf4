package api

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/app/core/price"
	"github.com/uhyunpark/youstock/pkg/app/core/transaction"
	"github.com/uhyunpark/youstock/pkg/app/exchange"
	"github.com/uhyunpark/youstock/pkg/custody"
)

// errorCodes maps engine sentinels to HTTP statuses and stable codes.
// First match wins, so more specific errors come first.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{transaction.ErrMalformed, http.StatusBadRequest, "malformed_request"},
	{transaction.ErrBadSignature, http.StatusUnauthorized, "invalid_signature"},
	{transaction.ErrSignerMismatch, http.StatusUnauthorized, "signer_mismatch"},
	{transaction.ErrStaleNonce, http.StatusConflict, "stale_nonce"},

	{custody.ErrTransferUnconfirmed, http.StatusAccepted, "transfer_unconfirmed"},
	{custody.ErrInsufficientFunds, http.StatusBadGateway, "transfer_failed"},
	{custody.ErrTransferFailed, http.StatusBadGateway, "transfer_failed"},
	{custody.ErrPaymentNotFound, http.StatusUnprocessableEntity, "payment_not_found"},
	{custody.ErrPaymentMismatch, http.StatusForbidden, "payment_mismatch"},

	{exchange.ErrUnbackedDeposit, http.StatusUnprocessableEntity, "unbacked_deposit"},
	{exchange.ErrPaymentClaimed, http.StatusConflict, "payment_claimed"},
	{exchange.ErrNativeClaim, http.StatusBadRequest, "native_claim"},
	{exchange.ErrCustodyBusy, http.StatusServiceUnavailable, "custody_busy"},
	{exchange.ErrPersistence, http.StatusInternalServerError, "persistence_failed"},

	{orderbook.ErrSameAssetOrder, http.StatusBadRequest, "same_asset"},
	{price.ErrInvalidPrice, http.StatusBadRequest, "invalid_price"},
	{orderbook.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{orderbook.ErrOrderNotActive, http.StatusConflict, "order_not_active"},
	{orderbook.ErrUnauthorizedCancel, http.StatusForbidden, "unauthorized_cancel"},
	{orderbook.ErrOrderCapacityExceeded, http.StatusUnprocessableEntity, "order_capacity_exceeded"},
	{orderbook.ErrSelfTrade, http.StatusUnprocessableEntity, "self_trade"},

	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{ledger.ErrZeroAmount, http.StatusBadRequest, "zero_amount"},
	{ledger.ErrBalanceOverflow, http.StatusUnprocessableEntity, "balance_overflow"},
	{ledger.ErrWithdrawalNotFound, http.StatusNotFound, "withdrawal_not_found"},
}

// classify returns the status and code for err; unknown errors are internal
func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
