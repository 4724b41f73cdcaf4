package ledger

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("zero amount")
	ErrBalanceOverflow     = errors.New("balance overflows 256 bits")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
)
