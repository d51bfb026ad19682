package adledger

import "time"

const (
	operationDebit          = "debit"
	operationTopUp          = "top_up"
	operationProcessEvent   = "process_event"
	operationRegisterAd     = "register_ad"
	operationAllocateCode   = "allocate_code"
	operationCreateLink     = "create_short_link"
	operationCountLinkClick = "count_short_link_click"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultClickCostCents = 5
	defaultViewCostCents  = 2

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 25 * time.Millisecond

	probeSuffixCeiling = 99

	shortCodeLength   = 7
	shortCodeAttempts = 5
	shortCodeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	counterScopeDelimiter = ":"
)
