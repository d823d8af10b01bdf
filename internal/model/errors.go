package model

import "errors"

var (
	ErrPropertyNotFound            = errors.New("property not found")
	ErrPropertyNotAvailable        = errors.New("property not available")
	ErrAlreadyHeld                 = errors.New("property already held")
	ErrDuplicateReservation        = errors.New("duplicate reservation")
	ErrCapacityExceeded            = errors.New("cart capacity exceeded")
	ErrReservationNotFound         = errors.New("reservation not found")
	ErrReservationNotActive        = errors.New("reservation not active")
	ErrVisitAlreadyConfirmed       = errors.New("visit already confirmed")
	ErrVisitNotConfirmed           = errors.New("visit not confirmed")
	ErrVisitWindowExpired          = errors.New("visit window expired")
	ErrBookingWindowExpired        = errors.New("booking window expired")
	ErrCommissionNotFound          = errors.New("commission not found")
	ErrNotificationNotFound        = errors.New("notification not found")
	ErrCommissionExists            = errors.New("commission already recorded")
	ErrInvalidCommissionTransition = errors.New("invalid commission transition")
	ErrInvalidPropertyTransition   = errors.New("invalid property transition")
	ErrInvalidID                   = errors.New("invalid id")
	ErrInvalidInput                = errors.New("invalid input")
	ErrSweepInProgress             = errors.New("sweep already in progress")
)

// ErrorKind はエラーの分類です。呼び出し側はこの分類でリトライ可否や表示を決めます
type ErrorKind string

const (
	KindContention ErrorKind = "contention"
	KindCapacity   ErrorKind = "capacity"
	KindWindow     ErrorKind = "window"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindInvalid    ErrorKind = "invalid"
	KindInternal   ErrorKind = "internal"
)

// KindOf はエラーを分類します
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyHeld),
		errors.Is(err, ErrDuplicateReservation),
		errors.Is(err, ErrPropertyNotAvailable):
		return KindContention
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacity
	case errors.Is(err, ErrVisitWindowExpired),
		errors.Is(err, ErrBookingWindowExpired):
		return KindWindow
	case errors.Is(err, ErrPropertyNotFound),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrCommissionNotFound),
		errors.Is(err, ErrNotificationNotFound):
		return KindNotFound
	case errors.Is(err, ErrReservationNotActive),
		errors.Is(err, ErrVisitAlreadyConfirmed),
		errors.Is(err, ErrVisitNotConfirmed),
		errors.Is(err, ErrCommissionExists),
		errors.Is(err, ErrInvalidCommissionTransition),
		errors.Is(err, ErrInvalidPropertyTransition),
		errors.Is(err, ErrSweepInProgress):
		return KindConflict
	case errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidInput):
		return KindInvalid
	}
	return KindInternal
}
