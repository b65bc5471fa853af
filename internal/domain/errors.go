package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound возвращается репозиториями, когда сущность отсутствует.
var ErrNotFound = errors.New("сущность не найдена")

// DeliveryError описывает сбой исходящей отправки через Telegram.
type DeliveryError struct {
	Op string
	// SourceMissing означает, что исходное сообщение канала больше не существует
	// и пост подлежит удалению из хранилища.
	SourceMissing bool
	Err           error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("доставка (%s): %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsSourceMissing сообщает, сигнализирует ли ошибка об утраченном исходном сообщении.
func IsSourceMissing(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.SourceMissing
}
